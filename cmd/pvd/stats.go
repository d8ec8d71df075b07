package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagevault/pagevault/internal/config"
	"github.com/pagevault/pagevault/internal/store"
	"github.com/pagevault/pagevault/internal/ui"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store contents and pool occupancy",
	Long: `Open the configured page store and print a point-in-time readout:
pool occupancy (for the SQLite store) and a summary of stored pages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var st store.PageStore
		if cfg.DatabasePath != "" {
			s, err := store.OpenSQLite(cfg.DatabasePath, cfg.PoolConfig(nil), nil)
			if err != nil {
				return fmt.Errorf("failed to open page database: %w", err)
			}
			defer s.Close()
			st = s

			fmt.Printf("%s %s\n", ui.RenderAccent("Pool:"), s.Pool().Stats())
		} else {
			s, err := store.OpenFileStore(cfg.PagesDir, nil)
			if err != nil {
				return fmt.Errorf("failed to open page directory: %w", err)
			}
			defer s.Close()
			st = s
		}

		pages, err := st.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list pages: %w", err)
		}

		if len(pages) == 0 {
			fmt.Println(ui.RenderDim("No pages stored."))
			return nil
		}

		fmt.Printf("%s %d page(s)\n", ui.RenderAccent("Pages:"), len(pages))
		for _, p := range pages {
			title := p.Title
			if title == "" {
				title = ui.RenderDim("(untitled)")
			}
			fmt.Fprintf(os.Stdout, "  %-24s %s  rev %d  %s\n",
				p.ID, title, p.Revision, ui.RenderDim(p.UpdatedAt.Local().Format(time.RFC822)))
		}
		return nil
	},
}

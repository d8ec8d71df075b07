// Command pvd runs the PageVault persistence daemon: the connection pool,
// request dispatcher, write coalescer, and push notification server that sit
// between the editing layer and the backing page store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pagevault/pagevault/internal/ui"
)

var version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "pvd",
	Short: "PageVault persistence daemon",
	Long: `pvd serves page reads and writes for PageVault clients.

It owns the connection pool to the page store, dispatches synchronous reads
and fire-and-forget writes across a bounded worker pool, coalesces editor
mutations into durable flushes, and pushes change notifications to
WebSocket subscribers.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./pagevault.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderError("Error:"), err)
		os.Exit(1)
	}
}

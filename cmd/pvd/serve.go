package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pagevault/pagevault/internal/coalesce"
	"github.com/pagevault/pagevault/internal/config"
	"github.com/pagevault/pagevault/internal/dispatch"
	"github.com/pagevault/pagevault/internal/notify"
	"github.com/pagevault/pagevault/internal/store"
	"github.com/pagevault/pagevault/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the persistence daemon",
	Long: `Start the daemon: open the page store, bring up the connection pool
(with bounded startup retry), and serve dispatch, coalescing, and push
notifications until interrupted.

With pool.database_path set the store is SQLite; otherwise pages live as
JSON files under pages_dir and external edits to them are watched and
pushed to subscribers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Verbose = true
		}
		return runServe(cfg)
	},
}

// newLogger builds the shared daemon logger, rotating through lumberjack
// when a log file is configured.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

func runServe(cfg *config.Config) error {
	logger := newLogger(cfg, "[pvd] ")

	// Open the backing store. SQLite construction runs the pool's
	// bounded-retry connect sequence; failure here is fatal.
	var base store.PageStore
	var sqlite *store.SQLiteStore
	var watcher *store.Watcher

	if cfg.DatabasePath != "" {
		s, err := store.OpenSQLite(cfg.DatabasePath, cfg.PoolConfig(newLogger(cfg, "[pool] ")), newLogger(cfg, "[store] "))
		if err != nil {
			return fmt.Errorf("failed to open page database: %w", err)
		}
		sqlite = s
		base = s
		logger.Printf("Serving pages from %s", cfg.DatabasePath)
	} else {
		fs, err := store.OpenFileStore(cfg.PagesDir, newLogger(cfg, "[store] "))
		if err != nil {
			return fmt.Errorf("failed to open page directory: %w", err)
		}
		base = fs
		logger.Printf("Serving pages from %s (file store)", cfg.PagesDir)

		watcher, err = store.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create page watcher: %w", err)
		}
		if err := watcher.Start(fs.Root()); err != nil {
			return fmt.Errorf("failed to start page watcher: %w", err)
		}
	}

	// Dispatcher and registry are mutually wired: the registry delivers
	// through the dispatcher's workers, and the store decorator raises
	// events from inside them.
	reg := notify.NewRegistry(nil, newLogger(cfg, "[notify] "))
	wrapped := notify.WrapStore(base, reg)

	disp, err := dispatch.New(cfg.DispatcherConfig(newLogger(cfg, "[dispatch] ")), wrapped)
	if err != nil {
		return err
	}
	reg.SetRunner(disp)

	co, err := coalesce.New(cfg.CoalescerConfig(newLogger(cfg, "[coalesce] ")), disp)
	if err != nil {
		return err
	}

	push := notify.NewServer(&notify.ServerConfig{
		Port:   cfg.PushPort,
		Logger: newLogger(cfg, "[push] "),
	})
	if err := push.Start(); err != nil {
		return err
	}
	reg.Register("push", push)

	// Relay external page edits into the notification stream.
	watcherDone := make(chan struct{})
	if watcher != nil {
		go func() {
			defer close(watcherDone)
			for change := range watcher.Events() {
				typ := notify.EventPageChanged
				if change.Op == store.ChangeDelete {
					typ = notify.EventPageDeleted
				}
				reg.Notify(notify.Event{Type: typ, Target: change.PageID})
			}
		}()
	} else {
		close(watcherDone)
	}

	fmt.Printf("%s pvd %s ready (push on %s)\n", ui.RenderAccent("▲"), version, push.Addr())

	// Block until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("Received %v, shutting down", sig)

	// Shutdown order matters: flush every open session first so the
	// dispatcher drains those writes, then stop intake and drain.
	co.CloseAll()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.DrainTimeout+5*time.Second)
	defer cancel()
	if err := disp.Shutdown(drainCtx); err != nil {
		logger.Printf("Warning: %v", err)
		fmt.Printf("%s shutdown forced: %v\n", ui.RenderWarn("!"), err)
	}

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Printf("Warning: error stopping watcher: %v", err)
		}
	}
	<-watcherDone

	if err := push.Stop(); err != nil {
		logger.Printf("Warning: error stopping push server: %v", err)
	}

	if sqlite != nil {
		logger.Printf("Final pool state: %s", sqlite.Pool().Stats())
	}
	if err := base.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	fmt.Printf("%s shutdown complete\n", ui.RenderSuccess("✓"))
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quillsocial/feedsync/internal/daemon"
	"github.com/quillsocial/feedsync/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "advanced",
	Short:   "Keep the cache in sync in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Run an initial sync pass
  2. Request a pass every sync.interval
  3. Apply realtime changes from the configured transport
  4. With the fixture backend, reload fixture files when they change
  5. Optionally serve the debug dashboard (--dashboard)

Logs go to log_file with rotation when it is set, stderr otherwise.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, err := loadConfig(cmd)
		if err != nil {
			fail("loading config", err)
		}
		if on, _ := cmd.Flags().GetBool("dashboard"); on {
			cfg.Dashboard.Enabled = true
		}

		logger, logCloser := daemon.NewLogger(cfg.LogFile, cfg.LogMaxSize, "[feedsync] ")
		defer logCloser.Close()

		s, err := openSessionWith(ctx, cfg, logger, true)
		if err != nil {
			fail("opening cache", err)
		}
		defer s.close()

		dconfig := &daemon.Config{
			SyncInterval: cfg.Sync.Interval,
			Bus:          s.app.Bus(),
			Logger:       logger,
		}
		if r, ok := s.remote.Backend.(daemon.Reloader); ok && cfg.Backend.Kind == "fixture" {
			if err := os.MkdirAll(cfg.Backend.FixtureDir, 0o755); err != nil {
				s.close()
				fail("creating fixture directory", err)
			}
			dconfig.WatchDir = cfg.Backend.FixtureDir
			dconfig.Reloader = r
		}

		d, err := daemon.NewWithConfig(s.app.Engine(), dconfig)
		if err != nil {
			s.close()
			fail("creating daemon", err)
		}

		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(&dashboard.Config{
				Addr:   cfg.Dashboard.Addr,
				Status: statusFunc(s),
				Logger: logger,
			})
			if err := server.Start(); err != nil {
				s.close()
				fail("starting dashboard", err)
			}
			defer server.Stop()

			handler := dashboard.NewHandler(server, logger)
			go func() {
				if err := handler.Run(ctx, s.app.Bus()); err != nil {
					logger.Printf("Dashboard event stream stopped: %v", err)
				}
			}()
			fmt.Printf("Dashboard: http://%s (ws://%s/ws)\n", server.GetAddr(), server.GetAddr())
		}

		fmt.Printf("%s Daemon running for %s. Press Ctrl+C to stop...\n", renderAccent("●"), cfg.DBPath)
		if err := d.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.close()
			fail("running daemon", err)
		}
		fmt.Println("\nDaemon stopped")
	},
}

// statusFunc adapts the engine status for the dashboard.
func statusFunc(s *session) dashboard.StatusFunc {
	return func(ctx context.Context) (any, error) {
		st, err := s.app.Engine().Status(ctx)
		if err != nil {
			return nil, err
		}
		viewer, _ := s.app.Viewer()
		out := map[string]any{
			"state":     st.State.String(),
			"viewer":    viewer,
			"outbox":    st.Outbox,
			"conflicts": st.Conflicts,
			"deferred":  st.Deferred,
		}
		if !st.LastSync.IsZero() {
			out["last_sync"] = st.LastSync
		}
		if st.LastError != nil {
			out["last_error"] = st.LastError.Error()
		}
		return out, nil
	}
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the debug dashboard at dashboard.addr")
	rootCmd.AddCommand(daemonCmd)
}

// Command feedsync drives a local feed cache from the terminal.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/quillsocial/feedsync/internal/app"
	"github.com/quillsocial/feedsync/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "feedsync",
	Short: "Local-first feed cache and sync engine",
	Long: `feedsync keeps a local SQLite cache of a social feed in sync with a
remote backend. Reads are served from the cache; writes are applied locally
first and pushed through an outbox.

Settings come from feedsync.yaml (or .toml/.json), FEEDSYNC_* environment
variables and the flags below, in increasing order of precedence.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "cache", Title: "Cache Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	registerGlobalFlags(rootCmd.PersistentFlags())
}

func registerGlobalFlags(flags *pflag.FlagSet) {
	flags.StringVar(&configPath, "config", "", "config file (default: ./feedsync.yaml or user config dir)")
	flags.String("db", "", "cache database path")
	flags.String("viewer", "", "signed-in user id")
	flags.String("backend", "", "remote backend: fixture or postgres")
	flags.String("fixture-dir", "", "fixture backend directory")
	flags.String("postgres-dsn", "", "postgres backend connection string")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log component activity to stderr")
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"db":           "db_path",
	"viewer":       "viewer",
	"backend":      "backend.kind",
	"fixture-dir":  "backend.fixture_dir",
	"postgres-dsn": "backend.postgres_dsn",
}

// loadConfig resolves settings for cmd. Only flags the user set override
// the file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f != nil && f.Changed {
			overrides[key] = f.Value.String()
		}
	}
	return config.Load(configPath, overrides)
}

func componentLogger() *log.Logger {
	if verbose {
		return log.New(os.Stderr, "[feedsync] ", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// session is an initialized App plus the backend it talks to.
type session struct {
	cfg    *config.Config
	app    *app.App
	remote *app.Remote
	close  func()
}

// openSession loads config, opens the backend and initializes an App.
func openSession(ctx context.Context, cmd *cobra.Command, logger *log.Logger, withRealtime bool) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openSessionWith(ctx, cfg, logger, withRealtime)
}

// openSessionWith opens the backend named by cfg and initializes an App.
// withRealtime also starts the configured realtime transport.
func openSessionWith(ctx context.Context, cfg *config.Config, logger *log.Logger, withRealtime bool) (*session, error) {
	if logger == nil {
		logger = componentLogger()
	}

	remote, err := app.OpenRemote(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	deps := app.Deps{Backend: remote.Backend, Logger: logger}
	closeSub := func() {}
	if withRealtime {
		sub, closeFn, err := app.OpenSubscriber(cfg, remote, logger)
		if err != nil {
			remote.Close()
			return nil, err
		}
		deps.Subscriber = sub
		closeSub = closeFn
	}

	a, err := app.New(cfg, deps)
	if err != nil {
		closeSub()
		remote.Close()
		return nil, err
	}
	if err := a.Init(ctx); err != nil {
		closeSub()
		remote.Close()
		return nil, err
	}

	return &session{
		cfg:    cfg,
		app:    a,
		remote: remote,
		close: func() {
			_ = a.Shutdown()
			closeSub()
			remote.Close()
		},
	}, nil
}

// fail prints err the way every command reports errors and exits.
func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s Error %s: %v\n", renderFail("✗"), what, err)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

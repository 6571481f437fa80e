package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quillsocial/feedsync/internal/feedcache/syncer"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "cache",
	Short:   "Run one sync pass against the backend",
	Long: `Run one sync pass:
  1. Push every pending outbox entry
  2. Pull each configured scope since its cursor
  3. Apply the snapshots and patch the materialized feeds

Interrupting the pass rolls back the snapshot being applied.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s, err := openSession(ctx, cmd, nil, false)
		if err != nil {
			fail("opening cache", err)
		}
		defer s.close()

		fmt.Printf("%s Syncing %s...\n", renderAccent("↻"), s.cfg.DBPath)
		start := time.Now()
		if err := s.app.Engine().StartSync(ctx); err != nil {
			s.close()
			fail("during sync", err)
		}

		counts, err := s.app.Store().Counts(ctx)
		if err != nil {
			s.close()
			fail("counting rows", err)
		}
		fmt.Printf("%s Sync complete in %v\n", renderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Posts: %d\n", counts["posts"])
		fmt.Printf("   Users: %d\n", counts["users"])
		fmt.Printf("   Messages: %d\n", counts["messages"])
		fmt.Printf("   Outbox: %d\n", counts["pending_mutations"])
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "cache",
	Short:   "Show cache and sync status",
	Long: `Display the current status of the local cache.

Shows:
  - Cache file location and size
  - Row counts per table
  - Outbox size, conflicts and deferred realtime events`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		cfg, err := loadConfig(cmd)
		if err != nil {
			fail("loading config", err)
		}
		info, err := os.Stat(cfg.DBPath)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Cache not initialized\n", renderWarn("⚠"))
			fmt.Printf("   Run 'feedsync sync' to create it\n\n")
			return
		}
		if err != nil {
			fail("checking cache", err)
		}

		s, err := openSession(ctx, cmd, nil, false)
		if err != nil {
			fail("opening cache", err)
		}
		defer s.close()

		st, err := s.app.Engine().Status(ctx)
		if err != nil {
			s.close()
			fail("reading status", err)
		}
		counts, err := s.app.Store().Counts(ctx)
		if err != nil {
			s.close()
			fail("counting rows", err)
		}

		viewer, ok := s.app.Viewer()
		if !ok {
			viewer = renderMuted("(signed out)")
		}

		fmt.Printf("\n%s\n\n", renderTitle("Feed Cache Status"))
		fmt.Printf("Location: %s\n", cfg.DBPath)
		fmt.Printf("Size: %s\n", humanize.Bytes(uint64(info.Size())))
		fmt.Printf("Modified: %s\n", humanize.Time(info.ModTime()))
		fmt.Printf("Viewer: %s\n", viewer)
		fmt.Printf("Backend: %s\n", cfg.Backend.Kind)
		fmt.Println()
		for _, table := range []string{"users", "posts", "reactions", "poll_votes", "feed_items", "conversations", "messages"} {
			fmt.Printf("  %-14s %s\n", table, humanize.Comma(int64(counts[table])))
		}
		fmt.Println()
		printOutboxLine(st)
		fmt.Println()
	},
}

func printOutboxLine(st *syncer.Status) {
	switch {
	case st.Conflicts > 0:
		fmt.Printf("%s Outbox: %d (%d in conflict, see 'feedsync pending')\n", renderWarn("⚠"), st.Outbox, st.Conflicts)
	case st.Outbox > 0:
		fmt.Printf("%s Outbox: %d pending\n", renderAccent("↑"), st.Outbox)
	default:
		fmt.Printf("%s Outbox empty\n", renderPass("✓"))
	}
	if st.Deferred > 0 {
		fmt.Printf("   Deferred realtime events: %d\n", st.Deferred)
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

var pendingCmd = &cobra.Command{
	Use:     "pending",
	GroupID: "cache",
	Short:   "List, retry or discard outbox entries",
	Long: `List local writes that have not been acknowledged by the backend.

Entries in conflict were rejected and stay in the cache, marked, until they
are retried or discarded:
  feedsync pending retry <id>     # push again
  feedsync pending discard <id>   # drop and restore the remote state`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		s, err := openSession(ctx, cmd, nil, false)
		if err != nil {
			fail("opening cache", err)
		}
		defer s.close()

		all, err := s.app.Engine().Pending(ctx)
		if err != nil {
			s.close()
			fail("listing outbox", err)
		}
		if len(all) == 0 {
			fmt.Printf("%s Outbox empty\n", renderPass("✓"))
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tENTITY\tSTATUS\tATTEMPTS\tQUEUED\tLAST ERROR")
		for _, m := range all {
			status := string(m.Status)
			if m.Status == schema.MutationConflict {
				status = renderWarn(status)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				m.ID, m.Kind, m.EntityID, status, m.Attempts, humanize.Time(m.CreatedAt), m.LastError)
		}
		_ = w.Flush()
	},
}

var pendingRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Push a conflicted outbox entry again",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		s, err := openSession(ctx, cmd, nil, false)
		if err != nil {
			fail("opening cache", err)
		}
		defer s.close()

		if err := s.app.Engine().Retry(ctx, args[0]); err != nil {
			s.close()
			fail("retrying "+args[0], err)
		}
		fmt.Printf("%s Retried %s\n", renderPass("✓"), args[0])
	},
}

var pendingDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a conflicted outbox entry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		s, err := openSession(ctx, cmd, nil, false)
		if err != nil {
			fail("opening cache", err)
		}
		defer s.close()

		if err := s.app.Engine().Discard(ctx, args[0]); err != nil {
			s.close()
			fail("discarding "+args[0], err)
		}
		fmt.Printf("%s Discarded %s\n", renderPass("✓"), args[0])
	},
}

func init() {
	pendingCmd.AddCommand(pendingRetryCmd)
	pendingCmd.AddCommand(pendingDiscardCmd)
	rootCmd.AddCommand(pendingCmd)
}

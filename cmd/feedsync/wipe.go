package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var wipeCmd = &cobra.Command{
	Use:     "wipe",
	GroupID: "cache",
	Short:   "Sign out and delete every cached row",
	Long: `Sign the viewer out and delete every cached row, including unsent
outbox entries. The wipe is all-or-nothing: on failure the cache is left
as it was.

Prompts for confirmation on a terminal. Use --yes in scripts.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		yes, _ := cmd.Flags().GetBool("yes")

		s, err := openSession(ctx, cmd, nil, false)
		if err != nil {
			fail("opening cache", err)
		}
		defer s.close()

		if !yes {
			if !styled() {
				s.close()
				fail("wiping cache", fmt.Errorf("refusing to wipe without a terminal; pass --yes"))
			}
			st, err := s.app.Engine().Status(ctx)
			if err != nil {
				s.close()
				fail("reading status", err)
			}
			description := fmt.Sprintf("This deletes %s.", s.cfg.DBPath)
			if st.Outbox > 0 {
				description += fmt.Sprintf(" %d unsent change(s) will be lost.", st.Outbox)
			}

			confirmed := false
			err = huh.NewConfirm().
				Title("Wipe the local cache?").
				Description(description).
				Affirmative("Wipe").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				s.close()
				fail("reading confirmation", err)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		if err := s.app.Logout(ctx); err != nil {
			s.close()
			fail("wiping cache", err)
		}
		fmt.Printf("%s Cache wiped\n", renderPass("✓"))
	},
}

func init() {
	wipeCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(wipeCmd)
}

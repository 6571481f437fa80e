package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quillsocial/feedsync/internal/feedcache/pipeline"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

var feedCmd = &cobra.Command{
	Use:     "feed [name]",
	GroupID: "cache",
	Short:   "Print a page of a materialized feed",
	Long: `Print one page of a feed from the local cache. No network access is
needed. Feeds: home, latest, media, popular.

Examples:
  feedsync feed                     # first page of home
  feedsync feed popular --limit 5
  feedsync feed latest --cursor <next-cursor>
  feedsync feed --json | jq .`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		name := "home"
		if len(args) == 1 {
			name = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")
		asJSON, _ := cmd.Flags().GetBool("json")

		s, err := openSession(ctx, cmd, nil, false)
		if err != nil {
			fail("opening cache", err)
		}
		defer s.close()

		page, err := s.app.ReadFeed(ctx, name, limit, cursor)
		if err != nil {
			s.close()
			fail("reading feed", err)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(page); err != nil {
				s.close()
				fail("encoding feed", err)
			}
			return
		}

		if len(page.Posts) == 0 {
			fmt.Printf("%s Feed %s is empty\n", renderWarn("⚠"), name)
			return
		}
		for _, p := range page.Posts {
			printPost(p)
		}
		if page.NextCursor != "" {
			fmt.Printf("%s --cursor %s\n", renderMuted("more:"), page.NextCursor)
		}
	},
}

func printPost(p pipeline.Post) {
	author := "@" + p.Author.Username
	if p.Author.Missing {
		author = renderMuted("(unknown author)")
	} else if p.Author.Verified {
		author += " ✓"
	}

	header := []string{renderTitle(p.Author.DisplayName), author, renderMuted(humanize.Time(p.CreatedAt))}
	if p.Meta.EditedLabel != "" {
		header = append(header, renderMuted(p.Meta.EditedLabel))
	}
	if p.Meta.SyncStatus != "" && p.Meta.SyncStatus != schema.StatusSynced {
		header = append(header, renderWarn("["+string(p.Meta.SyncStatus)+"]"))
	}
	fmt.Println(strings.Join(header, " · "))

	switch {
	case p.Repost != nil:
		fmt.Printf("  %s reposted %s\n", renderAccent("↻"), embedLabel(p.Repost))
	case p.Content != "":
		fmt.Printf("  %s\n", p.Content)
	}
	if p.Quote != nil {
		fmt.Printf("  %s %s\n", renderMuted("quoting"), embedLabel(p.Quote))
	}
	for _, m := range p.Media {
		fmt.Printf("  [%s] %s\n", m.Kind, m.URL)
	}
	if p.Poll != nil {
		for i, c := range p.Poll.Choices {
			mark := " "
			if p.Viewer.VotedChoice != nil && *p.Viewer.VotedChoice == i {
				mark = "•"
			}
			fmt.Printf("  %s %s\n", mark, c)
		}
		if p.Poll.Closed {
			fmt.Printf("  %s\n", renderMuted("poll closed"))
		}
	}

	like := "♡"
	if p.Viewer.Reaction == schema.ReactionLike {
		like = renderFail("♥")
	}
	fmt.Printf("  %s %d  ↩ %d  ↻ %d  %s\n\n", like, p.Counters.Likes, p.Counters.Replies, p.Counters.Reposts, renderMuted(p.ID))
}

func embedLabel(e *pipeline.Embed) string {
	if e.Unavailable {
		return renderMuted("(post unavailable)")
	}
	if e.Post == nil {
		return renderMuted(e.ID)
	}
	return fmt.Sprintf("@%s: %s", e.Post.Author.Username, e.Post.Content)
}

func init() {
	feedCmd.Flags().Int("limit", 0, "page size (default: feeds.page_size)")
	feedCmd.Flags().String("cursor", "", "cursor from a previous page")
	feedCmd.Flags().Bool("json", false, "print the page as JSON")
	rootCmd.AddCommand(feedCmd)
}

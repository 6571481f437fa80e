package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

var postCmd = &cobra.Command{
	Use:     "post <text>",
	GroupID: "cache",
	Short:   "Write a post as the viewer",
	Long: `Write a post. It appears in the cache immediately as pending and is
pushed to the backend; a rejection leaves it marked as conflict.

Examples:
  feedsync post "hello"
  feedsync post --reply-to srv-12 "agreed"
  feedsync post --quote srv-3 "worth reading"
  feedsync post --poll "tea,coffee" "which one?"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		replyTo, _ := cmd.Flags().GetString("reply-to")
		quote, _ := cmd.Flags().GetString("quote")
		poll, _ := cmd.Flags().GetString("poll")

		draft := schema.PostDraft{Content: strings.Join(args, " "), Type: schema.PostOriginal}
		switch {
		case replyTo != "":
			draft.Type = schema.PostReply
			draft.ParentPostID = replyTo
		case quote != "":
			draft.Type = schema.PostQuote
			draft.QuotedPostID = quote
		case poll != "":
			draft.Type = schema.PostPoll
			draft.Poll = &schema.Poll{Choices: strings.Split(poll, ",")}
		}

		s, err := openSession(ctx, cmd, nil, false)
		if err != nil {
			fail("opening cache", err)
		}
		defer s.close()

		p, err := s.app.Engine().CreatePost(ctx, draft)
		if err != nil {
			s.close()
			fail("creating post", err)
		}
		fmt.Printf("%s Posted %s [%s]\n", renderPass("✓"), p.ID, p.SyncStatus)
	},
}

var reactCmd = &cobra.Command{
	Use:     "react <post-id> [like|dislike|laugh|none]",
	GroupID: "cache",
	Short:   "React to a post as the viewer",
	Long: `Set the viewer's reaction on a post. "none" removes it. Counters
update locally at once and roll back if the backend rejects the change.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		kind := schema.ReactionLike
		if len(args) == 2 {
			kind = schema.ReactionKind(strings.ToLower(args[1]))
			if strings.EqualFold(args[1], string(schema.ReactionNone)) {
				kind = schema.ReactionNone
			}
		}

		s, err := openSession(ctx, cmd, nil, false)
		if err != nil {
			fail("opening cache", err)
		}
		defer s.close()

		if kind == schema.ReactionNone {
			err = s.app.Engine().Unreact(ctx, args[0])
		} else {
			err = s.app.Engine().React(ctx, args[0], kind)
		}
		if err != nil {
			s.close()
			fail("reacting to "+args[0], err)
		}
		fmt.Printf("%s %s on %s\n", renderPass("✓"), kind, args[0])
	},
}

func init() {
	postCmd.Flags().String("reply-to", "", "reply to this post id")
	postCmd.Flags().String("quote", "", "quote this post id")
	postCmd.Flags().String("poll", "", "comma-separated poll choices")
	postCmd.MarkFlagsMutuallyExclusive("reply-to", "quote", "poll")
	rootCmd.AddCommand(postCmd)
	rootCmd.AddCommand(reactCmd)
}

// Package pipeline turns joined store rows into denormalized posts.
//
// Reads go through two pure steps:
//
//	schema.RawPostRow ──Adapt──▶ NormalizedPostInput ──Map(viewer)──▶ Post
//
// Adapt only restructures: it lifts the flat p./q./r. column groups into a
// tree and decodes JSON payloads. Map applies the viewer context and derives
// presentation fields. Neither step touches the store, keeps state, or
// modifies its input, so the same cached rows can be composed any number of
// times. Composed posts are never written back.
package pipeline

import (
	"database/sql"
	"encoding/json"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

// NormalizedPostInput is the structured form of one joined row.
type NormalizedPostInput struct {
	Post schema.Post

	// Author is nil when the owner has not been cached.
	Author *schema.User

	// ViewerReaction is empty when the viewer has not reacted.
	ViewerReaction schema.ReactionKind

	// ViewerVote is the choice index the viewer voted for, if any.
	ViewerVote *int

	// Quoted and Reposted hold the joined targets. They are nil when the
	// post has no such reference or when the join found nothing.
	Quoted   *NormalizedPostInput
	Reposted *NormalizedPostInput

	// Expanded is set when the quote and repost joins were attempted for
	// this post. Nested inputs are not expanded further.
	Expanded bool
}

// Adapt restructures a flat joined row. Every nested column may be NULL;
// a missing or malformed optional field is treated as absent.
func Adapt(row schema.RawPostRow) NormalizedPostInput {
	in := adaptOne(row.Post, row.Author, row.ViewerReaction, row.ViewerVote)
	in.Expanded = true

	if row.Quoted.ID.Valid {
		q := adaptOne(row.Quoted, row.QuotedAuthor, row.QuotedViewerReaction, row.QuotedViewerVote)
		in.Quoted = &q
	}
	if row.Reposted.ID.Valid {
		r := adaptOne(row.Reposted, row.RepostedAuthor, row.RepostedViewerReaction, row.RepostedViewerVote)
		in.Reposted = &r
	}
	return in
}

func adaptOne(p schema.PostColumns, a schema.AuthorColumns, reaction sql.NullString, vote sql.NullInt64) NormalizedPostInput {
	in := NormalizedPostInput{
		Post:   adaptPost(p),
		Author: adaptAuthor(a),
	}
	if reaction.Valid {
		in.ViewerReaction = schema.ReactionKind(reaction.String)
	}
	if vote.Valid {
		v := int(vote.Int64)
		in.ViewerVote = &v
	}
	return in
}

func adaptPost(c schema.PostColumns) schema.Post {
	p := schema.Post{
		ID:             c.ID.String,
		OwnerID:        c.OwnerID.String,
		Content:        c.Content.String,
		Type:           schema.PostType(c.Type.String),
		QuotedPostID:   c.QuotedPostID.String,
		RepostedPostID: c.RepostedPostID.String,
		ParentPostID:   c.ParentPostID.String,
		Counters: schema.Counters{
			Likes:    c.Likes.Int64,
			Dislikes: c.Dislikes.Int64,
			Laughs:   c.Laughs.Int64,
			Reposts:  c.Reposts.Int64,
			Replies:  c.Replies.Int64,
		},
		Deleted:    c.Deleted.Bool,
		SyncStatus: schema.SyncStatus(c.SyncStatus.String),
	}

	if c.Media.Valid && c.Media.String != "" {
		var media []schema.MediaItem
		if json.Unmarshal([]byte(c.Media.String), &media) == nil {
			p.Media = media
		}
	}
	if c.Poll.Valid && c.Poll.String != "" {
		var poll schema.Poll
		if json.Unmarshal([]byte(c.Poll.String), &poll) == nil {
			p.Poll = &poll
		}
	}
	if c.CreatedAt.Valid {
		if t, err := schema.ParseTime(c.CreatedAt.String); err == nil {
			p.CreatedAt = t
		}
	}
	if c.UpdatedAt.Valid {
		if t, err := schema.ParseTime(c.UpdatedAt.String); err == nil {
			p.UpdatedAt = &t
		}
	}
	return p
}

func adaptAuthor(a schema.AuthorColumns) *schema.User {
	if !a.ID.Valid {
		return nil
	}
	return &schema.User{
		ID:          a.ID.String,
		Username:    a.Username.String,
		DisplayName: a.DisplayName.String,
		AvatarURL:   a.AvatarURL.String,
		Verified:    a.Verified.Bool,
		Suspended:   a.Suspended.Bool,
		Active:      !a.Active.Valid || a.Active.Bool,
	}
}

package schema

import (
	"fmt"
	"time"
)

// SyncStatus tracks whether a row agrees with the remote store.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusSynced, StatusPending, StatusConflict:
		return true
	}
	return false
}

// Unsettled reports whether a remote change must wait for s to resolve.
func (s SyncStatus) Unsettled() bool {
	return s == StatusPending || s == StatusConflict
}

// PostType is the shape of a post.
type PostType string

const (
	PostOriginal PostType = "original"
	PostRepost   PostType = "repost"
	PostQuote    PostType = "quote"
	PostReply    PostType = "reply"
	PostPoll     PostType = "poll"
)

// Valid reports whether t is a known post type.
func (t PostType) Valid() bool {
	switch t {
	case PostOriginal, PostRepost, PostQuote, PostReply, PostPoll:
		return true
	}
	return false
}

// MediaItem is one attachment. Order within a post is significant.
type MediaItem struct {
	URL  string `json:"url" validate:"required,url"`
	Kind string `json:"kind" validate:"required,oneof=image video gif audio"`
}

// Poll is the payload of a poll post.
type Poll struct {
	Choices   []string   `json:"choices" validate:"min=2,max=6,dive,required,max=80"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Closed reports whether the poll no longer accepts votes at now.
func (p *Poll) Closed(now time.Time) bool {
	return p != nil && p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// Counters are aggregates maintained by the server. The cache stores them
// as received and never recomputes them from reaction rows.
type Counters struct {
	Likes    int64 `json:"like_count"`
	Dislikes int64 `json:"dislike_count"`
	Laughs   int64 `json:"laugh_count"`
	Reposts  int64 `json:"repost_count"`
	Replies  int64 `json:"reply_count"`
}

// Add adjusts the counter that corresponds to a reaction kind by delta,
// clamping at zero. Unknown kinds are ignored.
func (c *Counters) Add(kind ReactionKind, delta int64) {
	var f *int64
	switch kind {
	case ReactionLike:
		f = &c.Likes
	case ReactionDislike:
		f = &c.Dislikes
	case ReactionLaugh:
		f = &c.Laughs
	default:
		return
	}
	*f += delta
	if *f < 0 {
		*f = 0
	}
}

// Post is a normalized post row.
type Post struct {
	ID             string      `json:"id"`
	OwnerID        string      `json:"owner_id"`
	Content        string      `json:"content"`
	Type           PostType    `json:"type"`
	QuotedPostID   string      `json:"quoted_post_id,omitempty"`
	RepostedPostID string      `json:"reposted_post_id,omitempty"`
	ParentPostID   string      `json:"parent_post_id,omitempty"`
	Media          []MediaItem `json:"media,omitempty"`
	Poll           *Poll       `json:"poll,omitempty"`
	Counters
	Deleted    bool       `json:"deleted"`
	SyncStatus SyncStatus `json:"sync_status,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// Validate checks the fields the store relies on.
func (p *Post) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("invalid post type %q", p.Type)
	}
	if p.Type == PostQuote && p.QuotedPostID == "" {
		return fmt.Errorf("quote post requires quoted_post_id")
	}
	if p.Type == PostRepost && p.RepostedPostID == "" {
		return fmt.Errorf("repost requires reposted_post_id")
	}
	if p.Type == PostPoll && (p.Poll == nil || len(p.Poll.Choices) < 2) {
		return fmt.Errorf("poll post requires at least two choices")
	}
	if p.SyncStatus != "" && !p.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync_status %q", p.SyncStatus)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// IsEdited reports whether the post was modified after creation.
func (p *Post) IsEdited() bool {
	return p.UpdatedAt != nil && p.UpdatedAt.After(p.CreatedAt)
}

// LastModified returns updated_at, falling back to created_at.
func (p *Post) LastModified() time.Time {
	if p.UpdatedAt != nil {
		return *p.UpdatedAt
	}
	return p.CreatedAt
}

// ReactionKind is the kind of reaction a user left on a post.
type ReactionKind string

const (
	// ReactionNone is the viewer state when no reaction row exists. It is
	// never stored.
	ReactionNone    ReactionKind = "NONE"
	ReactionLike    ReactionKind = "like"
	ReactionDislike ReactionKind = "dislike"
	ReactionLaugh   ReactionKind = "laugh"
)

// Valid reports whether k can be stored.
func (k ReactionKind) Valid() bool {
	switch k {
	case ReactionLike, ReactionDislike, ReactionLaugh:
		return true
	}
	return false
}

// Reaction is keyed by (PostID, UserID); a user holds at most one reaction
// per post.
type Reaction struct {
	PostID     string       `json:"post_id"`
	UserID     string       `json:"user_id"`
	Kind       ReactionKind `json:"kind"`
	SyncStatus SyncStatus   `json:"sync_status,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Validate checks the reaction.
func (r *Reaction) Validate() error {
	if r.PostID == "" || r.UserID == "" {
		return fmt.Errorf("post_id and user_id are required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid reaction kind %q", r.Kind)
	}
	return nil
}

// PollVote is keyed by (PostID, UserID) and cannot be changed once cast.
type PollVote struct {
	PostID      string     `json:"post_id"`
	UserID      string     `json:"user_id"`
	ChoiceIndex int        `json:"choice_index"`
	SyncStatus  SyncStatus `json:"sync_status,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Validate checks the vote.
func (v *PollVote) Validate() error {
	if v.PostID == "" || v.UserID == "" {
		return fmt.Errorf("post_id and user_id are required")
	}
	if v.ChoiceIndex < 0 {
		return fmt.Errorf("choice_index must be non-negative (got %d)", v.ChoiceIndex)
	}
	return nil
}

// FeedSource records which path last wrote a feed item.
type FeedSource string

const (
	SourceBulk   FeedSource = "bulk"
	SourcePatch  FeedSource = "patch"
	SourceRemote FeedSource = "remote"
)

// FeedItem places a post in a named feed. Rank is a property of the
// membership, not of the post.
type FeedItem struct {
	FeedType   string     `json:"feed_type"`
	PostID     string     `json:"post_id"`
	RankScore  float64    `json:"rank_score"`
	InsertedAt time.Time  `json:"inserted_at"`
	Source     FeedSource `json:"source,omitempty"`
}

// Validate checks the feed item.
func (f *FeedItem) Validate() error {
	if f.FeedType == "" || f.PostID == "" {
		return fmt.Errorf("feed_type and post_id are required")
	}
	return nil
}

package pipeline

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

// ViewerContext is who is looking and when. An empty ViewerID means no one
// is signed in.
type ViewerContext struct {
	ViewerID string
	Now      time.Time
}

// Post is the denormalized view of a post. It is rebuilt on every read.
type Post struct {
	ID           string
	Type         schema.PostType
	Content      string
	Media        []schema.MediaItem
	ParentPostID string
	Counters     schema.Counters
	Author       Author
	Viewer       Viewer
	Meta         Meta
	Poll         *PollView

	// Quote and Repost are nil when the post does not reference one.
	Quote  *Embed
	Repost *Embed

	CreatedAt time.Time
	UpdatedAt *time.Time
}

// Author is the post owner as shown next to the post.
type Author struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
	Verified    bool
	Suspended   bool

	// Missing is set when the owner is not in the cache yet.
	Missing bool
}

// Viewer is the per-viewer state of a post.
type Viewer struct {
	Reaction    schema.ReactionKind
	IsSelf      bool
	VotedChoice *int
}

// Meta carries derived display flags.
type Meta struct {
	IsEdited    bool
	EditedLabel string
	SyncStatus  schema.SyncStatus
}

// PollView is a poll with its state at ViewerContext.Now.
type PollView struct {
	Choices   []string
	ExpiresAt *time.Time
	Closed    bool
}

// Embed is a quoted or reposted post.
//
// Exactly one of these holds:
//   - Post is set: the target was loaded.
//   - Unavailable is set: the target was looked up and is gone.
//   - neither: the target was not expanded (embeds nest one level).
type Embed struct {
	ID          string
	Unavailable bool
	Post        *Post
}

// Map builds the view of a post for a viewer. It allocates a new Post on
// every call and never modifies in.
func Map(in NormalizedPostInput, vc ViewerContext) Post {
	if vc.Now.IsZero() {
		vc.Now = time.Now()
	}

	p := in.Post
	out := Post{
		ID:           p.ID,
		Type:         p.Type,
		Content:      p.Content,
		Media:        append([]schema.MediaItem(nil), p.Media...),
		ParentPostID: p.ParentPostID,
		Counters:     p.Counters,
		Author:       mapAuthor(in.Author, p.OwnerID),
		Viewer:       mapViewer(in, vc),
		Meta:         mapMeta(&p, vc.Now),
		Poll:         mapPoll(p.Poll, vc.Now),
		CreatedAt:    p.CreatedAt,
	}
	if p.UpdatedAt != nil {
		u := *p.UpdatedAt
		out.UpdatedAt = &u
	}

	out.Quote = mapEmbed(p.QuotedPostID, in.Quoted, in.Expanded, vc)
	out.Repost = mapEmbed(p.RepostedPostID, in.Reposted, in.Expanded, vc)
	return out
}

// Compose adapts and maps rows in order.
func Compose(rows []schema.RawPostRow, vc ViewerContext) []Post {
	out := make([]Post, 0, len(rows))
	for _, row := range rows {
		out = append(out, Map(Adapt(row), vc))
	}
	return out
}

func mapAuthor(u *schema.User, ownerID string) Author {
	if u == nil {
		return Author{ID: ownerID, Missing: true}
	}
	return Author{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Verified:    u.Verified,
		Suspended:   u.Suspended,
	}
}

func mapViewer(in NormalizedPostInput, vc ViewerContext) Viewer {
	v := Viewer{Reaction: schema.ReactionNone}
	if vc.ViewerID == "" {
		return v
	}
	if in.ViewerReaction.Valid() {
		v.Reaction = in.ViewerReaction
	}
	v.IsSelf = in.Post.OwnerID == vc.ViewerID
	if in.ViewerVote != nil {
		c := *in.ViewerVote
		v.VotedChoice = &c
	}
	return v
}

func mapMeta(p *schema.Post, now time.Time) Meta {
	m := Meta{
		IsEdited:   p.IsEdited(),
		SyncStatus: p.SyncStatus,
	}
	if m.SyncStatus == "" {
		m.SyncStatus = schema.StatusSynced
	}
	if m.IsEdited {
		m.EditedLabel = "edited " + humanize.RelTime(*p.UpdatedAt, now, "ago", "from now")
	}
	return m
}

func mapPoll(poll *schema.Poll, now time.Time) *PollView {
	if poll == nil {
		return nil
	}
	v := &PollView{
		Choices: append([]string(nil), poll.Choices...),
		Closed:  poll.Closed(now),
	}
	if poll.ExpiresAt != nil {
		e := *poll.ExpiresAt
		v.ExpiresAt = &e
	}
	return v
}

func mapEmbed(id string, target *NormalizedPostInput, expanded bool, vc ViewerContext) *Embed {
	if id == "" {
		return nil
	}
	if target != nil {
		nested := Map(*target, vc)
		return &Embed{ID: id, Post: &nested}
	}
	return &Embed{ID: id, Unavailable: expanded}
}

package pipeline

import (
	"database/sql"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

var (
	created = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now     = created.Add(3 * time.Hour)
)

func str(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }

func postCols(id, owner string) schema.PostColumns {
	return schema.PostColumns{
		ID:         str(id),
		OwnerID:    str(owner),
		Content:    str("hello from " + id),
		Type:       str(string(schema.PostOriginal)),
		Likes:      sql.NullInt64{Int64: 2, Valid: true},
		Deleted:    sql.NullBool{Valid: true},
		SyncStatus: str("synced"),
		CreatedAt:  str(schema.FormatTime(created)),
	}
}

func authorCols(id string) schema.AuthorColumns {
	return schema.AuthorColumns{
		ID:          str(id),
		Username:    str("user_" + id),
		DisplayName: str("User " + id),
		Verified:    sql.NullBool{Bool: true, Valid: true},
		Active:      sql.NullBool{Bool: true, Valid: true},
	}
}

func TestAdaptMap_NoNestedData(t *testing.T) {
	row := schema.RawPostRow{Post: postCols("p1", "u1"), Author: authorCols("u1")}

	post := Map(Adapt(row), ViewerContext{ViewerID: "u2", Now: now})

	if post.ID != "p1" {
		t.Errorf("ID = %q, want p1", post.ID)
	}
	if post.Quote != nil || post.Repost != nil || post.Poll != nil {
		t.Errorf("unexpected nested data: quote %v, repost %v, poll %v", post.Quote, post.Repost, post.Poll)
	}
	if post.Viewer.Reaction != schema.ReactionNone || post.Viewer.IsSelf {
		t.Errorf("Viewer = %+v, want no reaction and not self", post.Viewer)
	}
	if post.Author.Username != "user_u1" || post.Author.Missing {
		t.Errorf("Author = %+v, want user_u1", post.Author)
	}
	if post.Counters.Likes != 2 {
		t.Errorf("Likes = %d, want 2", post.Counters.Likes)
	}
}

func TestAdaptMap_AllColumnsNull(t *testing.T) {
	post := Map(Adapt(schema.RawPostRow{}), ViewerContext{})
	if post.ID != "" {
		t.Errorf("ID = %q, want empty", post.ID)
	}
	if !post.Author.Missing {
		t.Error("author should be missing")
	}
	if post.Quote != nil {
		t.Errorf("Quote = %+v, want nil", post.Quote)
	}
	if post.Meta.SyncStatus != schema.StatusSynced {
		t.Errorf("SyncStatus = %q, want synced", post.Meta.SyncStatus)
	}
}

func TestAdaptMap_QuoteUnavailable(t *testing.T) {
	cols := postCols("p1", "u1")
	cols.Type = str(string(schema.PostQuote))
	cols.QuotedPostID = str("gone")

	post := Map(Adapt(schema.RawPostRow{Post: cols}), ViewerContext{Now: now})

	if post.Quote == nil {
		t.Fatal("Quote is nil")
	}
	if post.Quote.ID != "gone" || !post.Quote.Unavailable || post.Quote.Post != nil {
		t.Errorf("Quote = %+v, want unavailable reference to gone", post.Quote)
	}
}

func TestAdaptMap_NestedViewerStateIsIndependent(t *testing.T) {
	outer := postCols("p1", "viewer")
	outer.Type = str(string(schema.PostQuote))
	outer.QuotedPostID = str("p0")

	inner := postCols("p0", "u9")
	inner.Type = str(string(schema.PostQuote))
	inner.QuotedPostID = str("older")

	row := schema.RawPostRow{
		Post:                 outer,
		Author:               authorCols("viewer"),
		ViewerReaction:       str("like"),
		Quoted:               inner,
		QuotedAuthor:         authorCols("u9"),
		QuotedViewerReaction: str("laugh"),
	}

	post := Map(Adapt(row), ViewerContext{ViewerID: "viewer", Now: now})

	if post.Viewer.Reaction != schema.ReactionLike || !post.Viewer.IsSelf {
		t.Errorf("outer Viewer = %+v, want like and self", post.Viewer)
	}

	if post.Quote == nil || post.Quote.Post == nil {
		t.Fatalf("Quote = %+v, want expanded quote", post.Quote)
	}
	q := post.Quote.Post
	if q.Viewer.Reaction != schema.ReactionLaugh || q.Viewer.IsSelf {
		t.Errorf("quoted Viewer = %+v, want laugh and not self", q.Viewer)
	}
	if q.Author.Username != "user_u9" {
		t.Errorf("quoted author = %q, want user_u9", q.Author.Username)
	}

	// The quote's own quote is not expanded, which is not the same as gone.
	if q.Quote == nil {
		t.Fatal("nested quote reference is nil")
	}
	if q.Quote.ID != "older" || q.Quote.Unavailable || q.Quote.Post != nil {
		t.Errorf("nested quote = %+v, want unexpanded reference to older", q.Quote)
	}
}

func TestAdaptMap_Repost(t *testing.T) {
	cols := postCols("p1", "u1")
	cols.Type = str(string(schema.PostRepost))
	cols.RepostedPostID = str("p0")

	row := schema.RawPostRow{
		Post:                   cols,
		Reposted:               postCols("p0", "u2"),
		RepostedViewerReaction: str("dislike"),
	}
	post := Map(Adapt(row), ViewerContext{ViewerID: "me", Now: now})

	if post.Repost == nil || post.Repost.Post == nil {
		t.Fatalf("Repost = %+v, want expanded repost", post.Repost)
	}
	if got := post.Repost.Post.Viewer.Reaction; got != schema.ReactionDislike {
		t.Errorf("reposted reaction = %q, want dislike", got)
	}
	if !post.Repost.Post.Author.Missing {
		t.Error("reposted author should be missing")
	}
	if post.Quote != nil {
		t.Errorf("Quote = %+v, want nil", post.Quote)
	}
}

func TestMap_Edited(t *testing.T) {
	tests := []struct {
		name      string
		updatedAt sql.NullString
		wantEdit  bool
		wantLabel string
	}{
		{"never updated", sql.NullString{}, false, ""},
		{"updated at creation", str(schema.FormatTime(created)), false, ""},
		{"updated later", str(schema.FormatTime(created.Add(time.Hour))), true, "edited 2 hours ago"},
		{"garbage timestamp", str("yesterday"), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cols := postCols("p1", "u1")
			cols.UpdatedAt = tt.updatedAt
			post := Map(Adapt(schema.RawPostRow{Post: cols}), ViewerContext{Now: now})
			if post.Meta.IsEdited != tt.wantEdit || post.Meta.EditedLabel != tt.wantLabel {
				t.Errorf("edited = %v %q, want %v %q", post.Meta.IsEdited, post.Meta.EditedLabel, tt.wantEdit, tt.wantLabel)
			}
		})
	}
}

func TestMap_NoViewer(t *testing.T) {
	row := schema.RawPostRow{
		Post:           postCols("p1", "u1"),
		ViewerReaction: str("like"),
		ViewerVote:     sql.NullInt64{Int64: 1, Valid: true},
	}
	post := Map(Adapt(row), ViewerContext{Now: now})

	if post.Viewer.Reaction != schema.ReactionNone || post.Viewer.IsSelf || post.Viewer.VotedChoice != nil {
		t.Errorf("Viewer = %+v, want empty state without a viewer", post.Viewer)
	}
}

func TestMap_UnknownReactionReadsAsNone(t *testing.T) {
	row := schema.RawPostRow{Post: postCols("p1", "u1"), ViewerReaction: str("sparkle")}
	post := Map(Adapt(row), ViewerContext{ViewerID: "u2", Now: now})
	if post.Viewer.Reaction != schema.ReactionNone {
		t.Errorf("Reaction = %q, want none", post.Viewer.Reaction)
	}
}

func TestMap_Poll(t *testing.T) {
	cols := postCols("p1", "u1")
	cols.Type = str(string(schema.PostPoll))
	cols.Poll = str(`{"choices":["tea","coffee"],"expires_at":"` + created.Add(time.Hour).Format(time.RFC3339) + `"}`)

	row := schema.RawPostRow{Post: cols, ViewerVote: sql.NullInt64{Int64: 1, Valid: true}}
	post := Map(Adapt(row), ViewerContext{ViewerID: "u2", Now: now})

	if post.Poll == nil {
		t.Fatal("Poll is nil")
	}
	if !slices.Equal(post.Poll.Choices, []string{"tea", "coffee"}) {
		t.Errorf("Choices = %v", post.Poll.Choices)
	}
	if !post.Poll.Closed {
		t.Error("poll past its expiry should be closed")
	}
	if post.Viewer.VotedChoice == nil || *post.Viewer.VotedChoice != 1 {
		t.Errorf("VotedChoice = %v, want 1", post.Viewer.VotedChoice)
	}

	early := Map(Adapt(row), ViewerContext{ViewerID: "u2", Now: created})
	if early.Poll.Closed {
		t.Error("poll before its expiry should be open")
	}
}

func TestAdapt_MalformedPayloadsAreAbsent(t *testing.T) {
	cols := postCols("p1", "u1")
	cols.Media = str("[not json")
	cols.Poll = str("{")

	in := Adapt(schema.RawPostRow{Post: cols})
	if in.Post.Media != nil || in.Post.Poll != nil {
		t.Errorf("Media, Poll = %v, %v, want both absent", in.Post.Media, in.Post.Poll)
	}
}

func TestMap_Idempotent(t *testing.T) {
	cols := postCols("p1", "u1")
	cols.Media = str(`[{"url":"https://cdn.example.com/a.png","kind":"image"}]`)
	cols.UpdatedAt = str(schema.FormatTime(created.Add(time.Minute)))
	row := schema.RawPostRow{Post: cols, Author: authorCols("u1"), ViewerReaction: str("like")}

	in := Adapt(row)
	snapshot := Adapt(row)
	vc := ViewerContext{ViewerID: "u1", Now: now}

	first := Map(in, vc)
	first.Media[0].URL = "mutated"
	first.UpdatedAt = nil

	second := Map(in, vc)
	if !reflect.DeepEqual(in, snapshot) {
		t.Error("Map must not modify its input")
	}
	if second.Media[0].URL != "https://cdn.example.com/a.png" {
		t.Errorf("second Map shares media with the first: %q", second.Media[0].URL)
	}
	if !reflect.DeepEqual(Map(snapshot, vc), second) {
		t.Error("Map of equal inputs differs")
	}
}

func TestCompose_KeepsOrder(t *testing.T) {
	rows := []schema.RawPostRow{
		{Post: postCols("b", "u1")},
		{Post: postCols("a", "u1")},
		{Post: postCols("c", "u1")},
	}
	posts := Compose(rows, ViewerContext{Now: now})
	if len(posts) != 3 {
		t.Fatalf("Compose() returned %d posts, want 3", len(posts))
	}
	if got := []string{posts[0].ID, posts[1].ID, posts[2].ID}; !slices.Equal(got, []string{"b", "a", "c"}) {
		t.Errorf("order = %v, want [b a c]", got)
	}
}

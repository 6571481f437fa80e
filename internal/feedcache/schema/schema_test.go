package schema

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func validPost() *Post {
	return &Post{
		ID:        "p1",
		OwnerID:   "u1",
		Content:   "hello",
		Type:      PostOriginal,
		CreatedAt: t0,
	}
}

func TestPostValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Post)
		wantErr string
	}{
		{"valid", func(p *Post) {}, ""},
		{"missing id", func(p *Post) { p.ID = "" }, "id is required"},
		{"missing owner", func(p *Post) { p.OwnerID = "" }, "owner_id is required"},
		{"bad type", func(p *Post) { p.Type = "story" }, "invalid post type"},
		{"quote without target", func(p *Post) { p.Type = PostQuote }, "quoted_post_id"},
		{"repost without target", func(p *Post) { p.Type = PostRepost }, "reposted_post_id"},
		{"poll without choices", func(p *Post) { p.Type = PostPoll }, "two choices"},
		{"bad status", func(p *Post) { p.SyncStatus = "dirty" }, "invalid sync_status"},
		{"zero created_at", func(p *Post) { p.CreatedAt = time.Time{} }, "created_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPost()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPostIsEdited(t *testing.T) {
	p := validPost()
	if p.IsEdited() {
		t.Error("post without updated_at reported edited")
	}
	p.UpdatedAt = ptr(t0)
	if p.IsEdited() {
		t.Error("updated_at == created_at reported edited")
	}
	p.UpdatedAt = ptr(t0.Add(time.Minute))
	if !p.IsEdited() {
		t.Error("updated_at > created_at not reported edited")
	}
}

func TestCountersAddClamps(t *testing.T) {
	c := Counters{Likes: 1}
	c.Add(ReactionLike, -3)
	if c.Likes != 0 {
		t.Errorf("Likes = %d, want 0", c.Likes)
	}
	c.Add(ReactionLaugh, 2)
	if c.Laughs != 2 {
		t.Errorf("Laughs = %d, want 2", c.Laughs)
	}
	c.Add(ReactionNone, 5)
	if c != (Counters{Laughs: 2}) {
		t.Errorf("unknown kind changed counters: %+v", c)
	}
}

func TestPollClosed(t *testing.T) {
	var nilPoll *Poll
	if nilPoll.Closed(t0) {
		t.Error("nil poll reported closed")
	}
	open := &Poll{Choices: []string{"a", "b"}}
	if open.Closed(t0) {
		t.Error("poll without expiry reported closed")
	}
	exp := &Poll{Choices: []string{"a", "b"}, ExpiresAt: ptr(t0)}
	if !exp.Closed(t0) {
		t.Error("poll at expiry should be closed")
	}
	if exp.Closed(t0.Add(-time.Second)) {
		t.Error("poll before expiry reported closed")
	}
}

func TestPostJSONFlattensCounters(t *testing.T) {
	p := validPost()
	p.Likes = 3
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"like_count":3`) {
		t.Errorf("counters not flattened: %s", data)
	}
}

func TestPostDraftValidation(t *testing.T) {
	tests := []struct {
		name    string
		draft   PostDraft
		wantErr bool
	}{
		{"text post", PostDraft{Content: "hi", Type: PostOriginal}, false},
		{"media only", PostDraft{Type: PostOriginal, Media: []MediaItem{{URL: "https://cdn.example.com/a.png", Kind: "image"}}}, false},
		{"empty", PostDraft{Type: PostOriginal}, true},
		{"quote without target", PostDraft{Content: "look", Type: PostQuote}, true},
		{"quote", PostDraft{Content: "look", Type: PostQuote, QuotedPostID: "p0"}, false},
		{"poll without payload", PostDraft{Content: "?", Type: PostPoll}, true},
		{"poll with one choice", PostDraft{Content: "?", Type: PostPoll, Poll: &Poll{Choices: []string{"a"}}}, true},
		{"poll", PostDraft{Content: "?", Type: PostPoll, Poll: &Poll{Choices: []string{"a", "b"}}}, false},
		{"bad media kind", PostDraft{Type: PostOriginal, Media: []MediaItem{{URL: "https://x.io/a", Kind: "pdf"}}}, true},
		{"too many media", PostDraft{Type: PostOriginal, Media: make5Media()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.draft)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStruct() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func make5Media() []MediaItem {
	out := make([]MediaItem, 5)
	for i := range out {
		out[i] = MediaItem{URL: "https://cdn.example.com/x.png", Kind: "image"}
	}
	return out
}

func TestPostPatch(t *testing.T) {
	p := validPost()
	patch := PostPatch{Content: ptr("edited")}
	if err := ValidateStruct(&patch); err != nil {
		t.Fatalf("valid patch rejected: %v", err)
	}
	if !patch.ApplyTo(p) {
		t.Error("ApplyTo reported no change")
	}
	if p.Content != "edited" {
		t.Errorf("Content = %q", p.Content)
	}
	if patch.ApplyTo(p) {
		t.Error("second ApplyTo should be a no-op")
	}

	empty := PostPatch{Content: ptr("")}
	if err := ValidateStruct(&empty); err == nil {
		t.Error("empty content should be rejected")
	}

	clear := PostPatch{Media: []MediaItem{}}
	p.Media = []MediaItem{{URL: "https://a.b/c", Kind: "image"}}
	clear.ApplyTo(p)
	if len(p.Media) != 0 {
		t.Errorf("Media = %v, want cleared", p.Media)
	}
}

func TestPostChangeFieldsCommute(t *testing.T) {
	base := validPost()
	likes := PostChange{ID: "p1", Likes: ptr(int64(4))}
	content := PostChange{ID: "p1", Content: ptr("new text"), UpdatedAt: ptr(t0.Add(time.Minute))}

	a := *base
	likes.ApplyTo(&a)
	content.ApplyTo(&a)

	b := *base
	content.ApplyTo(&b)
	likes.ApplyTo(&b)

	if a.Content != b.Content || a.Likes != b.Likes || !a.UpdatedAt.Equal(*b.UpdatedAt) {
		t.Errorf("merge order changed result: %+v vs %+v", a, b)
	}
	if a.Likes != 4 || a.Content != "new text" {
		t.Errorf("merged = %+v", a)
	}
}

func TestPostChangeLastWriterWins(t *testing.T) {
	p := validPost()
	p.UpdatedAt = ptr(t0.Add(time.Hour))

	stale := PostChange{ID: "p1", Content: ptr("stale"), UpdatedAt: ptr(t0.Add(time.Minute)), Likes: ptr(int64(9))}
	cs := stale.ApplyTo(p)
	if cs.Content {
		t.Error("stale content applied")
	}
	if !cs.Likes || p.Likes != 9 {
		t.Error("counters must apply regardless of content age")
	}
	if p.Content != "hello" {
		t.Errorf("Content = %q, want unchanged", p.Content)
	}
}

func TestUserPatch(t *testing.T) {
	var u User
	patch := UserPatch{ID: "u1", Username: ptr("ada"), Verified: ptr(true)}
	if err := ValidateStruct(&patch); err != nil {
		t.Fatal(err)
	}
	if !patch.ApplyTo(&u) {
		t.Fatal("ApplyTo reported no change")
	}
	if u.ID != "u1" || u.Username != "ada" || !u.Verified || !u.Active {
		t.Errorf("user = %+v", u)
	}

	bad := UserPatch{}
	if err := ValidateStruct(&bad); err == nil {
		t.Error("patch without id accepted")
	}
}

func TestConversationValidate(t *testing.T) {
	dm := Conversation{ID: "c1", Type: ConversationDM, Participants: []string{"a", "b"}}
	if err := dm.Validate(); err != nil {
		t.Errorf("dm: %v", err)
	}
	dm.Admins = []string{"a"}
	if err := dm.Validate(); err == nil {
		t.Error("admins on DM accepted")
	}
	ch := Conversation{ID: "c2", Type: ConversationChannel}
	if err := ch.Validate(); err == nil {
		t.Error("channel without owner accepted")
	}
}

func TestMutationKindEntity(t *testing.T) {
	for kind, want := range map[MutationKind]string{
		MutCreatePost:  "posts",
		MutReact:       "reactions",
		MutVote:        "poll_votes",
		MutSendMessage: "messages",
		"bogus":        "",
	} {
		if got := kind.Entity(); got != want {
			t.Errorf("%s.Entity() = %q, want %q", kind, got, want)
		}
	}
}

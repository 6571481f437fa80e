package pgbackend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/quillsocial/feedsync/internal/feedcache/realtime"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncer"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

func TestScopeTables(t *testing.T) {
	tests := []struct {
		scope syncer.Scope
		want  []string
		ok    bool
	}{
		{syncer.ScopeFeed, []string{"posts", "reactions", "poll_votes", "feed_items"}, true},
		{syncer.ScopeProfiles, []string{"users"}, true},
		{syncer.ScopeConversations, []string{"conversations", "messages"}, true},
		{syncer.Scope("dms"), nil, false},
	}
	for _, tt := range tests {
		got, ok := ScopeTables(tt.scope)
		if ok != tt.ok || !slices.Equal(got, tt.want) {
			t.Errorf("ScopeTables(%s) = %v, %v, want %v, %v", tt.scope, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseCursor(t *testing.T) {
	if n, err := ParseCursor(""); err != nil || n != 0 {
		t.Errorf("ParseCursor(\"\") = %d, %v, want 0", n, err)
	}
	if n, err := ParseCursor("42"); err != nil || n != 42 {
		t.Errorf("ParseCursor(42) = %d, %v, want 42", n, err)
	}
	for _, bad := range []string{"-1", "abc"} {
		if _, err := ParseCursor(bad); err == nil {
			t.Errorf("ParseCursor(%q) succeeded, want error", bad)
		}
	}
}

func TestAppendDoc(t *testing.T) {
	var snap syncer.Snapshot
	if err := appendDoc(&snap, realtime.TablePosts, []byte(`{"id":"p1","owner_id":"u1","type":"original","like_count":3}`)); err != nil {
		t.Fatalf("appendDoc(post) failed: %v", err)
	}
	if err := appendDoc(&snap, realtime.TableUsers, []byte(`{"id":"u1","username":"ada"}`)); err != nil {
		t.Fatalf("appendDoc(user) failed: %v", err)
	}

	if len(snap.Posts) != 1 || snap.Posts[0].Likes != 3 {
		t.Errorf("posts = %+v, want one post with 3 likes", snap.Posts)
	}
	if len(snap.Users) != 1 {
		t.Errorf("users = %+v, want one user", snap.Users)
	}

	if err := appendDoc(&snap, "typing", []byte(`{}`)); err == nil {
		t.Error("appendDoc(typing) succeeded, want unknown table error")
	}
	if err := appendDoc(&snap, realtime.TablePosts, []byte(`{`)); err == nil {
		t.Error("appendDoc(bad json) succeeded, want decode error")
	}
}

// openTestBackend connects to FEEDSYNC_TEST_POSTGRES_DSN and resets the
// schema. Tests that need it are skipped when the variable is unset.
func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	dsn := os.Getenv("FEEDSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FEEDSYNC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	b, err := Connect(ctx, dsn, &Config{
		Now:    func() time.Time { return time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC) },
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	t.Cleanup(b.Close)

	if _, err := b.pool.Exec(ctx, `TRUNCATE feedsync_rows, feedsync_changes`); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	return b
}

func mutation(t *testing.T, id string, kind schema.MutationKind, entity string, payload any) *schema.Mutation {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &schema.Mutation{ID: id, Kind: kind, EntityID: entity, Payload: data}
}

func TestPostgres_PullPush(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	epoch := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	err := b.Seed(ctx, &syncer.Snapshot{
		Users: []*schema.User{{ID: "u1", Username: "ada", Active: true, UpdatedAt: epoch}},
		Posts: []*schema.Post{{
			ID: "p1", OwnerID: "u1", Type: schema.PostPoll, CreatedAt: epoch,
			Poll: &schema.Poll{Choices: []string{"a", "b"}},
		}},
	})
	if err != nil {
		t.Fatalf("Seed() failed: %v", err)
	}

	snap, err := b.Pull(ctx, syncer.ScopeFeed, "")
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(snap.Posts) != 1 || len(snap.Users) != 1 {
		t.Fatalf("first pull: got %d posts, %d users", len(snap.Posts), len(snap.Users))
	}

	m := mutation(t, "m1", schema.MutVote, "p1|u1", &schema.PollVote{PostID: "p1", UserID: "u1", ChoiceIndex: 0, CreatedAt: epoch})
	if _, err := b.Push(ctx, m); err != nil {
		t.Fatalf("Push(vote) failed: %v", err)
	}
	if _, err := b.Push(ctx, m); !errors.Is(err, syncerr.ErrConflict) {
		t.Errorf("second vote = %v, want ErrConflict", err)
	}

	delta, err := b.Pull(ctx, syncer.ScopeFeed, snap.Cursor)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(delta.PollVotes) != 1 {
		t.Errorf("delta votes = %d, want 1", len(delta.PollVotes))
	}
	if len(delta.Posts) != 0 {
		t.Errorf("delta posts = %d, want 0", len(delta.Posts))
	}

	evs, err := b.ChangesSince(ctx, realtime.TablePollVotes, 0, 10)
	if err != nil {
		t.Fatalf("ChangesSince() failed: %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != realtime.Insert {
		t.Errorf("vote changes = %+v, want one insert", evs)
	}
}

func TestPostgres_PullTombstones(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	epoch := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	err := b.Seed(ctx, &syncer.Snapshot{
		Users: []*schema.User{{ID: "u1", Username: "ada", Active: true, UpdatedAt: epoch}},
		Posts: []*schema.Post{{ID: "p1", OwnerID: "u1", Type: schema.PostOriginal, Content: "hi", CreatedAt: epoch}},
	})
	if err != nil {
		t.Fatalf("Seed() failed: %v", err)
	}

	like := &schema.ReactionPayload{PostID: "p1", UserID: "u1", Kind: schema.ReactionLike}
	if _, err := b.Push(ctx, mutation(t, "m1", schema.MutReact, "p1|u1", like)); err != nil {
		t.Fatalf("Push(react) failed: %v", err)
	}
	snap, err := b.Pull(ctx, syncer.ScopeFeed, "")
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(snap.Reactions) != 1 || len(snap.Deleted) != 0 {
		t.Fatalf("first pull: reactions %d, deleted %v", len(snap.Reactions), snap.Deleted)
	}

	unlike := &schema.ReactionPayload{PostID: "p1", UserID: "u1"}
	if _, err := b.Push(ctx, mutation(t, "m2", schema.MutUnreact, "p1|u1", unlike)); err != nil {
		t.Fatalf("Push(unreact) failed: %v", err)
	}
	delta, err := b.Pull(ctx, syncer.ScopeFeed, snap.Cursor)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if got := delta.Deleted[realtime.TableReactions]; len(got) != 1 || got[0] != "p1|u1" {
		t.Errorf("tombstones = %v, want [p1|u1]", delta.Deleted)
	}
	if len(delta.Reactions) != 0 {
		t.Errorf("delta reactions = %d, want 0", len(delta.Reactions))
	}

	// A row written again after its delete is not a tombstone.
	if _, err := b.Push(ctx, mutation(t, "m3", schema.MutReact, "p1|u1", like)); err != nil {
		t.Fatalf("Push(react) failed: %v", err)
	}
	again, err := b.Pull(ctx, syncer.ScopeFeed, snap.Cursor)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(again.Deleted) != 0 || len(again.Reactions) != 1 {
		t.Errorf("after re-like: deleted %v, reactions %d", again.Deleted, len(again.Reactions))
	}
}

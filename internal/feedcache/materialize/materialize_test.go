package materialize

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/quillsocial/feedsync/internal/feedcache/db"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return store
}

func testConfig(feeds ...Feed) *Config {
	c := DefaultConfig()
	c.Logger = log.New(io.Discard, "", 0)
	if len(feeds) > 0 {
		c.Feeds = feeds
	}
	return c
}

func putPosts(t *testing.T, store *db.DB, posts ...*schema.Post) {
	t.Helper()
	err := store.Update(context.Background(), func(tx *db.Tx) error {
		for _, p := range posts {
			if err := tx.UpsertPost(p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to store posts: %v", err)
	}
}

func post(id string, created time.Time) *schema.Post {
	return &schema.Post{ID: id, OwnerID: "u1", Content: id, Type: schema.PostOriginal, CreatedAt: created}
}

func feedItem(t *testing.T, store *db.DB, feed, postID string) *schema.FeedItem {
	t.Helper()
	var item *schema.FeedItem
	err := store.View(context.Background(), func(tx *db.Tx) error {
		var err error
		item, err = tx.GetFeedItem(feed, postID)
		return err
	})
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("GetFeedItem(%s, %s): %v", feed, postID, err)
	}
	return item
}

// TestList_TieBreakByRecency checks equal ranks list newest first
func TestList_TieBreakByRecency(t *testing.T) {
	store := setupTestStore(t)
	flat := Feed{Name: "home", Scorer: ScorerFunc(func(*schema.Post) float64 { return 0.9 })}
	m, err := NewWithConfig(store, testConfig(flat))
	if err != nil {
		t.Fatal(err)
	}

	putPosts(t, store, post("P1", t0), post("P2", t0.Add(time.Minute)))
	if _, err := m.Rebuild(context.Background(), "home"); err != nil {
		t.Fatalf("Rebuild() failed: %v", err)
	}

	page, err := m.List(context.Background(), "home", 10, "")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(page.PostIDs) != 2 || page.PostIDs[0] != "P2" || page.PostIDs[1] != "P1" {
		t.Errorf("order = %v, want [P2 P1]", page.PostIDs)
	}
	if page.NextCursor != "" {
		t.Errorf("NextCursor = %q on last page", page.NextCursor)
	}
}

func TestList_Pagination(t *testing.T) {
	store := setupTestStore(t)
	flat := Feed{Name: "home", Scorer: ScorerFunc(func(*schema.Post) float64 { return 1 })}
	m, _ := NewWithConfig(store, testConfig(flat))

	// Same rank and creation time: ids break the tie ascending.
	putPosts(t, store, post("c", t0), post("a", t0), post("b", t0), post("d", t0.Add(time.Second)))
	m.Rebuild(context.Background(), "home")

	var got []string
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		page, err := m.List(context.Background(), "home", 3, cursor)
		if err != nil {
			t.Fatalf("List() failed: %v", err)
		}
		got = append(got, page.PostIDs...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	want := []string{"d", "a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestList_Errors(t *testing.T) {
	m, _ := NewWithConfig(setupTestStore(t), testConfig())

	if _, err := m.List(context.Background(), "nope", 10, ""); !errors.Is(err, syncerr.ErrValidation) {
		t.Errorf("unknown feed err = %v", err)
	}
	if _, err := m.List(context.Background(), "home", 10, "%%%"); !errors.Is(err, syncerr.ErrValidation) {
		t.Errorf("bad cursor err = %v", err)
	}
}

// TestRebuild_Idempotent checks a second pass over unchanged posts writes nothing
func TestRebuild_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	m, _ := NewWithConfig(store, testConfig())

	withMedia := post("p2", t0.Add(time.Hour))
	withMedia.Media = []schema.MediaItem{{URL: "https://cdn.example.com/x.png", Kind: "image"}}
	reply := post("p3", t0)
	reply.Type = schema.PostReply
	reply.ParentPostID = "p1"
	putPosts(t, store, post("p1", t0), withMedia, reply)

	ctx := context.Background()
	first, err := m.RebuildAll(ctx)
	if err != nil {
		t.Fatalf("RebuildAll() failed: %v", err)
	}
	before := feedItem(t, store, "home", "p1")

	second, err := m.RebuildAll(ctx)
	if err != nil {
		t.Fatalf("second RebuildAll() failed: %v", err)
	}
	for _, s := range second {
		if s.Written != 0 || s.Removed != 0 {
			t.Errorf("%s: second pass wrote %d, removed %d", s.Feed, s.Written, s.Removed)
		}
	}
	after := feedItem(t, store, "home", "p1")
	if *before != *after {
		t.Errorf("feed row changed: %+v -> %+v", before, after)
	}

	if first[0].Written != 2 {
		t.Errorf("home wrote %d rows, want 2 (replies excluded)", first[0].Written)
	}
	if feedItem(t, store, "media", "p2") == nil || feedItem(t, store, "media", "p1") != nil {
		t.Error("media feed membership wrong")
	}
	if feedItem(t, store, "latest", "p3") == nil {
		t.Error("latest feed should include replies")
	}
}

func TestRebuild_RemovesDeletedPosts(t *testing.T) {
	store := setupTestStore(t)
	m, _ := NewWithConfig(store, testConfig())
	putPosts(t, store, post("p1", t0), post("p2", t0))
	ctx := context.Background()
	m.Rebuild(ctx, "latest")

	store.Update(ctx, func(tx *db.Tx) error { return tx.SoftDeletePost("p1") })
	stats, err := m.Rebuild(ctx, "latest")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Removed != 1 {
		t.Errorf("Removed = %d, want 1", stats.Removed)
	}
	if feedItem(t, store, "latest", "p1") != nil {
		t.Error("deleted post still in feed")
	}
}

// TestRebuild_CancelRollsBack checks that a cancelled pass writes nothing
func TestRebuild_CancelRollsBack(t *testing.T) {
	store := setupTestStore(t)
	cfg := testConfig()
	cfg.CheckEvery = 1
	m, _ := NewWithConfig(store, cfg)
	putPosts(t, store, post("p1", t0), post("p2", t0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Rebuild(ctx, "latest"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Rebuild() = %v, want context.Canceled", err)
	}
	counts, _ := store.Counts(context.Background())
	if counts["feed_items"] != 0 {
		t.Errorf("feed_items = %d after cancelled rebuild", counts["feed_items"])
	}
}

// TestPatch_LikeCrossesThreshold checks the incremental path adds and rescores
func TestPatch_LikeCrossesThreshold(t *testing.T) {
	store := setupTestStore(t)
	cfg := testConfig()
	cfg.Feeds = DefaultFeeds(DefaultWeights(), 4)
	m, _ := NewWithConfig(store, cfg)

	p := post("P1", t0)
	p.Likes = 3
	putPosts(t, store, p)
	ctx := context.Background()
	m.RebuildAll(ctx)

	if feedItem(t, store, "popular", "P1") != nil {
		t.Fatal("P1 should not be popular with 3 likes")
	}
	bulk := feedItem(t, store, "home", "P1")

	p.Likes = 4
	var changed bool
	err := store.Update(ctx, func(tx *db.Tx) error {
		if err := tx.UpsertPost(p); err != nil {
			return err
		}
		var err error
		changed, err = m.Patch(tx, p)
		return err
	})
	if err != nil {
		t.Fatalf("Patch() failed: %v", err)
	}
	if !changed {
		t.Error("Patch() reported no change")
	}

	home := feedItem(t, store, "home", "P1")
	if home.Source != schema.SourcePatch {
		t.Errorf("home source = %s, want patch", home.Source)
	}
	if home.RankScore <= bulk.RankScore {
		t.Errorf("home score %v did not rise from %v", home.RankScore, bulk.RankScore)
	}
	if !home.InsertedAt.Equal(bulk.InsertedAt) {
		t.Error("patch changed inserted_at")
	}
	if feedItem(t, store, "popular", "P1") == nil {
		t.Error("P1 should enter popular at 4 likes")
	}

	// Deleted posts leave every feed.
	p.Deleted = true
	store.Update(ctx, func(tx *db.Tx) error {
		_, err := m.Patch(tx, p)
		return err
	})
	for _, f := range m.Feeds() {
		if feedItem(t, store, f, "P1") != nil {
			t.Errorf("deleted post still in %s", f)
		}
	}
}

func TestEngagement(t *testing.T) {
	score := Engagement(DefaultWeights())
	quiet := post("a", t0)
	loud := post("b", t0)
	loud.Likes = 100
	if score.Score(loud) <= score.Score(quiet) {
		t.Error("engagement should raise the score")
	}

	// A day newer beats ten likes.
	fresh := post("c", t0.Add(24*time.Hour))
	old := post("d", t0)
	old.Likes = 10
	if score.Score(fresh) <= score.Score(old) {
		t.Error("recency should eventually win")
	}

	hated := post("e", t0)
	hated.Dislikes = 100
	if score.Score(hated) >= score.Score(quiet) {
		t.Error("dislikes should lower the score")
	}
}

func TestNewWithConfig_Validation(t *testing.T) {
	store := setupTestStore(t)
	if _, err := NewWithConfig(nil, nil); err == nil {
		t.Error("expected error for nil store")
	}
	dup := testConfig(Feed{Name: "a", Scorer: Chronological}, Feed{Name: "a", Scorer: Chronological})
	if _, err := NewWithConfig(store, dup); err == nil {
		t.Error("expected error for duplicate feed")
	}
	if _, err := NewWithConfig(store, testConfig(Feed{Name: "a"})); err == nil {
		t.Error("expected error for missing scorer")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	k := db.FeedKey{RankScore: 1.5, CreatedAt: schema.FormatTime(t0), PostID: "p1"}
	got, err := DecodeCursor(EncodeCursor(k))
	if err != nil {
		t.Fatal(err)
	}
	if *got != k {
		t.Errorf("got %+v, want %+v", got, k)
	}
}

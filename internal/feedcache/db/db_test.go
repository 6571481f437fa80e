package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// openTestDB opens a fresh database with the schema created.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	store, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

func mustUpdate(t *testing.T, store *DB, fn func(tx *Tx) error) {
	t.Helper()
	if err := store.Update(context.Background(), fn); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
}

func testPost(id string, createdAt time.Time) *schema.Post {
	return &schema.Post{
		ID:        id,
		OwnerID:   "u1",
		Content:   "post " + id,
		Type:      schema.PostOriginal,
		CreatedAt: createdAt,
	}
}

func testUser(id string) *schema.User {
	return &schema.User{ID: id, Username: "user_" + id, DisplayName: "User " + id, Active: true, UpdatedAt: t0}
}

// TestInitSchema_Tables checks that every table exists
func TestInitSchema_Tables(t *testing.T) {
	store := openTestDB(t)

	for _, table := range Tables {
		var count int
		err := store.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := store.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestUpsertPost_RoundTrip(t *testing.T) {
	store := openTestDB(t)
	exp := t0.Add(24 * time.Hour)
	edited := t0.Add(time.Minute)

	p := testPost("p1", t0)
	p.Type = schema.PostPoll
	p.Media = []schema.MediaItem{{URL: "https://cdn.example.com/1.png", Kind: "image"}}
	p.Poll = &schema.Poll{Choices: []string{"yes", "no"}, ExpiresAt: &exp}
	p.Likes = 3
	p.UpdatedAt = &edited

	mustUpdate(t, store, func(tx *Tx) error { return tx.UpsertPost(p) })

	var got *schema.Post
	store.View(context.Background(), func(tx *Tx) error {
		var err error
		got, err = tx.GetPost("p1")
		return err
	})
	if got == nil {
		t.Fatal("GetPost returned nil")
	}
	if got.Likes != 3 || got.Content != p.Content || got.SyncStatus != schema.StatusSynced {
		t.Errorf("got %+v", got)
	}
	if len(got.Media) != 1 || got.Media[0].URL != p.Media[0].URL {
		t.Errorf("media = %+v", got.Media)
	}
	if got.Poll == nil || len(got.Poll.Choices) != 2 || !got.Poll.ExpiresAt.Equal(exp) {
		t.Errorf("poll = %+v", got.Poll)
	}
	if !got.CreatedAt.Equal(t0) || got.UpdatedAt == nil || !got.UpdatedAt.Equal(edited) {
		t.Errorf("timestamps = %v / %v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestGetPost_NotFound(t *testing.T) {
	store := openTestDB(t)
	err := store.View(context.Background(), func(tx *Tx) error {
		_, err := tx.GetPost("missing")
		return err
	})
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertPost_Invalid(t *testing.T) {
	store := openTestDB(t)
	err := store.Update(context.Background(), func(tx *Tx) error {
		return tx.UpsertPost(&schema.Post{ID: "p1"})
	})
	if !errors.Is(err, syncerr.ErrValidation) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

// TestUpsertReaction_Idempotent checks that reacting twice keeps one row
func TestUpsertReaction_Idempotent(t *testing.T) {
	store := openTestDB(t)
	mustUpdate(t, store, func(tx *Tx) error { return tx.UpsertPost(testPost("p1", t0)) })

	for _, kind := range []schema.ReactionKind{schema.ReactionLike, schema.ReactionLike, schema.ReactionLaugh} {
		mustUpdate(t, store, func(tx *Tx) error {
			return tx.UpsertReaction(&schema.Reaction{PostID: "p1", UserID: "u2", Kind: kind, UpdatedAt: t0})
		})
	}

	store.View(context.Background(), func(tx *Tx) error {
		n, err := tx.CountReactions("p1")
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("reaction rows = %d, want 1", n)
		}
		r, err := tx.GetReaction("p1", "u2")
		if err != nil {
			t.Fatal(err)
		}
		if r.Kind != schema.ReactionLaugh {
			t.Errorf("kind = %s, want laugh", r.Kind)
		}
		return nil
	})
}

// TestInsertPollVote_Duplicate checks that a second vote is rejected
func TestInsertPollVote_Duplicate(t *testing.T) {
	store := openTestDB(t)
	vote := &schema.PollVote{PostID: "p1", UserID: "u1", ChoiceIndex: 0, CreatedAt: t0}
	mustUpdate(t, store, func(tx *Tx) error { return tx.InsertPollVote(vote) })

	err := store.Update(context.Background(), func(tx *Tx) error {
		return tx.InsertPollVote(&schema.PollVote{PostID: "p1", UserID: "u1", ChoiceIndex: 1, CreatedAt: t0})
	})
	if !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("second vote err = %v, want ValidationError", err)
	}

	store.View(context.Background(), func(tx *Tx) error {
		v, err := tx.GetPollVote("p1", "u1")
		if err != nil {
			t.Fatal(err)
		}
		if v.ChoiceIndex != 0 {
			t.Errorf("choice = %d, want 0", v.ChoiceIndex)
		}
		return nil
	})
}

// TestUpsertFeedItem_PreservesInsertedAt checks that rescoring keeps inserted_at
func TestUpsertFeedItem_PreservesInsertedAt(t *testing.T) {
	store := openTestDB(t)
	mustUpdate(t, store, func(tx *Tx) error {
		return tx.UpsertFeedItem(&schema.FeedItem{FeedType: "home", PostID: "p1", RankScore: 1, InsertedAt: t0})
	})
	mustUpdate(t, store, func(tx *Tx) error {
		return tx.UpsertFeedItem(&schema.FeedItem{FeedType: "home", PostID: "p1", RankScore: 5, InsertedAt: t0.Add(time.Hour), Source: schema.SourcePatch})
	})

	store.View(context.Background(), func(tx *Tx) error {
		item, err := tx.GetFeedItem("home", "p1")
		if err != nil {
			t.Fatal(err)
		}
		if item.RankScore != 5 || item.Source != schema.SourcePatch {
			t.Errorf("item = %+v", item)
		}
		if !item.InsertedAt.Equal(t0) {
			t.Errorf("inserted_at = %v, want %v", item.InsertedAt, t0)
		}
		return nil
	})
}

// TestListFeedPage_Order checks rank ordering with recency tie-break and paging
func TestListFeedPage_Order(t *testing.T) {
	store := openTestDB(t)
	mustUpdate(t, store, func(tx *Tx) error {
		posts := []*schema.Post{
			testPost("old", t0),
			testPost("new", t0.Add(time.Hour)),
			testPost("top", t0),
			testPost("gone", t0.Add(2*time.Hour)),
		}
		for _, p := range posts {
			if err := tx.UpsertPost(p); err != nil {
				return err
			}
		}
		scores := map[string]float64{"old": 1, "new": 1, "top": 9, "gone": 5}
		for id, s := range scores {
			if err := tx.UpsertFeedItem(&schema.FeedItem{FeedType: "home", PostID: id, RankScore: s, InsertedAt: t0}); err != nil {
				return err
			}
		}
		return tx.SoftDeletePost("gone")
	})

	ctx := context.Background()
	page, err := store.ListFeedPage(ctx, "home", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].PostID != "top" || page[1].PostID != "new" {
		t.Fatalf("page 1 = %+v, want [top new]", page)
	}

	key := page[1].Key()
	page, err = store.ListFeedPage(ctx, "home", 2, &key)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].PostID != "old" {
		t.Fatalf("page 2 = %+v, want [old]", page)
	}
}

func TestQueryPostRows_Joins(t *testing.T) {
	store := openTestDB(t)
	mustUpdate(t, store, func(tx *Tx) error {
		if err := tx.UpsertUser(testUser("u1")); err != nil {
			return err
		}
		target := testPost("target", t0)
		if err := tx.UpsertPost(target); err != nil {
			return err
		}
		quote := testPost("quote", t0.Add(time.Minute))
		quote.Type = schema.PostQuote
		quote.QuotedPostID = "target"
		if err := tx.UpsertPost(quote); err != nil {
			return err
		}
		dangling := testPost("dangling", t0.Add(2*time.Minute))
		dangling.Type = schema.PostQuote
		dangling.QuotedPostID = "never-synced"
		if err := tx.UpsertPost(dangling); err != nil {
			return err
		}
		if err := tx.UpsertReaction(&schema.Reaction{PostID: "quote", UserID: "viewer", Kind: schema.ReactionLike, UpdatedAt: t0}); err != nil {
			return err
		}
		return tx.UpsertReaction(&schema.Reaction{PostID: "target", UserID: "viewer", Kind: schema.ReactionLaugh, UpdatedAt: t0})
	})

	rows, err := store.QueryPostRows(context.Background(), "viewer", []string{"dangling", "quote", "missing"})
	if err != nil {
		t.Fatalf("QueryPostRows() failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	if rows[0].Post.ID.String != "dangling" || rows[0].Quoted.ID.Valid {
		t.Errorf("dangling row = %+v", rows[0].Post)
	}
	if rows[0].Author.Username.String != "user_u1" {
		t.Errorf("author = %+v", rows[0].Author)
	}

	q := rows[1]
	if q.Post.ID.String != "quote" || q.Quoted.ID.String != "target" {
		t.Errorf("quote row ids = %s -> %s", q.Post.ID.String, q.Quoted.ID.String)
	}
	if q.ViewerReaction.String != "like" || q.QuotedViewerReaction.String != "laugh" {
		t.Errorf("viewer reactions = %v / %v", q.ViewerReaction, q.QuotedViewerReaction)
	}
	if q.Reposted.ID.Valid || q.RepostedAuthor.ID.Valid {
		t.Error("repost columns should be NULL")
	}

	// Deleting the target makes the quote resolve to nothing.
	mustUpdate(t, store, func(tx *Tx) error { return tx.SoftDeletePost("target") })
	rows, err = store.QueryPostRows(context.Background(), "viewer", []string{"quote"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Quoted.ID.Valid {
		t.Errorf("quote of deleted post still joined: %+v", rows)
	}
}

// TestWipe_AllOrNothing checks that an interrupted wipe leaves everything in place
func TestWipe_AllOrNothing(t *testing.T) {
	store := openTestDB(t)
	mustUpdate(t, store, func(tx *Tx) error {
		if err := tx.SetMeta(MetaOwner, "u1"); err != nil {
			return err
		}
		if err := tx.UpsertUser(testUser("u1")); err != nil {
			return err
		}
		if err := tx.UpsertPost(testPost("p1", t0)); err != nil {
			return err
		}
		return tx.UpsertFeedItem(&schema.FeedItem{FeedType: "home", PostID: "p1", RankScore: 1, InsertedAt: t0})
	})

	ctx := context.Background()
	before, err := store.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("power loss")
	store.wipeHook = func(table string) error {
		if table == "posts" {
			return boom
		}
		return nil
	}
	if err := store.Wipe(ctx, "u1"); !errors.Is(err, boom) {
		t.Fatalf("Wipe() err = %v, want %v", err, boom)
	}

	after, err := store.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for table, n := range before {
		if after[table] != n {
			t.Errorf("%s: %d rows after failed wipe, want %d", table, after[table], n)
		}
	}

	store.wipeHook = nil
	if err := store.Wipe(ctx, "someone-else"); !errors.Is(err, syncerr.ErrValidation) {
		t.Errorf("wipe for other user err = %v, want ValidationError", err)
	}
	if err := store.Wipe(ctx, "u1"); err != nil {
		t.Fatalf("Wipe() failed: %v", err)
	}
	after, _ = store.Counts(ctx)
	for table, n := range after {
		if n != 0 {
			t.Errorf("%s has %d rows after wipe", table, n)
		}
	}
}

func TestUpdate_RollbackOnCancel(t *testing.T) {
	store := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := store.Update(ctx, func(tx *Tx) error {
		if err := tx.UpsertPost(testPost("p1", t0)); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	counts, _ := store.Counts(context.Background())
	if counts["posts"] != 0 {
		t.Errorf("posts = %d after cancelled update, want 0", counts["posts"])
	}
}

func TestRekeyPost(t *testing.T) {
	store := openTestDB(t)
	mustUpdate(t, store, func(tx *Tx) error {
		if err := tx.UpsertPost(testPost("local-1", t0)); err != nil {
			return err
		}
		if err := tx.UpsertReaction(&schema.Reaction{PostID: "local-1", UserID: "u1", Kind: schema.ReactionLike, UpdatedAt: t0}); err != nil {
			return err
		}
		return tx.RekeyPost("local-1", "srv-1")
	})

	store.View(context.Background(), func(tx *Tx) error {
		if _, err := tx.GetPost("local-1"); !errors.Is(err, syncerr.ErrNotFound) {
			t.Errorf("temp post still present: %v", err)
		}
		if _, err := tx.GetPost("srv-1"); err != nil {
			t.Errorf("rekeyed post missing: %v", err)
		}
		if _, err := tx.GetReaction("srv-1", "u1"); err != nil {
			t.Errorf("reaction not carried: %v", err)
		}
		return nil
	})

	// Echo already present: the temporary row is dropped.
	mustUpdate(t, store, func(tx *Tx) error {
		if err := tx.UpsertPost(testPost("local-2", t0)); err != nil {
			return err
		}
		return tx.RekeyPost("local-2", "srv-1")
	})
	counts, _ := store.Counts(context.Background())
	if counts["posts"] != 1 {
		t.Errorf("posts = %d, want 1", counts["posts"])
	}
}

func TestOutbox(t *testing.T) {
	store := openTestDB(t)
	mustUpdate(t, store, func(tx *Tx) error {
		for _, id := range []string{"m1", "m2"} {
			m := &schema.Mutation{ID: id, Kind: schema.MutCreatePost, EntityID: "local-" + id, CreatedAt: t0}
			if err := tx.EnqueueMutation(m); err != nil {
				return err
			}
		}
		return tx.MarkMutation("m1", schema.MutationConflict, "timeout")
	})

	store.View(context.Background(), func(tx *Tx) error {
		pending, err := tx.ListMutations(schema.MutationPending)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 1 || pending[0].ID != "m2" {
			t.Errorf("pending = %+v", pending)
		}
		all, _ := tx.ListMutations("")
		if len(all) != 2 || all[0].ID != "m1" {
			t.Errorf("all = %+v", all)
		}
		m1, err := tx.GetMutation("m1")
		if err != nil {
			t.Fatal(err)
		}
		if m1.Attempts != 1 || m1.LastError != "timeout" || m1.Status != schema.MutationConflict {
			t.Errorf("m1 = %+v", m1)
		}
		return nil
	})
}

func TestSettleCounters(t *testing.T) {
	store := openTestDB(t)
	mustUpdate(t, store, func(tx *Tx) error {
		for _, m := range []*schema.Mutation{
			{ID: "r1", Kind: schema.MutReact, EntityID: "P1|u1", PostID: "P1", CreatedAt: t0, CountersApplied: true},
			{ID: "r2", Kind: schema.MutReact, EntityID: "P2|u1", PostID: "P2", CreatedAt: t0, CountersApplied: true},
		} {
			if err := tx.EnqueueMutation(m); err != nil {
				return err
			}
		}
		return tx.SettleCounters("P1")
	})

	store.View(context.Background(), func(tx *Tx) error {
		r1, err := tx.GetMutation("r1")
		if err != nil || r1.CountersApplied {
			t.Errorf("r1 = %+v, %v, want counters settled", r1, err)
		}
		r2, err := tx.GetMutation("r2")
		if err != nil || !r2.CountersApplied {
			t.Errorf("r2 = %+v, %v, want counters still applied", r2, err)
		}
		return nil
	})

	mustUpdate(t, store, func(tx *Tx) error { return tx.SetCountersApplied("r1", true) })
	store.View(context.Background(), func(tx *Tx) error {
		if r1, _ := tx.GetMutation("r1"); r1 == nil || !r1.CountersApplied {
			t.Errorf("r1 = %+v, want counters applied again", r1)
		}
		return nil
	})
}

func TestSyncStatusOf(t *testing.T) {
	store := openTestDB(t)
	p := testPost("p1", t0)
	p.SyncStatus = schema.StatusPending
	mustUpdate(t, store, func(tx *Tx) error {
		if err := tx.UpsertPost(p); err != nil {
			return err
		}
		return tx.UpsertReaction(&schema.Reaction{PostID: "p1", UserID: "u1", Kind: schema.ReactionLike, SyncStatus: schema.StatusConflict, UpdatedAt: t0})
	})

	tests := []struct {
		table, id  string
		want       schema.SyncStatus
		wantExists bool
	}{
		{"posts", "p1", schema.StatusPending, true},
		{"posts", "nope", "", false},
		{"reactions", schema.CompositeKey("p1", "u1"), schema.StatusConflict, true},
		{"users", "u1", "", false},
	}
	for _, tt := range tests {
		store.View(context.Background(), func(tx *Tx) error {
			got, exists, err := tx.SyncStatusOf(tt.table, tt.id)
			if err != nil {
				t.Fatalf("%s/%s: %v", tt.table, tt.id, err)
			}
			if got != tt.want || exists != tt.wantExists {
				t.Errorf("%s/%s = (%q, %v), want (%q, %v)", tt.table, tt.id, got, exists, tt.want, tt.wantExists)
			}
			return nil
		})
	}
}

// TestStorageErrorWrapping checks that driver failures surface as StorageError
func TestStorageErrorWrapping(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	store := NewFromConn(conn, "sqlite3")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT value FROM meta").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = store.Wipe(context.Background(), "u1")
	if !errors.Is(err, syncerr.ErrStorage) {
		t.Errorf("err = %v, want StorageError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

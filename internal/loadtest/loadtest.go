// Package loadtest measures feed read latency against a synthetic cache.
//
// A test cache is populated with users, posts (a mix of originals, replies,
// reposts and media posts) and the viewer's reactions, then materialized.
// Concurrent readers page through a feed the way a UI does: list ids,
// fetch joined rows, compose view models.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/quillsocial/feedsync/internal/feedcache/db"
	"github.com/quillsocial/feedsync/internal/feedcache/materialize"
	"github.com/quillsocial/feedsync/internal/feedcache/pipeline"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

// Viewer is the signed-in user of every test cache.
const Viewer = "user-00000"

// TestCache represents a populated cache for load testing.
type TestCache struct {
	DB    *db.DB
	Mat   *materialize.Materializer
	Users []string
	Posts []string

	// Reacted holds the posts the viewer liked.
	Reacted map[string]bool

	// FeedSizes maps each feed to its materialized row count.
	FeedSizes map[string]int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// CreateTestCache creates a cache at dbPath with numUsers authors and
// numPosts posts. likedPct of the posts carry a like from the viewer.
func CreateTestCache(dbPath string, numUsers, numPosts int, likedPct float64) (*TestCache, error) {
	if numUsers < 1 {
		return nil, fmt.Errorf("need at least one user")
	}

	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	matConfig := materialize.DefaultConfig()
	matConfig.Logger = log.New(io.Discard, "", 0)
	mat, err := materialize.NewWithConfig(store, matConfig)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	tc := &TestCache{
		DB:        store,
		Mat:       mat,
		Reacted:   make(map[string]bool),
		FeedSizes: make(map[string]int),
	}

	users := generateUsers(numUsers)
	posts := generatePosts(users, numPosts)
	reactions := generateReactions(posts, likedPct)

	err = store.Update(context.Background(), func(tx *db.Tx) error {
		for _, u := range users {
			if err := tx.UpsertUser(u); err != nil {
				return fmt.Errorf("failed to insert user %s: %w", u.ID, err)
			}
			tc.Users = append(tc.Users, u.ID)
		}
		for _, p := range posts {
			if err := tx.UpsertPost(p); err != nil {
				return fmt.Errorf("failed to insert post %s: %w", p.ID, err)
			}
			tc.Posts = append(tc.Posts, p.ID)
		}
		for _, r := range reactions {
			if err := tx.UpsertReaction(r); err != nil {
				return fmt.Errorf("failed to insert reaction on %s: %w", r.PostID, err)
			}
			tc.Reacted[r.PostID] = true
		}
		return nil
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	stats, err := mat.RebuildAll(context.Background())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to materialize feeds: %w", err)
	}
	for _, s := range stats {
		tc.FeedSizes[s.Feed] = s.Written + s.Unchanged
	}

	return tc, nil
}

// Close closes the test cache.
func (tc *TestCache) Close() error {
	if tc.DB != nil {
		return tc.DB.Close()
	}
	return nil
}

// ReadPage performs one UI-style read of a feed page and returns the
// composed posts and the next cursor.
func (tc *TestCache) ReadPage(ctx context.Context, feed string, limit int, cursor string) ([]pipeline.Post, string, error) {
	page, err := tc.Mat.List(ctx, feed, limit, cursor)
	if err != nil {
		return nil, "", err
	}
	rows, err := tc.DB.QueryPostRows(ctx, Viewer, page.PostIDs)
	if err != nil {
		return nil, "", err
	}
	posts := pipeline.Compose(rows, pipeline.ViewerContext{ViewerID: Viewer, Now: time.Now()})
	return posts, page.NextCursor, nil
}

// RunConcurrentReads simulates numReaders clients each reading
// readsPerReader pages of feed. A reader restarts from the top when it
// reaches the end of the feed.
func (tc *TestCache) RunConcurrentReads(feed string, numReaders, readsPerReader, pageSize int) (*LatencyStats, error) {
	var wg sync.WaitGroup

	resultsChan := make(chan []time.Duration, numReaders)
	errorsChan := make(chan error, numReaders)

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, readsPerReader)
			ctx := context.Background()
			cursor := ""

			for j := 0; j < readsPerReader; j++ {
				start := time.Now()
				_, next, err := tc.ReadPage(ctx, feed, pageSize, cursor)
				durations = append(durations, time.Since(start))
				if err != nil {
					errorsChan <- fmt.Errorf("reader %d read %d failed: %w", readerID, j, err)
					resultsChan <- durations
					return
				}
				cursor = next
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errorCount int
	for range errorsChan {
		errorCount++
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}
	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no reads completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyConsistentReads runs readers against feed while a writer keeps
// bumping like counts and patching feeds, and checks every composed page.
func (tc *TestCache) VerifyConsistentReads(feed string, numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(7))
		for ctx.Err() == nil {
			id := tc.Posts[rng.Intn(len(tc.Posts))]
			err := tc.DB.Update(ctx, func(tx *db.Tx) error {
				p, err := tx.GetPost(id)
				if err != nil {
					return err
				}
				p.Likes++
				if err := tx.UpsertPost(p); err != nil {
					return err
				}
				_, err = tc.Mat.Patch(tx, p)
				return err
			})
			if err != nil && ctx.Err() == nil {
				errorsChan <- fmt.Errorf("writer failed on %s: %w", id, err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()
			cursor := ""
			for ctx.Err() == nil {
				posts, next, err := tc.ReadPage(ctx, feed, 20, cursor)
				if err != nil {
					if ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d failed: %w", readerID, err)
					}
					return
				}
				for _, p := range posts {
					if p.ID == "" {
						errorsChan <- fmt.Errorf("reader %d got a post with empty id", readerID)
						return
					}
					if p.Viewer.Reaction == schema.ReactionLike && !tc.Reacted[p.ID] {
						errorsChan <- fmt.Errorf("reader %d saw a like on %s the viewer never made", readerID, p.ID)
						return
					}
				}
				cursor = next
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)

	for err := range errorsChan {
		if err != nil {
			return err
		}
	}
	return nil
}

// GetStats returns statistics about the test cache.
func (tc *TestCache) GetStats() map[string]any {
	stats := map[string]any{
		"users":   len(tc.Users),
		"posts":   len(tc.Posts),
		"reacted": len(tc.Reacted),
	}
	for feed, n := range tc.FeedSizes {
		stats["feed_"+feed] = n
	}
	return stats
}

func generateUsers(count int) []*schema.User {
	base := time.Now().Add(-30 * 24 * time.Hour)
	users := make([]*schema.User, count)
	for i := range users {
		users[i] = &schema.User{
			ID:          fmt.Sprintf("user-%05d", i),
			Username:    fmt.Sprintf("user%d", i),
			DisplayName: fmt.Sprintf("User %d", i),
			Verified:    i%10 == 0,
			Active:      true,
			UpdatedAt:   base,
		}
	}
	return users
}

// generatePosts creates posts with a realistic mix: mostly originals, some
// replies and reposts of earlier posts, and every fifth original with media.
func generatePosts(users []*schema.User, count int) []*schema.Post {
	rng := rand.New(rand.NewSource(42))
	base := time.Now().Add(-7 * 24 * time.Hour)
	posts := make([]*schema.Post, count)

	for i := range posts {
		p := &schema.Post{
			ID:        fmt.Sprintf("post-%06d", i),
			OwnerID:   users[rng.Intn(len(users))].ID,
			Content:   fmt.Sprintf("Post %d", i),
			Type:      schema.PostOriginal,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Counters: schema.Counters{
				Likes:   int64(rng.Intn(50)),
				Laughs:  int64(rng.Intn(5)),
				Replies: int64(rng.Intn(10)),
			},
		}
		switch roll := rng.Intn(10); {
		case i > 0 && roll == 0:
			p.Type = schema.PostReply
			p.ParentPostID = posts[rng.Intn(i)].ID
		case i > 0 && roll == 1:
			p.Type = schema.PostRepost
			p.RepostedPostID = posts[rng.Intn(i)].ID
			p.Content = ""
		case i%5 == 0:
			p.Media = []schema.MediaItem{{URL: fmt.Sprintf("https://cdn.example.com/%d.jpg", i), Kind: "image"}}
		}
		posts[i] = p
	}
	return posts
}

func generateReactions(posts []*schema.Post, likedPct float64) []*schema.Reaction {
	if likedPct <= 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(43))
	var out []*schema.Reaction
	for _, p := range posts {
		if rng.Float64() < likedPct {
			out = append(out, &schema.Reaction{
				PostID:    p.ID,
				UserID:    Viewer,
				Kind:      schema.ReactionLike,
				UpdatedAt: p.CreatedAt,
			})
		}
	}
	return out
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Reads:   %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

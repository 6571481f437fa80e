// Package materialize maintains the feed_items table.
//
// A feed is a named membership rule plus a scorer. Membership and rank are
// stored per (feed, post) so ranking can be recomputed without touching
// post content, and a post can sit in several feeds with different scores.
//
// Two write paths keep the table current:
//   - Rebuild: bulk pass over every cached post, run after a sync pull
//   - Patch: rescore one post inside the caller's transaction, run by the
//     reconciler when a realtime event changes the post
//
// Reads page through a feed in (rank_score DESC, created_at DESC, id ASC)
// order with an opaque keyset cursor.
package materialize

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/quillsocial/feedsync/internal/feedcache/db"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
	"github.com/quillsocial/feedsync/internal/metrics"
)

// Feed is one named feed.
type Feed struct {
	Name   string
	Scorer Scorer

	// Include decides membership. Nil includes every post.
	Include func(p *schema.Post) bool
}

func (f *Feed) includes(p *schema.Post) bool {
	if p.Deleted {
		return false
	}
	return f.Include == nil || f.Include(p)
}

// Config holds materializer settings.
type Config struct {
	Feeds []Feed

	// PopularThreshold is the like count at which a post enters the
	// popular feed.
	PopularThreshold int64

	// CheckEvery is how many posts a bulk pass scores between
	// cancellation checks.
	CheckEvery int

	Logger *log.Logger
}

// DefaultConfig returns the stock feeds: home, latest, media, popular.
func DefaultConfig() *Config {
	c := &Config{
		PopularThreshold: 10,
		CheckEvery:       256,
		Logger:           log.New(os.Stderr, "[materialize] ", log.LstdFlags),
	}
	c.Feeds = DefaultFeeds(DefaultWeights(), c.PopularThreshold)
	return c
}

// DefaultFeeds builds the stock feeds.
func DefaultFeeds(w Weights, popularThreshold int64) []Feed {
	return []Feed{
		{
			Name:    "home",
			Scorer:  Engagement(w),
			Include: func(p *schema.Post) bool { return p.Type != schema.PostReply },
		},
		{
			Name:   "latest",
			Scorer: Chronological,
		},
		{
			Name:    "media",
			Scorer:  Chronological,
			Include: func(p *schema.Post) bool { return len(p.Media) > 0 },
		},
		{
			Name:    "popular",
			Scorer:  Engagement(w),
			Include: func(p *schema.Post) bool { return p.Likes >= popularThreshold },
		},
	}
}

// Materializer writes and reads feed_items.
type Materializer struct {
	store  *db.DB
	config *Config
	byName map[string]*Feed
}

// New creates a materializer with the default feeds.
func New(store *db.DB) (*Materializer, error) {
	return NewWithConfig(store, nil)
}

// NewWithConfig creates a materializer. A nil config uses DefaultConfig.
func NewWithConfig(store *db.DB, config *Config) (*Materializer, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.CheckEvery <= 0 {
		config.CheckEvery = DefaultConfig().CheckEvery
	}

	byName := make(map[string]*Feed, len(config.Feeds))
	for i := range config.Feeds {
		f := &config.Feeds[i]
		if f.Name == "" || f.Scorer == nil {
			return nil, fmt.Errorf("feed %d needs a name and a scorer", i)
		}
		if _, dup := byName[f.Name]; dup {
			return nil, fmt.Errorf("duplicate feed %q", f.Name)
		}
		byName[f.Name] = f
	}

	return &Materializer{store: store, config: config, byName: byName}, nil
}

// Feeds returns the registered feed names in order.
func (m *Materializer) Feeds() []string {
	names := make([]string, len(m.config.Feeds))
	for i, f := range m.config.Feeds {
		names[i] = f.Name
	}
	return names
}

func (m *Materializer) feed(name string) (*Feed, error) {
	f, ok := m.byName[name]
	if !ok {
		return nil, syncerr.Validation("materialize", "unknown feed %q", name)
	}
	return f, nil
}

// RebuildStats summarizes one bulk pass.
type RebuildStats struct {
	Feed      string
	Scanned   int
	Written   int
	Unchanged int
	Removed   int
}

// Rebuild recomputes one feed from the cached posts in a single
// transaction. Rows whose score is unchanged are not rewritten, so a pass
// over unchanged content leaves the table identical. Cancelling ctx rolls
// the whole pass back.
func (m *Materializer) Rebuild(ctx context.Context, name string) (*RebuildStats, error) {
	f, err := m.feed(name)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer metrics.ObserveSince(metrics.FeedRebuildDuration.WithLabelValues(name), start)

	var stats *RebuildStats
	err = m.store.Update(ctx, func(tx *db.Tx) error {
		s, err := m.rebuild(tx, f)
		stats = s
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.FeedItemWrites.WithLabelValues(name, "bulk").Add(float64(stats.Written))
	metrics.FeedItemWrites.WithLabelValues(name, "remove").Add(float64(stats.Removed))
	if stats.Written > 0 || stats.Removed > 0 {
		m.config.Logger.Printf("Rebuilt %s: %d written, %d unchanged, %d removed (%v)",
			name, stats.Written, stats.Unchanged, stats.Removed, time.Since(start).Round(time.Millisecond))
	}
	return stats, nil
}

// RebuildAll runs Rebuild for every feed, each in its own transaction.
func (m *Materializer) RebuildAll(ctx context.Context) ([]*RebuildStats, error) {
	all := make([]*RebuildStats, 0, len(m.config.Feeds))
	for _, f := range m.config.Feeds {
		stats, err := m.Rebuild(ctx, f.Name)
		if err != nil {
			return all, fmt.Errorf("failed to rebuild feed %s: %w", f.Name, err)
		}
		all = append(all, stats)
	}
	return all, nil
}

func (m *Materializer) rebuild(tx *db.Tx, f *Feed) (*RebuildStats, error) {
	ctx := tx.Context()
	stats := &RebuildStats{Feed: f.Name}

	posts, err := tx.ListPosts()
	if err != nil {
		return nil, err
	}
	existing, err := tx.ListFeedItems(f.Name)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i, p := range posts {
		if i%m.config.CheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		stats.Scanned++
		if !f.includes(p) {
			continue
		}

		score := f.Scorer.Score(p)
		if item, ok := existing[p.ID]; ok {
			delete(existing, p.ID)
			if item.RankScore == score {
				stats.Unchanged++
				continue
			}
		}
		if err := tx.UpsertFeedItem(&schema.FeedItem{
			FeedType:   f.Name,
			PostID:     p.ID,
			RankScore:  score,
			InsertedAt: now,
			Source:     schema.SourceBulk,
		}); err != nil {
			return nil, err
		}
		stats.Written++
	}

	for postID := range existing {
		if err := tx.DeleteFeedItem(f.Name, postID); err != nil {
			return nil, err
		}
		stats.Removed++
	}
	return stats, nil
}

// Patch rescores one post in every feed inside tx: it is added to feeds it
// now qualifies for, rescored where it already is, and removed where it no
// longer qualifies. It reports whether any feed row changed.
func (m *Materializer) Patch(tx *db.Tx, p *schema.Post) (bool, error) {
	changed := false
	for i := range m.config.Feeds {
		f := &m.config.Feeds[i]

		item, err := tx.GetFeedItem(f.Name, p.ID)
		if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
			return false, err
		}

		if !f.includes(p) {
			if item != nil {
				if err := tx.DeleteFeedItem(f.Name, p.ID); err != nil {
					return false, err
				}
				metrics.FeedItemWrites.WithLabelValues(f.Name, "remove").Inc()
				changed = true
			}
			continue
		}

		score := f.Scorer.Score(p)
		if item != nil && item.RankScore == score {
			continue
		}
		if err := tx.UpsertFeedItem(&schema.FeedItem{
			FeedType:   f.Name,
			PostID:     p.ID,
			RankScore:  score,
			InsertedAt: time.Now(),
			Source:     schema.SourcePatch,
		}); err != nil {
			return false, err
		}
		metrics.FeedItemWrites.WithLabelValues(f.Name, "patch").Inc()
		changed = true
	}
	return changed, nil
}

// RemovePost drops a post from every feed inside tx.
func (m *Materializer) RemovePost(tx *db.Tx, postID string) error {
	return tx.DeleteFeedItemsForPost(postID)
}

// Page is one page of a feed.
type Page struct {
	PostIDs []string

	// NextCursor is empty on the last page.
	NextCursor string
}

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// List returns up to limit post ids of a feed after cursor. An empty cursor
// starts at the top.
func (m *Materializer) List(ctx context.Context, name string, limit int, cursor string) (*Page, error) {
	if _, err := m.feed(name); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	after, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	entries, err := m.store.ListFeedPage(ctx, name, limit+1, after)
	if err != nil {
		return nil, err
	}

	page := &Page{}
	if len(entries) > limit {
		entries = entries[:limit]
		page.NextCursor = EncodeCursor(entries[limit-1].Key())
	}
	page.PostIDs = make([]string, len(entries))
	for i, e := range entries {
		page.PostIDs[i] = e.PostID
	}
	return page, nil
}

// EncodeCursor renders a keyset position as an opaque token.
func EncodeCursor(k db.FeedKey) string {
	data, _ := json.Marshal(k)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a token from EncodeCursor. An empty token decodes to
// nil.
func DecodeCursor(cursor string) (*db.FeedKey, error) {
	if cursor == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, syncerr.Validation("materialize.DecodeCursor", "malformed cursor")
	}
	var k db.FeedKey
	if err := json.Unmarshal(data, &k); err != nil || k.PostID == "" {
		return nil, syncerr.Validation("materialize.DecodeCursor", "malformed cursor")
	}
	return &k, nil
}

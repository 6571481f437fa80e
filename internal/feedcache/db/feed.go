package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

type feedItemRow struct {
	FeedType   string  `db:"feed_type"`
	PostID     string  `db:"post_id"`
	RankScore  float64 `db:"rank_score"`
	InsertedAt string  `db:"inserted_at"`
	Source     string  `db:"source"`
}

func (r *feedItemRow) toItem() (*schema.FeedItem, error) {
	inserted, err := schema.ParseTime(r.InsertedAt)
	if err != nil {
		return nil, err
	}
	return &schema.FeedItem{
		FeedType:   r.FeedType,
		PostID:     r.PostID,
		RankScore:  r.RankScore,
		InsertedAt: inserted,
		Source:     schema.FeedSource(r.Source),
	}, nil
}

// UpsertFeedItem stores the membership of a post in a feed. inserted_at is
// written only when the row is created; later upserts change the score and
// source and keep the original insertion time.
func (tx *Tx) UpsertFeedItem(item *schema.FeedItem) error {
	if err := item.Validate(); err != nil {
		return syncerr.ValidationWrap("db.UpsertFeedItem", err)
	}
	source := item.Source
	if source == "" {
		source = schema.SourceBulk
	}
	inserted := item.InsertedAt
	if inserted.IsZero() {
		inserted = time.Now()
	}
	_, err := tx.exec("db.UpsertFeedItem", `
	INSERT INTO feed_items (feed_type, post_id, rank_score, inserted_at, source)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(feed_type, post_id) DO UPDATE SET
		rank_score = excluded.rank_score,
		source = excluded.source
	`, item.FeedType, item.PostID, item.RankScore, schema.FormatTime(inserted), string(source))
	return err
}

// GetFeedItem returns one feed membership or syncerr.ErrNotFound.
func (tx *Tx) GetFeedItem(feedType, postID string) (*schema.FeedItem, error) {
	var row feedItemRow
	err := sqlx.GetContext(tx.ctx, tx.q, &row, `
	SELECT feed_type, post_id, rank_score, inserted_at, source
	FROM feed_items WHERE feed_type = ? AND post_id = ?`, feedType, postID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		return nil, syncerr.Storage("db.GetFeedItem", err)
	}
	item, err := row.toItem()
	if err != nil {
		return nil, syncerr.Storage("db.GetFeedItem", err)
	}
	return item, nil
}

// ListFeedItems returns every item of a feed keyed by post id.
func (tx *Tx) ListFeedItems(feedType string) (map[string]*schema.FeedItem, error) {
	var rows []feedItemRow
	err := sqlx.SelectContext(tx.ctx, tx.q, &rows, `
	SELECT feed_type, post_id, rank_score, inserted_at, source
	FROM feed_items WHERE feed_type = ?`, feedType)
	if err != nil {
		return nil, syncerr.Storage("db.ListFeedItems", fmt.Errorf("failed to list feed %s: %w", feedType, err))
	}
	out := make(map[string]*schema.FeedItem, len(rows))
	for i := range rows {
		item, err := rows[i].toItem()
		if err != nil {
			return nil, syncerr.Storage("db.ListFeedItems", err)
		}
		out[item.PostID] = item
	}
	return out, nil
}

// DeleteFeedItem removes a post from one feed. Idempotent.
func (tx *Tx) DeleteFeedItem(feedType, postID string) error {
	_, err := tx.exec("db.DeleteFeedItem", "DELETE FROM feed_items WHERE feed_type = ? AND post_id = ?", feedType, postID)
	return err
}

// DeleteFeedItemsForPost removes a post from every feed.
func (tx *Tx) DeleteFeedItemsForPost(postID string) error {
	_, err := tx.exec("db.DeleteFeedItemsForPost", "DELETE FROM feed_items WHERE post_id = ?", postID)
	return err
}

// FeedKey is the keyset position of a feed entry. Entries are ordered by
// rank score descending, then post creation time descending, then post id.
type FeedKey struct {
	RankScore float64 `json:"s"`
	CreatedAt string  `json:"c"`
	PostID    string  `json:"p"`
}

// FeedEntry is one row of a feed page.
type FeedEntry struct {
	PostID    string  `db:"post_id"`
	RankScore float64 `db:"rank_score"`
	CreatedAt string  `db:"created_at"`
}

// Key returns the keyset position of the entry.
func (e FeedEntry) Key() FeedKey {
	return FeedKey{RankScore: e.RankScore, CreatedAt: e.CreatedAt, PostID: e.PostID}
}

// ListFeedPage returns up to limit entries of a feed that come after the
// given position. Deleted posts are excluded. A nil after starts at the top.
func (db *DB) ListFeedPage(ctx context.Context, feedType string, limit int, after *FeedKey) ([]FeedEntry, error) {
	query := `
	SELECT f.post_id, f.rank_score, p.created_at
	FROM feed_items f
	JOIN posts p ON p.id = f.post_id
	WHERE f.feed_type = ? AND p.deleted = 0`
	args := []any{feedType}

	if after != nil {
		query += `
	  AND (f.rank_score < ?
	    OR (f.rank_score = ? AND p.created_at < ?)
	    OR (f.rank_score = ? AND p.created_at = ? AND f.post_id > ?))`
		args = append(args,
			after.RankScore,
			after.RankScore, after.CreatedAt,
			after.RankScore, after.CreatedAt, after.PostID)
	}

	query += `
	ORDER BY f.rank_score DESC, p.created_at DESC, f.post_id ASC
	LIMIT ?`
	args = append(args, limit)

	var entries []FeedEntry
	if err := db.conn.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, syncerr.Storage("db.ListFeedPage", fmt.Errorf("failed to list feed %s: %w", feedType, err))
	}
	return entries, nil
}

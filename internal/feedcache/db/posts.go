package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

const postColumns = `id, owner_id, content, type, quoted_post_id, reposted_post_id,
	parent_post_id, media, poll, like_count, dislike_count, laugh_count,
	repost_count, reply_count, deleted, sync_status, created_at, updated_at`

type postRow struct {
	ID             string         `db:"id"`
	OwnerID        string         `db:"owner_id"`
	Content        string         `db:"content"`
	Type           string         `db:"type"`
	QuotedPostID   sql.NullString `db:"quoted_post_id"`
	RepostedPostID sql.NullString `db:"reposted_post_id"`
	ParentPostID   sql.NullString `db:"parent_post_id"`
	Media          sql.NullString `db:"media"`
	Poll           sql.NullString `db:"poll"`
	Likes          int64          `db:"like_count"`
	Dislikes       int64          `db:"dislike_count"`
	Laughs         int64          `db:"laugh_count"`
	Reposts        int64          `db:"repost_count"`
	Replies        int64          `db:"reply_count"`
	Deleted        bool           `db:"deleted"`
	SyncStatus     string         `db:"sync_status"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      sql.NullString `db:"updated_at"`
}

func (r *postRow) toPost() (*schema.Post, error) {
	p := &schema.Post{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Content:        r.Content,
		Type:           schema.PostType(r.Type),
		QuotedPostID:   r.QuotedPostID.String,
		RepostedPostID: r.RepostedPostID.String,
		ParentPostID:   r.ParentPostID.String,
		Counters: schema.Counters{
			Likes:    r.Likes,
			Dislikes: r.Dislikes,
			Laughs:   r.Laughs,
			Reposts:  r.Reposts,
			Replies:  r.Replies,
		},
		Deleted:    r.Deleted,
		SyncStatus: schema.SyncStatus(r.SyncStatus),
	}
	if r.Media.Valid && r.Media.String != "" {
		if err := json.Unmarshal([]byte(r.Media.String), &p.Media); err != nil {
			return nil, fmt.Errorf("failed to parse media of post %s: %w", r.ID, err)
		}
	}
	if r.Poll.Valid && r.Poll.String != "" {
		var poll schema.Poll
		if err := json.Unmarshal([]byte(r.Poll.String), &poll); err != nil {
			return nil, fmt.Errorf("failed to parse poll of post %s: %w", r.ID, err)
		}
		p.Poll = &poll
	}
	created, err := schema.ParseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = created
	if p.UpdatedAt, err = nullStringToTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

func marshalNullJSON(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// UpsertPost inserts or replaces a post row keyed by id.
//
// Media and poll are stored as JSON. An empty SyncStatus is stored as synced.
func (tx *Tx) UpsertPost(p *schema.Post) error {
	if err := p.Validate(); err != nil {
		return syncerr.ValidationWrap("db.UpsertPost", fmt.Errorf("invalid post: %w", err))
	}

	media, err := marshalNullJSON(p.Media, len(p.Media) == 0)
	if err != nil {
		return syncerr.Storage("db.UpsertPost", fmt.Errorf("failed to marshal media: %w", err))
	}
	poll, err := marshalNullJSON(p.Poll, p.Poll == nil)
	if err != nil {
		return syncerr.Storage("db.UpsertPost", fmt.Errorf("failed to marshal poll: %w", err))
	}
	status := p.SyncStatus
	if status == "" {
		status = schema.StatusSynced
	}

	query := `
	INSERT INTO posts (` + postColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		owner_id = excluded.owner_id,
		content = excluded.content,
		type = excluded.type,
		quoted_post_id = excluded.quoted_post_id,
		reposted_post_id = excluded.reposted_post_id,
		parent_post_id = excluded.parent_post_id,
		media = excluded.media,
		poll = excluded.poll,
		like_count = excluded.like_count,
		dislike_count = excluded.dislike_count,
		laugh_count = excluded.laugh_count,
		repost_count = excluded.repost_count,
		reply_count = excluded.reply_count,
		deleted = excluded.deleted,
		sync_status = excluded.sync_status,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
	`

	_, err = tx.q.ExecContext(tx.ctx, query,
		p.ID,
		p.OwnerID,
		p.Content,
		string(p.Type),
		nullString(p.QuotedPostID),
		nullString(p.RepostedPostID),
		nullString(p.ParentPostID),
		media,
		poll,
		p.Likes,
		p.Dislikes,
		p.Laughs,
		p.Reposts,
		p.Replies,
		boolToInt(p.Deleted),
		string(status),
		schema.FormatTime(p.CreatedAt),
		timeToNullString(p.UpdatedAt),
	)
	if err != nil {
		return syncerr.Storage("db.UpsertPost", fmt.Errorf("failed to upsert post %s: %w", p.ID, err))
	}
	return nil
}

// GetPost returns a post by id, including soft-deleted posts. It returns
// syncerr.ErrNotFound when no row exists.
func (tx *Tx) GetPost(id string) (*schema.Post, error) {
	var row postRow
	err := sqlx.GetContext(tx.ctx, tx.q, &row, "SELECT "+postColumns+" FROM posts WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		return nil, syncerr.Storage("db.GetPost", fmt.Errorf("failed to get post %s: %w", id, err))
	}
	p, err := row.toPost()
	if err != nil {
		return nil, syncerr.Storage("db.GetPost", err)
	}
	return p, nil
}

// ListPosts returns every non-deleted post ordered by id.
func (tx *Tx) ListPosts() ([]*schema.Post, error) {
	var rows []postRow
	err := sqlx.SelectContext(tx.ctx, tx.q, &rows, "SELECT "+postColumns+" FROM posts WHERE deleted = 0 ORDER BY id")
	if err != nil {
		return nil, syncerr.Storage("db.ListPosts", fmt.Errorf("failed to list posts: %w", err))
	}
	posts := make([]*schema.Post, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toPost()
		if err != nil {
			return nil, syncerr.Storage("db.ListPosts", err)
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// SetPostSyncStatus updates only the sync status of a post.
func (tx *Tx) SetPostSyncStatus(id string, status schema.SyncStatus) error {
	_, err := tx.exec("db.SetPostSyncStatus", "UPDATE posts SET sync_status = ? WHERE id = ?", string(status), id)
	return err
}

// SoftDeletePost marks a post deleted. The row stays so pending references
// resolve as unavailable instead of disappearing.
func (tx *Tx) SoftDeletePost(id string) error {
	_, err := tx.exec("db.SoftDeletePost", "UPDATE posts SET deleted = 1 WHERE id = ?", id)
	return err
}

// HardDeletePost removes a post and every row keyed by it. It is used to
// abandon a local post the remote never acknowledged.
func (tx *Tx) HardDeletePost(id string) error {
	for _, q := range []string{
		"DELETE FROM feed_items WHERE post_id = ?",
		"DELETE FROM reactions WHERE post_id = ?",
		"DELETE FROM poll_votes WHERE post_id = ?",
		"DELETE FROM posts WHERE id = ?",
	} {
		if _, err := tx.exec("db.HardDeletePost", q, id); err != nil {
			return err
		}
	}
	return nil
}

// RekeyPost moves a post from a temporary id to the id assigned by the
// remote, carrying every row keyed by it. If a row with newID already
// exists (the realtime echo arrived first) the temporary row is dropped and
// the existing one kept.
func (tx *Tx) RekeyPost(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	_, exists, err := tx.SyncStatusOf("posts", newID)
	if err != nil {
		return err
	}
	if exists {
		return tx.HardDeletePost(oldID)
	}
	for _, q := range []string{
		"UPDATE posts SET id = ? WHERE id = ?",
		"UPDATE OR IGNORE feed_items SET post_id = ? WHERE post_id = ?",
		"UPDATE OR IGNORE reactions SET post_id = ? WHERE post_id = ?",
		"UPDATE OR IGNORE poll_votes SET post_id = ? WHERE post_id = ?",
		"UPDATE posts SET quoted_post_id = ? WHERE quoted_post_id = ?",
		"UPDATE posts SET reposted_post_id = ? WHERE reposted_post_id = ?",
		"UPDATE posts SET parent_post_id = ? WHERE parent_post_id = ?",
		"UPDATE pending_mutations SET post_id = ? WHERE post_id = ?",
	} {
		if _, err := tx.exec("db.RekeyPost", q, newID, oldID); err != nil {
			return err
		}
	}
	return nil
}

// AdjustCounter adds delta to the counter matching a reaction kind,
// clamping at zero.
func (tx *Tx) AdjustCounter(postID string, kind schema.ReactionKind, delta int64) error {
	var column string
	switch kind {
	case schema.ReactionLike:
		column = "like_count"
	case schema.ReactionDislike:
		column = "dislike_count"
	case schema.ReactionLaugh:
		column = "laugh_count"
	default:
		return nil
	}
	_, err := tx.exec("db.AdjustCounter",
		"UPDATE posts SET "+column+" = MAX(0, "+column+" + ?) WHERE id = ?", delta, postID)
	return err
}

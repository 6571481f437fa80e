// Package pgbackend is a remote backed by PostgreSQL.
//
// Rows are stored as JSONB documents keyed by (table, id). Every write
// appends to feedsync_changes, whose BIGSERIAL sequence is both the Pull
// cursor and the realtime.ChangeLog sequence, so one database serves
// snapshots and live changes to any number of caches.
package pgbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillsocial/feedsync/internal/feedcache/realtime"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncer"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS feedsync_changes (
    seq        BIGSERIAL PRIMARY KEY,
    tbl        TEXT NOT NULL,
    kind       TEXT NOT NULL,
    before     JSONB,
    after      JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_feedsync_changes_tbl ON feedsync_changes(tbl, seq);
ALTER TABLE feedsync_changes ADD COLUMN IF NOT EXISTS row_id TEXT;

CREATE TABLE IF NOT EXISTS feedsync_rows (
    tbl TEXT   NOT NULL,
    id  TEXT   NOT NULL,
    doc JSONB  NOT NULL,
    seq BIGINT NOT NULL,
    PRIMARY KEY (tbl, id)
);
CREATE INDEX IF NOT EXISTS idx_feedsync_rows_seq ON feedsync_rows(tbl, seq);

CREATE SEQUENCE IF NOT EXISTS feedsync_ids;
`

// Config holds backend settings.
type Config struct {
	// Now stamps server-side writes (default: time.Now).
	Now func() time.Time

	Logger *log.Logger
}

// DefaultConfig returns default backend settings.
func DefaultConfig() *Config {
	return &Config{
		Now:    time.Now,
		Logger: log.New(os.Stderr, "[pgbackend] ", log.LstdFlags),
	}
}

// Backend implements syncer.Backend and realtime.ChangeLog on Postgres.
type Backend struct {
	pool   *pgxpool.Pool
	config *Config
}

// Connect opens a traced pool for dsn and creates the schema.
func Connect(ctx context.Context, dsn string, config *Config) (*Backend, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	poolConfig.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	b := New(pool, config)
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an existing pool. The schema is not touched.
func New(pool *pgxpool.Pool, config *Config) *Backend {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Backend{pool: pool, config: config}
}

// Migrate creates the tables if they do not exist.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (b *Backend) Close() {
	b.pool.Close()
}

// ScopeTables returns the tables whose changed rows make up scope.
func ScopeTables(scope syncer.Scope) ([]string, bool) {
	switch scope {
	case syncer.ScopeFeed:
		return []string{realtime.TablePosts, realtime.TableReactions, realtime.TablePollVotes, realtime.TableFeedItems}, true
	case syncer.ScopeProfiles:
		return []string{realtime.TableUsers}, true
	case syncer.ScopeConversations:
		return []string{realtime.TableConversations, realtime.TableMessages}, true
	}
	return nil, false
}

// ParseCursor decodes a Pull cursor. Empty means from the start.
func ParseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return n, nil
}

// Pull implements syncer.Backend. The rows and the returned cursor are read
// in one repeatable-read transaction so no change is skipped between pulls.
func (b *Backend) Pull(ctx context.Context, scope syncer.Scope, cursor string) (*syncer.Snapshot, error) {
	const op = "pgbackend.Pull"

	tables, ok := ScopeTables(scope)
	if !ok {
		return nil, syncerr.Validation(op, "unknown scope %q", scope)
	}
	after, err := ParseCursor(cursor)
	if err != nil {
		return nil, syncerr.ValidationWrap(op, err)
	}

	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, syncerr.Remote(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var head int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM feedsync_changes`).Scan(&head); err != nil {
		return nil, syncerr.Remote(op, fmt.Errorf("failed to read head: %w", err))
	}

	snap := &syncer.Snapshot{Scope: scope, Cursor: strconv.FormatInt(head, 10)}
	rows, err := tx.Query(ctx, `
		SELECT tbl, doc FROM feedsync_rows
		WHERE tbl = ANY($1) AND seq > $2 AND seq <= $3
		ORDER BY tbl, id`, tables, after, head)
	if err != nil {
		return nil, syncerr.Remote(op, fmt.Errorf("failed to query rows: %w", err))
	}
	if err := scanInto(rows, snap); err != nil {
		return nil, syncerr.Remote(op, err)
	}

	if err := tombstones(ctx, tx, snap, tables, after, head); err != nil {
		return nil, syncerr.Remote(op, err)
	}

	if scope == syncer.ScopeFeed && len(snap.Posts) > 0 {
		authors := make([]string, 0, len(snap.Posts))
		seen := make(map[string]bool)
		for _, p := range snap.Posts {
			if !seen[p.OwnerID] {
				seen[p.OwnerID] = true
				authors = append(authors, p.OwnerID)
			}
		}
		rows, err := tx.Query(ctx, `
			SELECT tbl, doc FROM feedsync_rows
			WHERE tbl = $1 AND id = ANY($2)
			ORDER BY id`, realtime.TableUsers, authors)
		if err != nil {
			return nil, syncerr.Remote(op, fmt.Errorf("failed to query authors: %w", err))
		}
		if err := scanInto(rows, snap); err != nil {
			return nil, syncerr.Remote(op, err)
		}
	}
	return snap, nil
}

// tombstones adds the keys of rows deleted in (after, head] that were not
// written again.
func tombstones(ctx context.Context, tx pgx.Tx, snap *syncer.Snapshot, tables []string, after, head int64) error {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT c.tbl, c.row_id FROM feedsync_changes c
		WHERE c.kind = $1 AND c.tbl = ANY($2) AND c.seq > $3 AND c.seq <= $4
		  AND c.row_id IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM feedsync_rows r WHERE r.tbl = c.tbl AND r.id = c.row_id)
		ORDER BY c.tbl, c.row_id`, string(realtime.Delete), tables, after, head)
	if err != nil {
		return fmt.Errorf("failed to query deletes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tbl, id string
		if err := rows.Scan(&tbl, &id); err != nil {
			return fmt.Errorf("failed to scan delete: %w", err)
		}
		if snap.Deleted == nil {
			snap.Deleted = make(map[string][]string)
		}
		snap.Deleted[tbl] = append(snap.Deleted[tbl], id)
	}
	return rows.Err()
}

// scanInto decodes (tbl, doc) rows into the matching snapshot slice.
func scanInto(rows pgx.Rows, snap *syncer.Snapshot) error {
	defer rows.Close()
	for rows.Next() {
		var (
			tbl string
			doc []byte
		)
		if err := rows.Scan(&tbl, &doc); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := appendDoc(snap, tbl, doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

func appendDoc(snap *syncer.Snapshot, tbl string, doc []byte) error {
	var err error
	switch tbl {
	case realtime.TableUsers:
		snap.Users, err = appendDecoded(snap.Users, doc)
	case realtime.TablePosts:
		snap.Posts, err = appendDecoded(snap.Posts, doc)
	case realtime.TableReactions:
		snap.Reactions, err = appendDecoded(snap.Reactions, doc)
	case realtime.TablePollVotes:
		snap.PollVotes, err = appendDecoded(snap.PollVotes, doc)
	case realtime.TableConversations:
		snap.Conversations, err = appendDecoded(snap.Conversations, doc)
	case realtime.TableMessages:
		snap.Messages, err = appendDecoded(snap.Messages, doc)
	case realtime.TableFeedItems:
		snap.FeedItems, err = appendDecoded(snap.FeedItems, doc)
	default:
		return fmt.Errorf("unknown table %q", tbl)
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s row: %w", tbl, err)
	}
	return nil
}

func appendDecoded[T any](dst []*T, doc []byte) ([]*T, error) {
	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return dst, err
	}
	return append(dst, &v), nil
}

// ChangesSince implements realtime.ChangeLog.
func (b *Backend) ChangesSince(ctx context.Context, table string, afterSeq int64, limit int) ([]realtime.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.pool.Query(ctx, `
		SELECT seq, kind, before, after FROM feedsync_changes
		WHERE tbl = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, table, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var out []realtime.ChangeEvent
	for rows.Next() {
		ev := realtime.ChangeEvent{Table: table}
		var kind string
		var before, after []byte
		if err := rows.Scan(&ev.Seq, &kind, &before, &after); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		ev.Kind = realtime.EventKind(kind)
		if len(before) > 0 {
			ev.Before = before
		}
		if len(after) > 0 {
			ev.After = after
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Seed writes every row of snap as a remote insert or update.
func (b *Backend) Seed(ctx context.Context, snap *syncer.Snapshot) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		w := &writer{ctx: ctx, tx: tx}
		for _, u := range snap.Users {
			if err := w.put(realtime.TableUsers, u.ID, u); err != nil {
				return err
			}
		}
		for _, c := range snap.Conversations {
			if err := w.put(realtime.TableConversations, c.ID, c); err != nil {
				return err
			}
		}
		for _, p := range snap.Posts {
			p.SyncStatus = ""
			if err := w.put(realtime.TablePosts, p.ID, p); err != nil {
				return err
			}
		}
		for _, r := range snap.Reactions {
			r.SyncStatus = ""
			if err := w.put(realtime.TableReactions, schema.CompositeKey(r.PostID, r.UserID), r); err != nil {
				return err
			}
		}
		for _, v := range snap.PollVotes {
			v.SyncStatus = ""
			if err := w.put(realtime.TablePollVotes, schema.CompositeKey(v.PostID, v.UserID), v); err != nil {
				return err
			}
		}
		for _, m := range snap.Messages {
			m.SyncStatus = ""
			if err := w.put(realtime.TableMessages, m.ID, m); err != nil {
				return err
			}
		}
		for _, f := range snap.FeedItems {
			if err := w.put(realtime.TableFeedItems, schema.CompositeKey(f.FeedType, f.PostID), f); err != nil {
				return err
			}
		}
		return nil
	})
}

// writer reads and writes documents inside one transaction.
type writer struct {
	ctx context.Context
	tx  pgx.Tx
}

// get loads tbl/id into v and locks the row. It reports false when the row
// does not exist.
func (w *writer) get(tbl, id string, v any) (bool, error) {
	var doc []byte
	err := w.tx.QueryRow(w.ctx, `SELECT doc FROM feedsync_rows WHERE tbl = $1 AND id = $2 FOR UPDATE`, tbl, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s %s: %w", tbl, id, err)
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return false, fmt.Errorf("failed to decode %s %s: %w", tbl, id, err)
	}
	return true, nil
}

// put upserts a document and logs the change.
func (w *writer) put(tbl, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", tbl, id, err)
	}

	var exists bool
	if err := w.tx.QueryRow(w.ctx, `SELECT EXISTS(SELECT 1 FROM feedsync_rows WHERE tbl = $1 AND id = $2)`, tbl, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s %s: %w", tbl, id, err)
	}
	kind := realtime.Insert
	if exists {
		kind = realtime.Update
	}

	var seq int64
	if err := w.tx.QueryRow(w.ctx, `
		INSERT INTO feedsync_changes (tbl, kind, after) VALUES ($1, $2, $3)
		RETURNING seq`, tbl, string(kind), doc).Scan(&seq); err != nil {
		return fmt.Errorf("failed to log change: %w", err)
	}
	if _, err := w.tx.Exec(w.ctx, `
		INSERT INTO feedsync_rows (tbl, id, doc, seq) VALUES ($1, $2, $3, $4)
		ON CONFLICT (tbl, id) DO UPDATE SET doc = EXCLUDED.doc, seq = EXCLUDED.seq`,
		tbl, id, doc, seq); err != nil {
		return fmt.Errorf("failed to write %s %s: %w", tbl, id, err)
	}
	return nil
}

// remove deletes a document and logs a delete carrying its last image.
func (w *writer) remove(tbl, id string) error {
	var doc []byte
	err := w.tx.QueryRow(w.ctx, `DELETE FROM feedsync_rows WHERE tbl = $1 AND id = $2 RETURNING doc`, tbl, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", tbl, id, err)
	}
	if _, err := w.tx.Exec(w.ctx, `INSERT INTO feedsync_changes (tbl, kind, before, row_id) VALUES ($1, $2, $3, $4)`,
		tbl, string(realtime.Delete), doc, id); err != nil {
		return fmt.Errorf("failed to log change: %w", err)
	}
	return nil
}

func (w *writer) nextID(prefix string) (string, error) {
	var n int64
	if err := w.tx.QueryRow(w.ctx, `SELECT nextval('feedsync_ids')`).Scan(&n); err != nil {
		return "", fmt.Errorf("failed to allocate id: %w", err)
	}
	return fmt.Sprintf("%s-%d", prefix, n), nil
}

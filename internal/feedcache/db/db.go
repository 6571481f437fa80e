// Package db is the embedded SQLite store behind the feed cache.
//
// The store mirrors the remote backend in normalized tables (users, posts,
// reactions, poll_votes, conversations, messages), keeps the materialized
// feed_items table, and holds the local outbox of optimistic writes.
//
// Architecture:
//   - Database file: feedsync.db (any path)
//   - WAL mode: readers never block the single writer
//   - Writes: serialized through Update, one transaction per unit of work
//   - Reads: the feed read path is one joined query (QueryPostRows)
//
// Every error leaving this package is a syncerr.StorageError, except
// validation failures (ValidationError) and context cancellation.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

// MetaOwner is the meta key holding the id of the viewer whose data the
// cache contains.
const MetaOwner = "owner_user_id"

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sqlx.DB
	path string

	// writeMu serializes writers inside the process. SQLite would serialize
	// them anyway; holding the lock here avoids SQLITE_BUSY retries.
	writeMu sync.Mutex

	// wipeHook is called before each table is cleared by Wipe. Tests use it
	// to interrupt a wipe midway.
	wipeHook func(table string) error
}

// Open creates or opens the database at path.
//
// Pragmas are passed in the DSN so every pooled connection gets them:
// WAL journaling, a 5s busy timeout, and immediate transactions so a writer
// takes the lock up front instead of failing on upgrade.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open("data/feedsync.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, syncerr.Storage("db.Open", fmt.Errorf("failed to create database directory: %w", err))
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)", path)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, syncerr.Storage("db.Open", fmt.Errorf("failed to open database: %w", err))
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, syncerr.Storage("db.Open", fmt.Errorf("failed to ping database: %w", err))
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// NewFromConn wraps an existing connection. It is used with sqlmock in
// tests; driverName selects the bind style.
func NewFromConn(conn *sql.DB, driverName string) *DB {
	return &DB{conn: sqlx.NewDb(conn, driverName)}
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn.DB
}

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != "" {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return syncerr.Storage("db.Close", fmt.Errorf("failed to close database: %w", err))
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return syncerr.Storage("db.InitSchema", fmt.Errorf("failed to initialize schema: %w", err))
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT,
	verified INTEGER NOT NULL DEFAULT 0,
	suspended INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	quoted_post_id TEXT,
	reposted_post_id TEXT,
	parent_post_id TEXT,
	media TEXT,  -- JSON array of {url, kind}
	poll TEXT,   -- JSON {choices, expires_at}
	like_count INTEGER NOT NULL DEFAULT 0,
	dislike_count INTEGER NOT NULL DEFAULT 0,
	laugh_count INTEGER NOT NULL DEFAULT 0,
	repost_count INTEGER NOT NULL DEFAULT 0,
	reply_count INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	sync_status TEXT NOT NULL DEFAULT 'synced',
	created_at TEXT NOT NULL,
	updated_at TEXT
);

CREATE TABLE IF NOT EXISTS reactions (
	post_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	sync_status TEXT NOT NULL DEFAULT 'synced',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (post_id, user_id)
);

CREATE TABLE IF NOT EXISTS poll_votes (
	post_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	choice_index INTEGER NOT NULL,
	sync_status TEXT NOT NULL DEFAULT 'synced',
	created_at TEXT NOT NULL,
	PRIMARY KEY (post_id, user_id)
);

CREATE TABLE IF NOT EXISTS feed_items (
	feed_type TEXT NOT NULL,
	post_id TEXT NOT NULL,
	rank_score REAL NOT NULL,
	inserted_at TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT 'bulk',
	PRIMARY KEY (feed_type, post_id)
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	owner_id TEXT,
	participants TEXT NOT NULL,  -- JSON array
	admins TEXT,                 -- JSON array, channels only
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	media TEXT,
	sync_status TEXT NOT NULL DEFAULT 'synced',
	created_at TEXT NOT NULL,
	updated_at TEXT
);

-- Outbox of optimistic writes waiting for the remote
CREATE TABLE IF NOT EXISTS pending_mutations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	post_id TEXT,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TEXT NOT NULL,
	counters_applied INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS conflict_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	mutation_id TEXT,
	resolution TEXT NOT NULL,
	detected_at TEXT NOT NULL
);

-- Remote cursors per pull scope. No wall-clock columns, so an unchanged
-- pull rewrites identical values.
CREATE TABLE IF NOT EXISTS sync_state (
	scope TEXT PRIMARY KEY,
	cursor TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_posts_owner ON posts(owner_id);
CREATE INDEX IF NOT EXISTS idx_posts_status ON posts(sync_status) WHERE sync_status != 'synced';
CREATE INDEX IF NOT EXISTS idx_feed_rank ON feed_items(feed_type, rank_score DESC);
CREATE INDEX IF NOT EXISTS idx_feed_post ON feed_items(post_id);
CREATE INDEX IF NOT EXISTS idx_reactions_user ON reactions(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_mutations_status ON pending_mutations(status);
CREATE INDEX IF NOT EXISTS idx_mutations_entity ON pending_mutations(entity_id);
`

// Tables lists every cached table. Wipe clears them in this order.
var Tables = []string{
	"feed_items",
	"reactions",
	"poll_votes",
	"messages",
	"conversations",
	"posts",
	"users",
	"pending_mutations",
	"conflict_log",
	"sync_state",
	"meta",
}

// Tx is one unit of work. Inside Update it wraps a write transaction; inside
// View it reads straight from the pool.
type Tx struct {
	ctx context.Context
	q   sqlx.ExtContext
}

// Context returns the context the unit of work runs under.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Update runs fn inside a write transaction. The transaction commits if fn
// returns nil and rolls back on error or when ctx is cancelled. Writers are
// serialized.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	sqlTx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return syncerr.Boundary("db.Update", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{ctx: ctx, q: sqlTx}); err != nil {
		return syncerr.Boundary("db.Update", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return syncerr.Boundary("db.Update", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// View runs fn with read access. Each statement sees a consistent snapshot;
// use a single query when several tables must agree.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := fn(&Tx{ctx: ctx, q: db.conn}); err != nil {
		return syncerr.Boundary("db.View", err)
	}
	return nil
}

// Wipe deletes every cached row in one transaction. Either all tables are
// cleared or none are. If the cache records an owner, userID must match it.
func (db *DB) Wipe(ctx context.Context, userID string) error {
	return db.Update(ctx, func(tx *Tx) error {
		owner, ok, err := tx.GetMeta(MetaOwner)
		if err != nil {
			return err
		}
		if ok && userID != "" && owner != userID {
			return syncerr.Validation("db.Wipe", "cache belongs to %s, not %s", owner, userID)
		}
		for _, table := range Tables {
			if db.wipeHook != nil {
				if err := db.wipeHook(table); err != nil {
					return err
				}
			}
			if _, err := tx.q.ExecContext(tx.ctx, "DELETE FROM "+table); err != nil {
				return syncerr.Storage("db.Wipe", fmt.Errorf("failed to clear %s: %w", table, err))
			}
		}
		return nil
	})
}

// Counts returns the number of rows in every cached table.
func (db *DB) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(Tables))
	for _, table := range Tables {
		var n int
		if err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table); err != nil {
			return nil, syncerr.Storage("db.Counts", fmt.Errorf("failed to count %s: %w", table, err))
		}
		counts[table] = n
	}
	return counts, nil
}

// GetMeta reads a meta value.
func (tx *Tx) GetMeta(key string) (string, bool, error) {
	var value string
	err := sqlx.GetContext(tx.ctx, tx.q, &value, "SELECT value FROM meta WHERE key = ?", key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, syncerr.Storage("db.GetMeta", fmt.Errorf("failed to read meta %s: %w", key, err))
	}
	return value, true, nil
}

// SetMeta writes a meta value.
func (tx *Tx) SetMeta(key, value string) error {
	_, err := tx.q.ExecContext(tx.ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return syncerr.Storage("db.SetMeta", fmt.Errorf("failed to write meta %s: %w", key, err))
	}
	return nil
}

// GetCursor returns the remote cursor stored for a pull scope.
func (tx *Tx) GetCursor(scope string) (string, error) {
	var cursor string
	err := sqlx.GetContext(tx.ctx, tx.q, &cursor, "SELECT cursor FROM sync_state WHERE scope = ?", scope)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", syncerr.Storage("db.GetCursor", fmt.Errorf("failed to read cursor %s: %w", scope, err))
	}
	return cursor, nil
}

// SetCursor stores the remote cursor for a pull scope. Writing the same
// cursor twice leaves the row unchanged.
func (tx *Tx) SetCursor(scope, cursor string) error {
	_, err := tx.q.ExecContext(tx.ctx, `
	INSERT INTO sync_state (scope, cursor) VALUES (?, ?)
	ON CONFLICT(scope) DO UPDATE SET cursor = excluded.cursor
	WHERE sync_state.cursor != excluded.cursor
	`, scope, cursor)
	if err != nil {
		return syncerr.Storage("db.SetCursor", fmt.Errorf("failed to write cursor %s: %w", scope, err))
	}
	return nil
}

// SyncStatusOf returns the sync status of a row and whether it exists.
// Tables without local writes report synced. Composite ids use
// schema.CompositeKey.
func (tx *Tx) SyncStatusOf(table, id string) (schema.SyncStatus, bool, error) {
	var query string
	var args []any

	switch table {
	case "posts", "messages":
		query = "SELECT sync_status FROM " + table + " WHERE id = ?"
		args = []any{id}
	case "reactions", "poll_votes":
		parts, err := schema.SplitKey(id, 2)
		if err != nil {
			return "", false, syncerr.ValidationWrap("db.SyncStatusOf", err)
		}
		query = "SELECT sync_status FROM " + table + " WHERE post_id = ? AND user_id = ?"
		args = []any{parts[0], parts[1]}
	case "feed_items":
		parts, err := schema.SplitKey(id, 2)
		if err != nil {
			return "", false, syncerr.ValidationWrap("db.SyncStatusOf", err)
		}
		query = "SELECT 'synced' FROM feed_items WHERE feed_type = ? AND post_id = ?"
		args = []any{parts[0], parts[1]}
	case "users", "conversations":
		query = "SELECT 'synced' FROM " + table + " WHERE id = ?"
		args = []any{id}
	default:
		return "", false, syncerr.Validation("db.SyncStatusOf", "unknown table %q", table)
	}

	var status string
	err := sqlx.GetContext(tx.ctx, tx.q, &status, query, args...)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, syncerr.Storage("db.SyncStatusOf", fmt.Errorf("failed to read status of %s/%s: %w", table, id, err))
	}
	return schema.SyncStatus(status), true, nil
}

// exec runs a write statement and wraps failures.
func (tx *Tx) exec(op, query string, args ...any) (sql.Result, error) {
	res, err := tx.q.ExecContext(tx.ctx, query, args...)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}
	return res, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: schema.FormatTime(*t), Valid: true}
}

func nullStringToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := schema.ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

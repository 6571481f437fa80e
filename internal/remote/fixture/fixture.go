// Package fixture is an in-memory remote backed by JSONL files.
//
// It implements syncer.Backend and realtime.ChangeLog, so a cache can be
// synced and kept live without a server. Every accepted write is appended
// to a change log with a per-backend sequence number; Pull cursors and
// ChangesSince both use that sequence.
//
// A fixture directory holds one JSONL file per table (users.jsonl,
// posts.jsonl, ...). Missing files are empty tables.
package fixture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quillsocial/feedsync/internal/feedcache/realtime"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncer"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

// ErrInjected is the cause of failures added with FailNext.
var ErrInjected = errors.New("injected remote failure")

// Config holds backend settings.
type Config struct {
	// Dir is where Save writes. Empty disables persistence.
	Dir string

	// Latency is added to every Pull and Push.
	Latency time.Duration

	// Now stamps server-side writes (default: time.Now).
	Now func() time.Time

	Logger *log.Logger
}

// DefaultConfig returns default backend settings.
func DefaultConfig() *Config {
	return &Config{
		Now:    time.Now,
		Logger: log.New(os.Stderr, "[fixture] ", log.LstdFlags),
	}
}

// Stats counts calls.
type Stats struct {
	Pulls  int
	Pushes int
	Failed int
}

// Backend is the fixture remote. It is safe for concurrent use.
type Backend struct {
	config *Config

	mu        sync.Mutex
	users     map[string]*schema.User
	posts     map[string]*schema.Post
	reactions map[string]*schema.Reaction
	votes     map[string]*schema.PollVote
	convs     map[string]*schema.Conversation
	msgs      map[string]*schema.Message
	items     map[string]*schema.FeedItem

	seq     int64
	seqOf   map[string]int64
	changes []realtime.ChangeEvent
	nextID  int
	failN   int
	failErr error
	stats   Stats
}

// New creates an empty backend. A nil config uses DefaultConfig.
func New(config *Config) *Backend {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Backend{
		config:    config,
		users:     make(map[string]*schema.User),
		posts:     make(map[string]*schema.Post),
		reactions: make(map[string]*schema.Reaction),
		votes:     make(map[string]*schema.PollVote),
		convs:     make(map[string]*schema.Conversation),
		msgs:      make(map[string]*schema.Message),
		items:     make(map[string]*schema.FeedItem),
		seqOf:     make(map[string]int64),
	}
}

// Open loads a fixture directory. Rows loaded from disk are recorded as
// inserts so the first Pull returns them all.
func Open(dir string, config *Config) (*Backend, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.Dir = dir
	b := New(config)
	snap, err := readDir(dir)
	if err != nil {
		return nil, err
	}
	if err := b.Seed(snap); err != nil {
		return nil, err
	}
	return b, nil
}

// Seed inserts every row of snap as a remote write.
func (b *Backend) Seed(snap *syncer.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, u := range snap.Users {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("invalid user %s: %w", u.ID, err)
		}
		b.putUser(cloneOf(u))
	}
	for _, c := range snap.Conversations {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid conversation %s: %w", c.ID, err)
		}
		b.putConversation(cloneOf(c))
	}
	for _, p := range snap.Posts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid post %s: %w", p.ID, err)
		}
		b.putPost(cloneOf(p), realtime.Insert)
	}
	for _, r := range snap.Reactions {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid reaction %s/%s: %w", r.PostID, r.UserID, err)
		}
		b.putReaction(cloneOf(r))
	}
	for _, v := range snap.PollVotes {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid vote %s/%s: %w", v.PostID, v.UserID, err)
		}
		b.putVote(cloneOf(v))
	}
	for _, m := range snap.Messages {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("invalid message %s: %w", m.ID, err)
		}
		b.putMessage(cloneOf(m), realtime.Insert)
	}
	for _, f := range snap.FeedItems {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("invalid feed item %s/%s: %w", f.FeedType, f.PostID, err)
		}
		b.putFeedItem(cloneOf(f))
	}
	return nil
}

// FailNext makes the next n Pull or Push calls fail with err wrapped as a
// remote error. A nil err uses ErrInjected.
func (b *Backend) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	b.failN = n
	b.failErr = err
}

// Stats returns call counters.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Seq returns the current change sequence.
func (b *Backend) Seq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Post returns the remote copy of a post.
func (b *Backend) Post(id string) (*schema.Post, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.posts[id]
	if !ok {
		return nil, false
	}
	return cloneOf(p), true
}

// UpdatePost changes a post as another client would and records the
// change. fn must not keep p.
func (b *Backend) UpdatePost(id string, fn func(p *schema.Post)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.posts[id]
	if !ok {
		return fmt.Errorf("post %s not found", id)
	}
	next := cloneOf(p)
	fn(next)
	now := b.config.Now().UTC()
	next.UpdatedAt = &now
	b.putPost(next, realtime.Update)
	return nil
}

// Remove hard-deletes a row as another client or a moderator would and
// records the delete. Composite keys use schema.CompositeKey. Posts and
// users are never removed; posts are soft-deleted with UpdatePost.
func (b *Backend) Remove(table, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var before any
	switch table {
	case realtime.TableReactions:
		if r, ok := b.reactions[id]; ok {
			before = r
			delete(b.reactions, id)
		}
	case realtime.TablePollVotes:
		if v, ok := b.votes[id]; ok {
			before = v
			delete(b.votes, id)
		}
	case realtime.TableFeedItems:
		if f, ok := b.items[id]; ok {
			before = f
			delete(b.items, id)
		}
	case realtime.TableConversations:
		if c, ok := b.convs[id]; ok {
			before = c
			delete(b.convs, id)
		}
	case realtime.TableMessages:
		if m, ok := b.msgs[id]; ok {
			before = m
			delete(b.msgs, id)
		}
	default:
		return fmt.Errorf("rows of %s cannot be removed", table)
	}
	if before == nil {
		return fmt.Errorf("%s row %s not found", table, id)
	}
	b.record(table, id, realtime.Delete, before, nil)
	return nil
}

func (b *Backend) wait(ctx context.Context) error {
	if b.config.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.config.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// injected consumes one scheduled failure. Caller holds mu.
func (b *Backend) injected(op string) error {
	if b.failN <= 0 {
		return nil
	}
	b.failN--
	b.stats.Failed++
	return syncerr.Remote(op, b.failErr)
}

// Pull implements syncer.Backend. The cursor is the change sequence of the
// previous pull; rows changed after it are returned.
func (b *Backend) Pull(ctx context.Context, scope syncer.Scope, cursor string) (*syncer.Snapshot, error) {
	const op = "fixture.Pull"
	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	var after int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, syncerr.Validation(op, "invalid cursor %q", cursor)
		}
		after = n
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Pulls++
	if err := b.injected(op); err != nil {
		return nil, err
	}

	snap := &syncer.Snapshot{Scope: scope, Cursor: strconv.FormatInt(b.seq, 10)}
	changed := func(table, id string) bool { return b.seqOf[table+"/"+id] > after }

	switch scope {
	case syncer.ScopeFeed:
		snap.Posts = collect(b.posts, func(p *schema.Post) bool { return changed(realtime.TablePosts, p.ID) })
		snap.Reactions = collect(b.reactions, func(r *schema.Reaction) bool {
			return changed(realtime.TableReactions, schema.CompositeKey(r.PostID, r.UserID))
		})
		snap.PollVotes = collect(b.votes, func(v *schema.PollVote) bool {
			return changed(realtime.TablePollVotes, schema.CompositeKey(v.PostID, v.UserID))
		})
		snap.FeedItems = collect(b.items, func(f *schema.FeedItem) bool {
			return changed(realtime.TableFeedItems, schema.CompositeKey(f.FeedType, f.PostID))
		})
		authors := make(map[string]bool)
		for _, p := range snap.Posts {
			authors[p.OwnerID] = true
		}
		snap.Users = collect(b.users, func(u *schema.User) bool { return authors[u.ID] })
		snap.Deleted = b.tombstones(after,
			realtime.TableReactions, realtime.TablePollVotes, realtime.TableFeedItems)
	case syncer.ScopeProfiles:
		snap.Users = collect(b.users, func(u *schema.User) bool { return changed(realtime.TableUsers, u.ID) })
	case syncer.ScopeConversations:
		snap.Conversations = collect(b.convs, func(c *schema.Conversation) bool {
			return changed(realtime.TableConversations, c.ID)
		})
		snap.Messages = collect(b.msgs, func(m *schema.Message) bool { return changed(realtime.TableMessages, m.ID) })
		snap.Deleted = b.tombstones(after, realtime.TableConversations, realtime.TableMessages)
	default:
		return nil, syncerr.Validation(op, "unknown scope %q", scope)
	}
	return snap, nil
}

// tombstones returns the keys of rows in tables that changed after the
// cursor and no longer exist. Caller holds mu.
func (b *Backend) tombstones(after int64, tables ...string) map[string][]string {
	var out map[string][]string
	for key, seq := range b.seqOf {
		if seq <= after {
			continue
		}
		table, id, _ := strings.Cut(key, "/")
		if !slices.Contains(tables, table) || b.exists(table, id) {
			continue
		}
		if out == nil {
			out = make(map[string][]string)
		}
		out[table] = append(out[table], id)
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

// exists reports whether table still holds id. Caller holds mu.
func (b *Backend) exists(table, id string) bool {
	var ok bool
	switch table {
	case realtime.TableUsers:
		_, ok = b.users[id]
	case realtime.TablePosts:
		_, ok = b.posts[id]
	case realtime.TableReactions:
		_, ok = b.reactions[id]
	case realtime.TablePollVotes:
		_, ok = b.votes[id]
	case realtime.TableConversations:
		_, ok = b.convs[id]
	case realtime.TableMessages:
		_, ok = b.msgs[id]
	case realtime.TableFeedItems:
		_, ok = b.items[id]
	}
	return ok
}

// collect returns clones of the rows keep accepts, ordered by map key.
func collect[T any](rows map[string]*T, keep func(*T) bool) []*T {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*T
	for _, k := range keys {
		if keep(rows[k]) {
			out = append(out, cloneOf(rows[k]))
		}
	}
	return out
}

// ChangesSince implements realtime.ChangeLog.
func (b *Backend) ChangesSince(ctx context.Context, table string, afterSeq int64, limit int) ([]realtime.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	i := sort.Search(len(b.changes), func(i int) bool { return b.changes[i].Seq > afterSeq })
	var out []realtime.ChangeEvent
	for ; i < len(b.changes); i++ {
		if b.changes[i].Table != table {
			continue
		}
		out = append(out, b.changes[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// serverID assigns an authoritative id to rows created with a temporary
// one.
func (b *Backend) serverID(prefix, id string) string {
	if !strings.HasPrefix(id, syncer.TempIDPrefix) {
		return id
	}
	b.nextID++
	return fmt.Sprintf("%s-%d", prefix, b.nextID)
}

// record appends a change for table/id. Caller holds mu.
func (b *Backend) record(table, id string, kind realtime.EventKind, before, after any) {
	b.seq++
	b.seqOf[table+"/"+id] = b.seq
	ev := realtime.ChangeEvent{Table: table, Kind: kind, Seq: b.seq}
	if before != nil {
		ev.Before = mustJSON(before)
	}
	if after != nil {
		ev.After = mustJSON(after)
	}
	b.changes = append(b.changes, ev)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("fixture: marshal %T: %v", v, err))
	}
	return data
}

// cloneOf deep-copies a row through JSON.
func cloneOf[T any](v *T) *T {
	var out T
	if err := json.Unmarshal(mustJSON(v), &out); err != nil {
		panic(fmt.Sprintf("fixture: clone %T: %v", v, err))
	}
	return &out
}

func (b *Backend) putUser(u *schema.User) {
	kind := realtime.Update
	if _, ok := b.users[u.ID]; !ok {
		kind = realtime.Insert
	}
	b.users[u.ID] = u
	b.record(realtime.TableUsers, u.ID, kind, nil, u)
}

func (b *Backend) putConversation(c *schema.Conversation) {
	kind := realtime.Update
	if _, ok := b.convs[c.ID]; !ok {
		kind = realtime.Insert
	}
	b.convs[c.ID] = c
	b.record(realtime.TableConversations, c.ID, kind, nil, c)
}

func (b *Backend) putPost(p *schema.Post, kind realtime.EventKind) {
	p.SyncStatus = ""
	b.posts[p.ID] = p
	b.record(realtime.TablePosts, p.ID, kind, nil, p)
}

func (b *Backend) putReaction(r *schema.Reaction) {
	r.SyncStatus = ""
	key := schema.CompositeKey(r.PostID, r.UserID)
	kind := realtime.Update
	if _, ok := b.reactions[key]; !ok {
		kind = realtime.Insert
	}
	b.reactions[key] = r
	b.record(realtime.TableReactions, key, kind, nil, r)
}

func (b *Backend) putVote(v *schema.PollVote) {
	v.SyncStatus = ""
	key := schema.CompositeKey(v.PostID, v.UserID)
	b.votes[key] = v
	b.record(realtime.TablePollVotes, key, realtime.Insert, nil, v)
}

func (b *Backend) putMessage(m *schema.Message, kind realtime.EventKind) {
	m.SyncStatus = ""
	b.msgs[m.ID] = m
	b.record(realtime.TableMessages, m.ID, kind, nil, m)
}

func (b *Backend) putFeedItem(f *schema.FeedItem) {
	key := schema.CompositeKey(f.FeedType, f.PostID)
	kind := realtime.Update
	if _, ok := b.items[key]; !ok {
		kind = realtime.Insert
	}
	b.items[key] = f
	b.record(realtime.TableFeedItems, key, kind, nil, f)
}

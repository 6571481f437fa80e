package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/quillsocial/feedsync/internal/feedcache/db"
	"github.com/quillsocial/feedsync/internal/feedcache/events"
	"github.com/quillsocial/feedsync/internal/feedcache/materialize"
	"github.com/quillsocial/feedsync/internal/feedcache/realtime"
	"github.com/quillsocial/feedsync/internal/feedcache/reconcile"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
	"github.com/quillsocial/feedsync/internal/metrics"
)

var tracer = otel.Tracer("feedsync/syncer")

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("sync engine closed")

// State is the engine's pass state.
type State int

const (
	StateIdle State = iota
	StateSyncing
)

func (s State) String() string {
	if s == StateSyncing {
		return "syncing"
	}
	return "idle"
}

// Config holds engine settings.
type Config struct {
	// Scopes are pulled on every pass (default: DefaultScopes).
	Scopes []Scope

	// PushTimeout bounds one push including retries. A push that is not
	// acknowledged in time leaves its row in conflict (default: 10s).
	PushTimeout time.Duration

	// MaxAttempts caps tries per remote call (default: 4).
	MaxAttempts uint

	// InitialBackoff and MaxBackoff shape the retry delay
	// (defaults: 200ms, 5s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger *log.Logger
}

// DefaultConfig returns default engine settings.
func DefaultConfig() *Config {
	return &Config{
		Scopes:         DefaultScopes,
		PushTimeout:    10 * time.Second,
		MaxAttempts:    4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Logger:         log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Status describes the engine for display.
type Status struct {
	State     State
	LastSync  time.Time
	LastError error
	Outbox    int
	Conflicts int
	Deferred  int
}

// Engine runs sync passes and local mutations.
type Engine struct {
	store   *db.DB
	mat     *materialize.Materializer
	rec     *reconcile.Manager
	bus     *events.Bus
	backend Backend
	viewer  ViewerFunc
	config  *Config

	mu         sync.Mutex
	state      State
	trailing   bool
	cancelPass context.CancelFunc
	lastSync   time.Time
	lastErr    error
	closed     bool

	bg     context.Context
	stopBg context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. bus may be nil; viewer may be nil when no user is
// signed in, in which case mutations are rejected.
func New(store *db.DB, mat *materialize.Materializer, rec *reconcile.Manager, bus *events.Bus, backend Backend, viewer ViewerFunc, config *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if mat == nil || rec == nil {
		return nil, fmt.Errorf("materializer and reconciler are required")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}

	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if len(config.Scopes) == 0 {
		config.Scopes = defaults.Scopes
	}
	if config.PushTimeout <= 0 {
		config.PushTimeout = defaults.PushTimeout
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = max(defaults.MaxBackoff, config.InitialBackoff)
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if viewer == nil {
		viewer = func() (string, bool) { return "", false }
	}

	bg, stop := context.WithCancel(context.Background())
	return &Engine{
		store:   store,
		mat:     mat,
		rec:     rec,
		bus:     bus,
		backend: backend,
		viewer:  viewer,
		config:  config,
		bg:      bg,
		stopBg:  stop,
	}, nil
}

// State returns whether a pass is running.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status reports the pass state and outbox size.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	e.mu.Lock()
	st := &Status{State: e.state, LastSync: e.lastSync, LastError: e.lastErr}
	e.mu.Unlock()

	err := e.store.View(ctx, func(tx *db.Tx) error {
		all, err := tx.ListMutations("")
		if err != nil {
			return err
		}
		st.Outbox = len(all)
		for _, m := range all {
			if m.Status == schema.MutationConflict {
				st.Conflicts++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	st.Deferred = e.rec.DeferredCount()
	return st, nil
}

// StartSync runs a sync pass and returns when it completes. If a pass is
// already running, the request is folded into one trailing pass and
// StartSync returns nil immediately.
//
// Cancelling ctx aborts the pass; the snapshot being applied rolls back.
func (e *Engine) StartSync(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state == StateSyncing {
		e.trailing = true
		e.mu.Unlock()
		metrics.SyncRequestsCoalesced.Inc()
		return nil
	}
	e.state = StateSyncing
	e.mu.Unlock()

	for {
		passCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.cancelPass = cancel
		e.mu.Unlock()

		err := e.pass(passCtx)
		cancel()

		e.mu.Lock()
		e.cancelPass = nil
		e.lastErr = err
		if err == nil {
			e.lastSync = time.Now()
		}
		if e.trailing && ctx.Err() == nil && !e.closed {
			e.trailing = false
			e.mu.Unlock()
			continue
		}
		e.trailing = false
		e.state = StateIdle
		e.mu.Unlock()
		return err
	}
}

// RequestSync asks for a pass without waiting for it.
func (e *Engine) RequestSync() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.StartSync(e.bg); err != nil && !errors.Is(err, context.Canceled) {
			e.config.Logger.Printf("Warning: sync pass failed: %v", err)
		}
	}()
}

// CancelSync aborts the running pass and drops any trailing request.
func (e *Engine) CancelSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trailing = false
	if e.cancelPass != nil {
		e.cancelPass()
	}
}

// Close cancels background work and waits for it to stop.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.trailing = false
	if e.cancelPass != nil {
		e.cancelPass()
	}
	e.mu.Unlock()

	e.stopBg()
	e.wg.Wait()
	return nil
}

func (e *Engine) pass(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "syncer.pass")
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, context.Canceled):
			result = "cancelled"
		case err != nil:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.SyncPasses.WithLabelValues(result).Inc()
		metrics.ObserveSince(metrics.SyncPassDuration, start)
		span.End()
	}()

	if err := e.flushOutbox(ctx); err != nil {
		return syncerr.Boundary("syncer.StartSync", err)
	}

	snaps, err := e.pullAll(ctx)
	if err != nil {
		return err
	}

	rows := 0
	for _, snap := range snaps {
		if err := e.applySnapshot(ctx, snap); err != nil {
			return syncerr.Boundary("syncer.StartSync", err)
		}
		rows += snap.Rows()
	}
	span.SetAttributes(attribute.Int("rows", rows))

	if _, err := e.mat.RebuildAll(ctx); err != nil {
		return syncerr.Boundary("syncer.StartSync", err)
	}
	e.notify(ctx, events.Event{Kind: events.FeedUpdated})

	e.config.Logger.Printf("Sync pass complete: scopes=%d rows=%d in %v",
		len(snaps), rows, time.Since(start).Round(time.Millisecond))
	return nil
}

// pullAll pulls every scope concurrently. The first failure cancels the
// others.
func (e *Engine) pullAll(ctx context.Context) ([]*Snapshot, error) {
	scopes := e.config.Scopes
	cursors := make([]string, len(scopes))
	err := e.store.View(ctx, func(tx *db.Tx) error {
		for i, scope := range scopes {
			c, err := tx.GetCursor(string(scope))
			if err != nil {
				return err
			}
			cursors[i] = c
		}
		return nil
	})
	if err != nil {
		return nil, syncerr.Boundary("syncer.StartSync", err)
	}

	snaps := make([]*Snapshot, len(scopes))
	g, gctx := errgroup.WithContext(ctx)
	for i, scope := range scopes {
		g.Go(func() error {
			snap, err := e.pull(gctx, scope, cursors[i])
			if err != nil {
				return err
			}
			snap.Scope = scope
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return snaps, nil
}

func (e *Engine) pull(ctx context.Context, scope Scope, cursor string) (*Snapshot, error) {
	op := func() (*Snapshot, error) {
		snap, err := e.backend.Pull(ctx, scope, cursor)
		if err != nil {
			return nil, retryable(err)
		}
		if snap == nil {
			return nil, backoff.Permanent(fmt.Errorf("backend returned no snapshot"))
		}
		return snap, nil
	}

	snap, err := backoff.Retry(ctx, op, e.retryOptions("pull")...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, syncerr.Remote("syncer.pull", fmt.Errorf("failed to pull %s: %w", scope, err))
	}
	return snap, nil
}

// retryable marks rejections as permanent so backoff stops on them.
func retryable(err error) error {
	if errors.Is(err, syncerr.ErrValidation) || errors.Is(err, syncerr.ErrConflict) {
		return backoff.Permanent(err)
	}
	return err
}

func (e *Engine) retryOptions(op string) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.InitialBackoff
	b.MaxInterval = e.config.MaxBackoff
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.config.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.RemoteRetries.WithLabelValues(op).Inc()
			e.config.Logger.Printf("Retrying %s in %v: %v", op, next, err)
		}),
	}
}

// applySnapshot writes one scope in one transaction. Rows with an
// outstanding local write are handed to the reconciler instead.
func (e *Engine) applySnapshot(ctx context.Context, snap *Snapshot) error {
	var (
		held  []realtime.ChangeEvent
		gone  []reconcile.Ref
		notes []events.Event
	)

	err := e.store.Update(ctx, func(tx *db.Tx) error {
		held, gone, notes = nil, nil, nil

		// Deletes win over local state, as they do for realtime events.
		for _, table := range sortedTables(snap.Deleted) {
			for _, id := range snap.Deleted[table] {
				ref := reconcile.Ref{Table: table, ID: id}
				if err := e.rec.ApplyDelete(tx, ref, &notes); err != nil {
					return err
				}
				gone = append(gone, ref)
			}
		}

		hold := func(table, id string, row any) (bool, error) {
			status, exists, err := tx.SyncStatusOf(table, id)
			if err != nil || !exists || !status.Unsettled() {
				return false, err
			}
			data, err := json.Marshal(row)
			if err != nil {
				return false, syncerr.Storage("syncer.applySnapshot", err)
			}
			held = append(held, realtime.ChangeEvent{Table: table, Kind: realtime.Update, After: data})
			return true, nil
		}

		for _, u := range snap.Users {
			if err := tx.UpsertUser(u); err != nil {
				return err
			}
		}
		for _, p := range snap.Posts {
			if parked, err := hold(realtime.TablePosts, p.ID, p); err != nil || parked {
				if err != nil {
					return err
				}
				continue
			}
			cp := *p
			cp.SyncStatus = schema.StatusSynced
			if err := tx.UpsertPost(&cp); err != nil {
				return err
			}
			if err := tx.SettleCounters(p.ID); err != nil {
				return err
			}
		}
		for _, r := range snap.Reactions {
			if parked, err := hold(realtime.TableReactions, schema.CompositeKey(r.PostID, r.UserID), r); err != nil || parked {
				if err != nil {
					return err
				}
				continue
			}
			cp := *r
			cp.SyncStatus = schema.StatusSynced
			if err := tx.UpsertReaction(&cp); err != nil {
				return err
			}
		}
		for _, v := range snap.PollVotes {
			if parked, err := hold(realtime.TablePollVotes, schema.CompositeKey(v.PostID, v.UserID), v); err != nil || parked {
				if err != nil {
					return err
				}
				continue
			}
			cp := *v
			cp.SyncStatus = schema.StatusSynced
			if err := tx.UpsertPollVote(&cp); err != nil {
				return err
			}
		}
		for _, c := range snap.Conversations {
			if err := tx.UpsertConversation(c); err != nil {
				return err
			}
		}
		for _, msg := range snap.Messages {
			_, exists, err := tx.SyncStatusOf(realtime.TableMessages, msg.ID)
			if err != nil {
				return err
			}
			if parked, err := hold(realtime.TableMessages, msg.ID, msg); err != nil || parked {
				if err != nil {
					return err
				}
				continue
			}
			cp := *msg
			cp.SyncStatus = schema.StatusSynced
			if err := tx.UpsertMessage(&cp); err != nil {
				return err
			}
			if !exists {
				notes = append(notes, events.Event{Kind: events.NewMessage, ConversationID: cp.ConversationID, Message: &cp})
			}
		}
		for _, item := range snap.FeedItems {
			cp := *item
			cp.Source = schema.SourceRemote
			if cp.InsertedAt.IsZero() {
				cp.InsertedAt = time.Now()
			}
			if err := tx.UpsertFeedItem(&cp); err != nil {
				return err
			}
		}

		if snap.Cursor != "" {
			return tx.SetCursor(string(snap.Scope), snap.Cursor)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply %s snapshot: %w", snap.Scope, err)
	}

	for _, ref := range gone {
		e.rec.Forget(ref)
	}
	for _, ev := range held {
		ref, err := reconcile.RefOf(ev)
		if err != nil {
			continue
		}
		e.rec.Defer(ref, ev)
	}
	if len(held) > 0 {
		e.config.Logger.Printf("Held %d %s rows behind local writes", len(held), snap.Scope)
	}
	for _, n := range notes {
		e.notify(ctx, n)
	}
	return nil
}

func sortedTables(deleted map[string][]string) []string {
	tables := make([]string, 0, len(deleted))
	for table := range deleted {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

func (e *Engine) notify(ctx context.Context, ev events.Event) {
	if e.bus != nil {
		e.bus.Notify(ctx, ev)
	}
}

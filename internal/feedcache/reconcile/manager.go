// Package reconcile applies remote change events to the local store
// without clobbering local writes that are still in flight.
//
// Every watched row id moves from unknown to tracked on its first event.
// For each event the manager looks at the local row:
//
//	no row                      → insert
//	row pending or conflicted   → hold the event in the id's single slot
//	row synced                  → merge (remote is authoritative)
//	delete event                → delete now, whatever the row state
//
// A held event is replayed when the local write resolves: on ack it is
// merged over the acknowledged row; on failure it is applied remote-wins
// and the conflict is logged. A newer event for a held id replaces the
// older one, so a burst of remote traffic never grows the buffer.
//
// Each event is one store transaction, including the feed patch it
// triggers, so readers never see a post without its rescored feed rows.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quillsocial/feedsync/internal/feedcache/db"
	"github.com/quillsocial/feedsync/internal/feedcache/events"
	"github.com/quillsocial/feedsync/internal/feedcache/materialize"
	"github.com/quillsocial/feedsync/internal/feedcache/realtime"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
	"github.com/quillsocial/feedsync/internal/metrics"
)

var tracer = otel.Tracer("feedsync/reconcile")

// Ref identifies a watched row. Rows with a composite key use
// schema.CompositeKey for ID.
type Ref struct {
	Table string
	ID    string
}

func (r Ref) String() string { return r.Table + "/" + r.ID }

// State is the tracking state of a row id.
type State int

const (
	StateUnknown State = iota
	StateTracked
)

// Outcome is how a local write ended.
type Outcome int

const (
	Acked Outcome = iota
	Failed
)

// Config holds manager settings.
type Config struct {
	// NotifyTimeout bounds how long a write waits on a full subscriber
	// queue before its notification is dropped.
	NotifyTimeout time.Duration

	// Viewer reports the signed-in user. When set, events that arrive with
	// nobody signed in are dropped so a wiped cache stays empty.
	Viewer func() (string, bool)

	Logger *log.Logger
}

// DefaultConfig returns default manager settings.
func DefaultConfig() *Config {
	return &Config{
		NotifyTimeout: time.Second,
		Logger:        log.New(os.Stderr, "[reconcile] ", log.LstdFlags),
	}
}

// Manager reconciles remote events with local state.
type Manager struct {
	store  *db.DB
	mat    *materialize.Materializer
	bus    *events.Bus
	config *Config

	// mu is held for the whole of Apply, Defer and Resolve so the read of a
	// row's status and the decision to hold its event are atomic with
	// respect to the write being resolved. Events are published after it
	// is released.
	mu       sync.Mutex
	tracked  map[Ref]struct{}
	deferred map[Ref]realtime.ChangeEvent
}

// New creates a manager. bus may be nil.
func New(store *db.DB, mat *materialize.Materializer, bus *events.Bus, config *Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if mat == nil {
		return nil, fmt.Errorf("materializer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = DefaultConfig().NotifyTimeout
	}
	return &Manager{
		store:    store,
		mat:      mat,
		bus:      bus,
		config:   config,
		tracked:  make(map[Ref]struct{}),
		deferred: make(map[Ref]realtime.ChangeEvent),
	}, nil
}

// State returns the tracking state of ref.
func (m *Manager) State(ref Ref) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracked[ref]; ok {
		return StateTracked
	}
	return StateUnknown
}

// Deferred returns the event held for ref, if any.
func (m *Manager) Deferred(ref Ref) (realtime.ChangeEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.deferred[ref]
	return ev, ok
}

// DeferredCount returns the number of held events.
func (m *Manager) DeferredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deferred)
}

// Reset forgets every tracked id and held event. It is used on logout.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked = make(map[Ref]struct{})
	m.deferred = make(map[Ref]realtime.ChangeEvent)
	metrics.DeferredEvents.Set(0)
}

// Apply reconciles one remote event with the store.
func (m *Manager) Apply(ctx context.Context, ev realtime.ChangeEvent) error {
	var out []events.Event
	m.mu.Lock()
	if m.config.Viewer != nil {
		if _, ok := m.config.Viewer(); !ok {
			m.mu.Unlock()
			metrics.RealtimeEvents.WithLabelValues(ev.Table, "dropped").Inc()
			return nil
		}
	}
	err := m.apply(ctx, ev, &out)
	m.mu.Unlock()
	m.publish(ctx, out)
	return err
}

func (m *Manager) apply(ctx context.Context, ev realtime.ChangeEvent, out *[]events.Event) (err error) {
	ctx, span := tracer.Start(ctx, "reconcile.apply")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := ev.Validate(); err != nil {
		return syncerr.ValidationWrap("reconcile.Apply", err)
	}
	ref, err := RefOf(ev)
	if err != nil {
		return syncerr.ValidationWrap("reconcile.Apply", err)
	}
	span.SetAttributes(
		attribute.String("table", ref.Table),
		attribute.String("id", ref.ID),
		attribute.String("kind", string(ev.Kind)),
	)
	m.tracked[ref] = struct{}{}

	if ev.Kind == realtime.Delete || isSoftDelete(ev) {
		m.clearDeferred(ref)
		err := m.write(ctx, ref, out, func(tx *db.Tx, out *[]events.Event) error {
			return m.applyDelete(tx, ref, out)
		})
		m.count(ref, "deleted", err)
		return err
	}

	held := false
	err = m.write(ctx, ref, out, func(tx *db.Tx, out *[]events.Event) error {
		status, exists, err := tx.SyncStatusOf(ref.Table, ref.ID)
		if err != nil {
			return err
		}
		if exists && status.Unsettled() {
			held = true
			return nil
		}
		return m.applyRow(tx, ev, ref, exists, false, out)
	})
	if err == nil && held {
		m.hold(ref, ev)
		m.count(ref, "deferred", nil)
		return nil
	}
	m.count(ref, "applied", err)
	return err
}

// Defer holds ev for ref until Resolve, replacing any event already held.
// The sync engine uses it for pulled rows it could not write because a
// local write is outstanding.
func (m *Manager) Defer(ref Ref, ev realtime.ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[ref] = struct{}{}
	m.hold(ref, ev)
}

// ApplyDelete removes the row behind ref inside tx, whatever its sync
// state. The sync engine uses it for tombstones in a pulled snapshot; it
// must call Forget for ref once tx commits.
func (m *Manager) ApplyDelete(tx *db.Tx, ref Ref, out *[]events.Event) error {
	return m.applyDelete(tx, ref, out)
}

// Forget drops any event held for ref. A held event must not resurrect a
// row that was deleted.
func (m *Manager) Forget(ref Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[ref] = struct{}{}
	m.clearDeferred(ref)
}

// Resolve reports the outcome of the local write on ref and replays the
// held event, if any.
//
// On Acked the event is merged over the acknowledged row. On Failed it is
// applied remote-wins: the row takes the remote state, the conflict is
// recorded, and a ConflictError is returned. With nothing held, Resolve
// does nothing.
func (m *Manager) Resolve(ctx context.Context, ref Ref, outcome Outcome, mutationID string) error {
	var out []events.Event
	m.mu.Lock()
	err := m.resolve(ctx, ref, outcome, mutationID, &out)
	m.mu.Unlock()
	m.publish(ctx, out)
	return err
}

func (m *Manager) resolve(ctx context.Context, ref Ref, outcome Outcome, mutationID string, out *[]events.Event) error {
	ev, ok := m.deferred[ref]
	if !ok {
		return nil
	}
	m.clearDeferred(ref)

	if outcome == Acked {
		m.config.Logger.Printf("Replaying held event for %s", ref)
		return m.apply(ctx, ev, out)
	}

	ctx, span := tracer.Start(ctx, "reconcile.remote_wins")
	defer span.End()
	span.SetAttributes(attribute.String("table", ref.Table), attribute.String("id", ref.ID))

	err := m.write(ctx, ref, out, func(tx *db.Tx, out *[]events.Event) error {
		_, exists, err := tx.SyncStatusOf(ref.Table, ref.ID)
		if err != nil {
			return err
		}
		if err := m.applyRow(tx, ev, ref, exists, true, out); err != nil {
			return err
		}
		return tx.RecordConflict(&schema.ConflictRecord{
			Entity:     ref.Table,
			EntityID:   ref.ID,
			MutationID: mutationID,
			Resolution: "remote_wins",
			DetectedAt: time.Now(),
		})
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	metrics.Conflicts.WithLabelValues(ref.Table).Inc()
	m.config.Logger.Printf("Conflict on %s resolved remote-wins", ref)
	return syncerr.Conflict("reconcile.Resolve", ref.Table, ref.ID,
		fmt.Errorf("local write %s rejected; remote state took precedence", mutationID))
}

// write runs fn in one transaction and appends the events it collected to
// out once the transaction commits.
func (m *Manager) write(ctx context.Context, ref Ref, out *[]events.Event, fn func(tx *db.Tx, out *[]events.Event) error) error {
	var collected []events.Event
	err := m.store.Update(ctx, func(tx *db.Tx) error {
		collected = nil
		return fn(tx, &collected)
	})
	if err != nil {
		return syncerr.Boundary("reconcile.Apply", syncerr.WithEntity(err, ref.Table, ref.ID))
	}
	*out = append(*out, collected...)
	return nil
}

// publish delivers events collected by a write. Callers must not hold mu:
// a subscriber that stops reading would otherwise stall every Apply. Each
// event waits at most NotifyTimeout on a full queue.
func (m *Manager) publish(ctx context.Context, out []events.Event) {
	if m.bus == nil {
		return
	}
	for _, ev := range out {
		nctx, cancel := context.WithTimeout(ctx, m.config.NotifyTimeout)
		m.bus.Notify(nctx, ev)
		cancel()
	}
}

func (m *Manager) hold(ref Ref, ev realtime.ChangeEvent) {
	if _, replaced := m.deferred[ref]; replaced {
		m.config.Logger.Printf("Replacing held event for %s", ref)
	}
	m.deferred[ref] = ev
	metrics.DeferredEvents.Set(float64(len(m.deferred)))
}

func (m *Manager) clearDeferred(ref Ref) {
	delete(m.deferred, ref)
	metrics.DeferredEvents.Set(float64(len(m.deferred)))
}

func (m *Manager) count(ref Ref, outcome string, err error) {
	if err != nil {
		outcome = "error"
	}
	metrics.RealtimeEvents.WithLabelValues(ref.Table, outcome).Inc()
}

// rowKey holds the key columns of any watched table.
type rowKey struct {
	ID       string `json:"id"`
	PostID   string `json:"post_id"`
	UserID   string `json:"user_id"`
	FeedType string `json:"feed_type"`
}

// RefOf extracts the row reference of an event.
func RefOf(ev realtime.ChangeEvent) (Ref, error) {
	var k rowKey
	if err := json.Unmarshal(ev.Payload(), &k); err != nil {
		return Ref{}, fmt.Errorf("failed to decode %s row key: %w", ev.Table, err)
	}

	var id string
	switch ev.Table {
	case realtime.TablePosts, realtime.TableUsers, realtime.TableConversations, realtime.TableMessages:
		id = k.ID
	case realtime.TableReactions, realtime.TablePollVotes:
		if k.PostID != "" && k.UserID != "" {
			id = schema.CompositeKey(k.PostID, k.UserID)
		}
	case realtime.TableFeedItems:
		if k.FeedType != "" && k.PostID != "" {
			id = schema.CompositeKey(k.FeedType, k.PostID)
		}
	default:
		return Ref{}, fmt.Errorf("table %q is not reconciled", ev.Table)
	}
	if id == "" {
		return Ref{}, fmt.Errorf("%s event has no row key", ev.Table)
	}
	return Ref{Table: ev.Table, ID: id}, nil
}

// isSoftDelete reports whether a post update flips the deleted flag.
func isSoftDelete(ev realtime.ChangeEvent) bool {
	if ev.Table != realtime.TablePosts || ev.Kind == realtime.Delete {
		return false
	}
	var flag struct {
		Deleted bool `json:"deleted"`
	}
	return json.Unmarshal(ev.After, &flag) == nil && flag.Deleted
}

// Package app wires the feed cache components into one explicitly
// constructed context.
//
// An App owns the store, the event bus, the materializer, the reconciler,
// the sync engine and (when a subscriber is given) the realtime channel
// set. Nothing is global: two Apps over two database files are fully
// independent.
//
// Lifecycle:
//
//	a, err := app.New(cfg, app.Deps{Backend: backend, Subscriber: sub})
//	if err := a.Init(ctx); err != nil { ... }
//	defer a.Shutdown()
//
//	a.Login(ctx, "u1")  // wipes the cache first if it holds another user
//	a.Engine().StartSync(ctx)
//	page, err := a.ReadFeed(ctx, "home", 20, "")
//	a.Logout(ctx)       // stops realtime, aborts sync, wipes every table
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/quillsocial/feedsync/internal/config"
	"github.com/quillsocial/feedsync/internal/feedcache/db"
	"github.com/quillsocial/feedsync/internal/feedcache/events"
	"github.com/quillsocial/feedsync/internal/feedcache/materialize"
	"github.com/quillsocial/feedsync/internal/feedcache/pipeline"
	"github.com/quillsocial/feedsync/internal/feedcache/realtime"
	"github.com/quillsocial/feedsync/internal/feedcache/reconcile"
	"github.com/quillsocial/feedsync/internal/feedcache/syncer"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

// ErrNotInitialized is returned by operations that need Init first.
var ErrNotInitialized = errors.New("app not initialized")

// Deps are the outside collaborators of an App.
type Deps struct {
	// Backend is the remote. Required.
	Backend syncer.Backend

	// Subscriber streams realtime changes. Nil disables the channel set.
	Subscriber realtime.Subscriber

	// Logger is shared by every component (default: stderr).
	Logger *log.Logger

	// Now is the clock used by the read path (default: time.Now).
	Now func() time.Time
}

// App is the feed cache of one device.
type App struct {
	cfg  *config.Config
	deps Deps

	store    *db.DB
	bus      *events.Bus
	mat      *materialize.Materializer
	rec      *reconcile.Manager
	engine   *syncer.Engine
	channels *realtime.ChannelSet

	mu     sync.RWMutex
	viewer string
}

// New validates cfg and deps. Nothing is opened until Init.
func New(cfg *config.Config, deps Deps) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "[feedsync] ", log.LstdFlags)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &App{cfg: cfg, deps: deps, viewer: cfg.Viewer}, nil
}

// Init opens the store and builds every component. If a viewer is
// configured, the cache is claimed for them.
func (a *App) Init(ctx context.Context) error {
	if a.store != nil {
		return fmt.Errorf("app already initialized")
	}

	store, err := db.Open(a.cfg.DBPath)
	if err != nil {
		return err
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		_ = store.Close()
		return err
	}
	a.store = store

	if err := a.build(); err != nil {
		a.teardown()
		return err
	}

	if v, ok := a.Viewer(); ok {
		if err := a.claim(ctx, v); err != nil {
			a.teardown()
			return err
		}
	}

	if _, ok := a.Viewer(); ok {
		if err := a.startChannels(); err != nil {
			a.teardown()
			return err
		}
	}
	a.deps.Logger.Printf("Initialized cache at %s", a.cfg.DBPath)
	return nil
}

func (a *App) build() error {
	logger := a.deps.Logger

	a.bus = events.NewWithConfig(&events.Config{QueueSize: 64, Logger: logger})

	matConfig := materialize.DefaultConfig()
	matConfig.PopularThreshold = a.cfg.Feeds.PopularThreshold
	matConfig.Feeds = materialize.DefaultFeeds(a.cfg.Feeds.Weights, a.cfg.Feeds.PopularThreshold)
	matConfig.Logger = logger
	mat, err := materialize.NewWithConfig(a.store, matConfig)
	if err != nil {
		return err
	}
	a.mat = mat

	rec, err := reconcile.New(a.store, mat, a.bus, &reconcile.Config{Viewer: a.Viewer, Logger: logger})
	if err != nil {
		return err
	}
	a.rec = rec

	scopes := make([]syncer.Scope, len(a.cfg.Sync.Scopes))
	for i, s := range a.cfg.Sync.Scopes {
		scopes[i] = syncer.Scope(s)
	}
	engine, err := syncer.New(a.store, mat, rec, a.bus, a.deps.Backend, a.Viewer, &syncer.Config{
		Scopes:         scopes,
		PushTimeout:    a.cfg.Sync.PushTimeout,
		MaxAttempts:    a.cfg.Sync.MaxAttempts,
		InitialBackoff: a.cfg.Sync.InitialBackoff,
		MaxBackoff:     a.cfg.Sync.MaxBackoff,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	a.engine = engine

	if a.deps.Subscriber != nil {
		cs, err := realtime.NewChannelSet(a.deps.Subscriber, rec, a.bus, &realtime.Config{
			Channels: realtime.DefaultChannels(),
			Buffer:   a.cfg.Realtime.Buffer,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		a.channels = cs
	}
	return nil
}

// startChannels starts realtime delivery unless it is already running.
// Channels only run while someone is signed in.
func (a *App) startChannels() error {
	if a.channels == nil || a.channels.Running() {
		return nil
	}
	if err := a.channels.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start realtime channels: %w", err)
	}
	return nil
}

// claim records v as the cache owner, wiping rows of a previous owner.
func (a *App) claim(ctx context.Context, v string) error {
	var owner string
	err := a.store.View(ctx, func(tx *db.Tx) error {
		o, _, err := tx.GetMeta(db.MetaOwner)
		owner = o
		return err
	})
	if err != nil {
		return err
	}
	if owner != "" && owner != v {
		a.deps.Logger.Printf("Cache belongs to %s; wiping before switching to %s", owner, v)
		if err := a.store.Wipe(ctx, ""); err != nil {
			return err
		}
		a.rec.Reset()
	}
	return a.store.Update(ctx, func(tx *db.Tx) error {
		return tx.SetMeta(db.MetaOwner, v)
	})
}

// Viewer returns the signed-in user. It is the engine's ViewerFunc.
func (a *App) Viewer() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.viewer, a.viewer != ""
}

// Login signs userID in and starts the realtime channels. A cache holding
// another user's rows is wiped.
func (a *App) Login(ctx context.Context, userID string) error {
	if a.store == nil {
		return ErrNotInitialized
	}
	if userID == "" {
		return syncerr.Validation("app.Login", "user id is required")
	}
	if err := a.claim(ctx, userID); err != nil {
		return err
	}
	a.mu.Lock()
	a.viewer = userID
	a.mu.Unlock()
	return a.startChannels()
}

// Logout stops the realtime channels, aborts any sync pass, wipes every
// cached row and signs the viewer out. The wipe is all-or-nothing.
func (a *App) Logout(ctx context.Context) error {
	if a.store == nil {
		return ErrNotInitialized
	}
	a.mu.Lock()
	viewer := a.viewer
	a.viewer = ""
	a.mu.Unlock()

	// Stop waits for events already being applied, so none lands after
	// the wipe.
	if a.channels != nil {
		a.channels.Stop()
	}
	a.engine.CancelSync()
	if err := a.waitIdle(ctx); err != nil {
		return err
	}
	if err := a.store.Wipe(ctx, viewer); err != nil {
		a.mu.Lock()
		a.viewer = viewer
		a.mu.Unlock()
		if serr := a.startChannels(); serr != nil {
			a.deps.Logger.Printf("Warning: %v", serr)
		}
		return err
	}
	a.rec.Reset()
	a.bus.Notify(ctx, events.Event{Kind: events.FeedUpdated})
	a.deps.Logger.Printf("Logged out %s", viewer)
	return nil
}

func (a *App) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for a.engine.State() == syncer.StateSyncing {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Shutdown stops the channel set and the engine, closes the bus and the
// store. It is safe to call more than once.
func (a *App) Shutdown() error {
	if a.store == nil {
		return nil
	}
	return a.teardown()
}

func (a *App) teardown() error {
	if a.channels != nil {
		a.channels.Stop()
	}
	if a.engine != nil {
		_ = a.engine.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	a.store, a.bus, a.mat, a.rec, a.engine, a.channels = nil, nil, nil, nil, nil, nil
	return err
}

// Store returns the local store.
func (a *App) Store() *db.DB { return a.store }

// Bus returns the event bus.
func (a *App) Bus() *events.Bus { return a.bus }

// Engine returns the sync engine.
func (a *App) Engine() *syncer.Engine { return a.engine }

// Materializer returns the feed materializer.
func (a *App) Materializer() *materialize.Materializer { return a.mat }

// Reconciler returns the realtime reconciliation manager.
func (a *App) Reconciler() *reconcile.Manager { return a.rec }

// Channels returns the realtime channel set, or nil without a subscriber.
func (a *App) Channels() *realtime.ChannelSet { return a.channels }

// FeedPage is one composed page of a feed.
type FeedPage struct {
	Feed       string
	Posts      []pipeline.Post
	NextCursor string
}

// ReadFeed lists a page of feed ids and composes them into view models for
// the signed-in viewer.
func (a *App) ReadFeed(ctx context.Context, feed string, limit int, cursor string) (*FeedPage, error) {
	if a.store == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = a.cfg.Feeds.PageSize
	}
	page, err := a.mat.List(ctx, feed, limit, cursor)
	if err != nil {
		return nil, err
	}
	viewer, _ := a.Viewer()
	rows, err := a.store.QueryPostRows(ctx, viewer, page.PostIDs)
	if err != nil {
		return nil, err
	}
	return &FeedPage{
		Feed:       feed,
		Posts:      pipeline.Compose(rows, pipeline.ViewerContext{ViewerID: viewer, Now: a.deps.Now()}),
		NextCursor: page.NextCursor,
	}, nil
}

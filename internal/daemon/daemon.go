// Package daemon keeps a feed cache fresh in the background.
//
// The daemon:
//  1. Runs an initial sync pass
//  2. Requests a pass every SyncInterval
//  3. Watches a fixture directory and reloads the backend when its
//     table files change, then requests a pass
//  4. Logs bus events as they are published
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillsocial/feedsync/internal/feedcache/events"
)

// Syncer is the part of the sync engine the daemon drives.
type Syncer interface {
	StartSync(ctx context.Context) error
	RequestSync()
}

// Reloader re-reads backend state from disk and reports how many rows
// changed.
type Reloader interface {
	Reload() (int, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to request a sync pass
	SyncInterval time.Duration

	// DebounceInterval is how long to wait before processing file changes.
	// This batches rapid writes together.
	DebounceInterval time.Duration

	// WatchDir is the fixture directory to watch. Empty disables watching.
	WatchDir string

	// Reloader is called when WatchDir changes. Required with WatchDir.
	Reloader Reloader

	// Bus, when set, has its events logged.
	Bus *events.Bus

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     time.Minute,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats counts daemon activity.
type Stats struct {
	Passes  int
	Reloads int
	Events  int
}

// Daemon orchestrates periodic sync and fixture reloads.
type Daemon struct {
	syncer Syncer
	config *Config

	watcher       *FileWatcher
	changeQueue   map[string]time.Time // table -> last change
	changeQueueMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats

	watching atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a daemon with default configuration.
func New(s Syncer) (*Daemon, error) {
	return NewWithConfig(s, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(s Syncer, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultConfig().SyncInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.WatchDir != "" && config.Reloader == nil {
		return nil, fmt.Errorf("reloader is required to watch %s", config.WatchDir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		syncer:      s,
		config:      config,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation and blocks until ctx is cancelled
// or Stop is called.
//
// A failed initial pass is logged, not returned: the cache stays readable
// offline and the periodic pass retries.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.syncer.StartSync(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.config.Logger.Printf("Warning: initial sync failed: %v", err)
	}
	d.countPass()

	if d.config.WatchDir != "" {
		watcher, err := NewFileWatcher()
		if err != nil {
			return err
		}
		if err := watcher.Start(d.config.WatchDir); err != nil {
			_ = watcher.Stop()
			return err
		}
		d.watcher = watcher
		d.watching.Store(true)
		d.config.Logger.Printf("Watching: %s", d.config.WatchDir)

		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	d.wg.Add(1)
	go d.periodicSync()

	if d.config.Bus != nil {
		sub, err := d.config.Bus.Subscribe()
		if err != nil {
			d.Stop()
			return fmt.Errorf("failed to subscribe to events: %w", err)
		}
		d.wg.Add(1)
		go d.logEvents(sub)
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.once.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		d.watching.Store(false)
		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// Watching reports whether the fixture directory is being watched.
func (d *Daemon) Watching() bool { return d.watching.Load() }

// Stats returns a copy of the activity counters.
func (d *Daemon) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Daemon) countPass() {
	d.statsMu.Lock()
	d.stats.Passes++
	d.statsMu.Unlock()
}

// watchFileEvents queues changed tables for debounced processing.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.changeQueueMu.Lock()
			d.changeQueue[event.Table] = time.Now()
			d.changeQueueMu.Unlock()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processChangeQueue reloads the backend once writes have settled.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.changeQueueMu.Lock()
			now := time.Now()
			settled := 0
			for table, changed := range d.changeQueue {
				if now.Sub(changed) >= d.config.DebounceInterval {
					delete(d.changeQueue, table)
					settled++
				}
			}
			d.changeQueueMu.Unlock()

			if settled > 0 {
				d.reload()
			}
		}
	}
}

func (d *Daemon) reload() {
	n, err := d.config.Reloader.Reload()
	if err != nil {
		d.config.Logger.Printf("Warning: failed to reload %s: %v", d.config.WatchDir, err)
		return
	}
	d.statsMu.Lock()
	d.stats.Reloads++
	d.statsMu.Unlock()
	if n == 0 {
		return
	}
	d.config.Logger.Printf("Reloaded %d rows from %s", n, d.config.WatchDir)
	d.syncer.RequestSync()
	d.countPass()
}

// periodicSync requests a pass every SyncInterval.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.syncer.RequestSync()
			d.countPass()
		}
	}
}

func (d *Daemon) logEvents(sub *events.Subscription) {
	defer d.wg.Done()
	defer sub.Unsubscribe()

	for {
		ev, err := sub.Next(d.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, events.ErrClosed) {
				d.config.Logger.Printf("Event stream error: %v", err)
			}
			return
		}
		d.statsMu.Lock()
		d.stats.Events++
		d.statsMu.Unlock()

		switch ev.Kind {
		case events.FeedUpdated:
			d.config.Logger.Println("Feed updated")
		case events.PostDeleted:
			d.config.Logger.Printf("Post %s deleted", ev.PostID)
		case events.NewMessage:
			d.config.Logger.Printf("New message in %s", ev.ConversationID)
		case events.LikeCountUpdate:
			d.config.Logger.Printf("Post %s likes: %d", ev.PostID, ev.Count)
		}
	}
}

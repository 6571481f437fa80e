package realtime

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// ChangeLog is a remote log of row changes with increasing sequence
// numbers per table.
type ChangeLog interface {
	// ChangesSince returns up to limit events of table with Seq > afterSeq,
	// oldest first.
	ChangesSince(ctx context.Context, table string, afterSeq int64, limit int) ([]ChangeEvent, error)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Interval is how often each table is polled (default: 2s).
	Interval time.Duration

	// BatchSize is the page size of one ChangesSince call (default: 100).
	BatchSize int

	Logger *log.Logger
}

// Poller turns a ChangeLog into a Subscriber for backends without a push
// channel. It remembers the last sequence seen per table; a restart resumes
// from SetLastSeen.
type Poller struct {
	log    ChangeLog
	config PollerConfig

	mu       sync.Mutex
	lastSeen map[string]int64
}

// NewPoller creates a poller over cl.
func NewPoller(cl ChangeLog, config PollerConfig) *Poller {
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[realtime/poll] ", log.LstdFlags)
	}
	return &Poller{log: cl, config: config, lastSeen: make(map[string]int64)}
}

// LastSeen returns the last sequence delivered for table.
func (p *Poller) LastSeen(table string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen[table]
}

// SetLastSeen sets the sequence to resume table from.
func (p *Poller) SetLastSeen(table string, seq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen[table] = seq
}

// Subscribe polls table until ctx ends.
func (p *Poller) Subscribe(ctx context.Context, table string, kinds []EventKind) (<-chan ChangeEvent, error) {
	out := make(chan ChangeEvent, p.config.BatchSize)
	go p.loop(ctx, table, kinds, out)
	return out, nil
}

func (p *Poller) loop(ctx context.Context, table string, kinds []EventKind, out chan<- ChangeEvent) {
	defer close(out)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if !p.poll(ctx, table, kinds, out) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll pages through every new event. It returns false when ctx ended.
func (p *Poller) poll(ctx context.Context, table string, kinds []EventKind, out chan<- ChangeEvent) bool {
	for {
		last := p.LastSeen(table)
		batch, err := p.log.ChangesSince(ctx, table, last, p.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			p.config.Logger.Printf("Warning: failed to poll %s: %v", table, err)
			return true
		}

		for _, ev := range batch {
			if ev.Seq <= last {
				continue
			}
			last = ev.Seq
			if ev.Table == "" {
				ev.Table = table
			}
			if wantsKind(kinds, ev.Kind) {
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
			}
			p.SetLastSeen(table, last)
		}

		if len(batch) < p.config.BatchSize {
			return true
		}
	}
}

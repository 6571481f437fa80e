package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/quillsocial/feedsync/internal/feedcache/events"
	"github.com/quillsocial/feedsync/internal/metrics"
)

// Channel is one concern: a set of tables whose events are applied by a
// single goroutine.
type Channel struct {
	Name   string
	Tables []string
	Kinds  []EventKind
}

// DefaultChannels returns the stock channels.
func DefaultChannels() []Channel {
	return []Channel{
		{Name: "feed", Tables: []string{TablePosts}},
		{Name: "reactions", Tables: []string{TableReactions, TablePollVotes}},
		{Name: "messages", Tables: []string{TableMessages, TableConversations}},
		{Name: "presence", Tables: []string{TableTyping}, Kinds: []EventKind{Insert, Update}},
		{Name: "fanout", Tables: []string{TableFeedItems}},
		{Name: "users", Tables: []string{TableUsers}},
	}
}

// Config holds channel set settings.
type Config struct {
	Channels []Channel

	// Buffer is the capacity of each channel's merged queue.
	Buffer int

	Logger *log.Logger
}

// DefaultConfig returns default channel set settings.
func DefaultConfig() *Config {
	return &Config{
		Channels: DefaultChannels(),
		Buffer:   128,
		Logger:   log.New(os.Stderr, "[realtime] ", log.LstdFlags),
	}
}

// ChannelStats counts events seen by one channel.
type ChannelStats struct {
	Received int64
	Applied  int64
	Failed   int64
}

type channelCounters struct {
	received atomic.Int64
	applied  atomic.Int64
	failed   atomic.Int64
}

// ChannelSet runs the channels.
type ChannelSet struct {
	sub     Subscriber
	applier Applier
	bus     *events.Bus
	config  *Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   map[string]*channelCounters
}

// NewChannelSet creates a channel set. bus may be nil, in which case
// presence events are dropped.
func NewChannelSet(sub Subscriber, applier Applier, bus *events.Bus, config *Config) (*ChannelSet, error) {
	if sub == nil {
		return nil, fmt.Errorf("subscriber cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Buffer <= 0 {
		config.Buffer = DefaultConfig().Buffer
	}
	if len(config.Channels) == 0 {
		config.Channels = DefaultChannels()
	}

	stats := make(map[string]*channelCounters, len(config.Channels))
	for _, ch := range config.Channels {
		stats[ch.Name] = &channelCounters{}
	}
	return &ChannelSet{sub: sub, applier: applier, bus: bus, config: config, stats: stats}, nil
}

// Start subscribes every table of every channel and starts delivery. If a
// subscription fails, the ones already made are torn down.
func (cs *ChannelSet) Start(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.running {
		return fmt.Errorf("channel set already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	type plan struct {
		ch      Channel
		streams []<-chan ChangeEvent
	}
	plans := make([]plan, 0, len(cs.config.Channels))
	for _, ch := range cs.config.Channels {
		p := plan{ch: ch}
		for _, table := range ch.Tables {
			stream, err := cs.sub.Subscribe(runCtx, table, ch.Kinds)
			if err != nil {
				cancel()
				return fmt.Errorf("failed to subscribe %s/%s: %w", ch.Name, table, err)
			}
			p.streams = append(p.streams, stream)
		}
		plans = append(plans, p)
	}

	for _, p := range plans {
		merged := make(chan ChangeEvent, cs.config.Buffer)
		var fwd sync.WaitGroup
		for _, stream := range p.streams {
			fwd.Add(1)
			go forward(runCtx, stream, merged, &fwd)
		}
		go func() {
			fwd.Wait()
			close(merged)
		}()

		cs.wg.Add(1)
		go cs.run(runCtx, p.ch, merged)
	}

	cs.cancel = cancel
	cs.running = true
	cs.config.Logger.Printf("Started %d channels", len(plans))
	return nil
}

// forward copies one table stream into the channel queue, keeping order.
func forward(ctx context.Context, in <-chan ChangeEvent, out chan<- ChangeEvent, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (cs *ChannelSet) run(ctx context.Context, ch Channel, queue <-chan ChangeEvent) {
	defer cs.wg.Done()
	counters := cs.stats[ch.Name]

	for ev := range queue {
		if ctx.Err() != nil {
			return
		}
		ev.Channel = ch.Name
		counters.received.Add(1)

		if err := ev.Validate(); err != nil {
			counters.failed.Add(1)
			metrics.RealtimeEvents.WithLabelValues(ev.Table, "invalid").Inc()
			cs.config.Logger.Printf("Warning: %s: dropping event: %v", ch.Name, err)
			continue
		}

		var err error
		if ev.Table == TableTyping {
			err = cs.presence(ctx, ev)
		} else {
			err = cs.applier.Apply(ctx, ev)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			counters.failed.Add(1)
			cs.config.Logger.Printf("Warning: %s: failed to apply %s on %s: %v", ch.Name, ev.Kind, ev.Table, err)
			continue
		}
		counters.applied.Add(1)
	}
}

func (cs *ChannelSet) presence(ctx context.Context, ev ChangeEvent) error {
	var state TypingState
	if err := json.Unmarshal(ev.Payload(), &state); err != nil {
		return fmt.Errorf("failed to decode typing state: %w", err)
	}
	if state.ConversationID == "" {
		return fmt.Errorf("typing state has no conversation")
	}
	if cs.bus != nil {
		cs.bus.Notify(ctx, events.Event{
			Kind:           events.TypingUpdate,
			ConversationID: state.ConversationID,
			Typing:         state.Typing,
		})
	}
	metrics.RealtimeEvents.WithLabelValues(TableTyping, "forwarded").Inc()
	return nil
}

// Stop cancels every subscription and waits for the channel goroutines.
func (cs *ChannelSet) Stop() {
	cs.mu.Lock()
	if !cs.running {
		cs.mu.Unlock()
		return
	}
	cs.running = false
	cancel := cs.cancel
	cs.mu.Unlock()

	cancel()
	cs.wg.Wait()
}

// Running reports whether the channels are delivering.
func (cs *ChannelSet) Running() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.running
}

// Stats returns per-channel counters.
func (cs *ChannelSet) Stats() map[string]ChannelStats {
	out := make(map[string]ChannelStats, len(cs.stats))
	for name, c := range cs.stats {
		out[name] = ChannelStats{
			Received: c.received.Load(),
			Applied:  c.applied.Load(),
			Failed:   c.failed.Load(),
		}
	}
	return out
}

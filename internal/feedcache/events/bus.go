// Package events is the process-wide notification bus between the cache
// and the UI layer.
//
// Delivery is at-least-once: a listener may see the same event twice and
// must handle that. Each subscriber has its own bounded queue; a full queue
// makes Publish wait rather than drop. Undelivered FeedUpdated events are
// coalesced, so a burst of sync passes costs the UI one refresh.
package events

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

// Kind identifies an event.
type Kind string

const (
	FeedUpdated     Kind = "feed_updated"
	PostDeleted     Kind = "post_deleted"
	NewMessage      Kind = "new_message"
	TypingUpdate    Kind = "typing_update"
	LikeCountUpdate Kind = "like_count_update"
)

// Event is one notification. Only the fields of its Kind are set.
type Event struct {
	Kind           Kind            `json:"kind"`
	PostID         string          `json:"post_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Message        *schema.Message `json:"message,omitempty"`
	Typing         map[string]bool `json:"typing,omitempty"`
	Count          int64           `json:"count,omitempty"`
}

// Listener receives events. Implementations must tolerate duplicates.
type Listener interface {
	OnFeedUpdated()
	OnPostDeleted(postID string)
	OnNewMessage(conversationID string, msg *schema.Message)
	OnTypingUpdate(conversationID string, typing map[string]bool)
	OnLikeCountUpdate(postID string, count int64)
}

// ErrClosed is returned when publishing to or reading from a closed bus.
var ErrClosed = errors.New("event bus closed")

// Config holds bus settings.
type Config struct {
	// QueueSize bounds each subscriber's queue.
	QueueSize int

	Logger *log.Logger
}

// DefaultConfig returns default bus settings.
func DefaultConfig() *Config {
	return &Config{
		QueueSize: 64,
		Logger:    log.New(os.Stderr, "[events] ", log.LstdFlags),
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	config *Config

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a bus with default settings.
func New() *Bus {
	return NewWithConfig(nil)
}

// NewWithConfig creates a bus. A nil config uses DefaultConfig.
func NewWithConfig(config *Config) *Bus {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	return &Bus{
		config: config,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscription is one consumer's queue.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	done chan struct{}
	once sync.Once

	// feedPending is set while a FeedUpdated sits in ch undelivered.
	feedPending atomic.Bool
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &Subscription{
		bus:  b,
		ch:   make(chan Event, b.config.QueueSize),
		done: make(chan struct{}),
	}
	b.subs[s] = struct{}{}
	return s, nil
}

// Publish delivers ev to every subscriber. It blocks while a subscriber's
// queue is full and returns ctx.Err() if ctx ends first; subscribers that
// already received the event keep it.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.deliver(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Notify publishes without waiting on slow subscribers past ctx. Failures
// are logged; notifications are fire-and-forget for callers.
func (b *Bus) Notify(ctx context.Context, ev Event) {
	if err := b.Publish(ctx, ev); err != nil && !errors.Is(err, ErrClosed) {
		b.config.Logger.Printf("Warning: %s not delivered: %v", ev.Kind, err)
	}
}

// Close unsubscribes everyone. Pending events are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.once.Do(func() { close(s.done) })
	}
	b.subs = nil
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *Subscription) deliver(ctx context.Context, ev Event) error {
	if ev.Kind == FeedUpdated && !s.feedPending.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		if ev.Kind == FeedUpdated {
			s.feedPending.Store(false)
		}
		return nil
	case <-ctx.Done():
		if ev.Kind == FeedUpdated {
			s.feedPending.Store(false)
		}
		return ctx.Err()
	}
}

// Next waits for the next event.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.ch:
		if ev.Kind == FeedUpdated {
			s.feedPending.Store(false)
		}
		return ev, nil
	case <-s.done:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Run dispatches events to l until ctx ends or the subscription closes.
func (s *Subscription) Run(ctx context.Context, l Listener) error {
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return err
		}
		Dispatch(l, ev)
	}
}

// Unsubscribe stops delivery to s. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	if s.bus.subs != nil {
		delete(s.bus.subs, s)
	}
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Dispatch calls the Listener method matching ev.
func Dispatch(l Listener, ev Event) {
	switch ev.Kind {
	case FeedUpdated:
		l.OnFeedUpdated()
	case PostDeleted:
		l.OnPostDeleted(ev.PostID)
	case NewMessage:
		l.OnNewMessage(ev.ConversationID, ev.Message)
	case TypingUpdate:
		l.OnTypingUpdate(ev.ConversationID, ev.Typing)
	case LikeCountUpdate:
		l.OnLikeCountUpdate(ev.PostID, ev.Count)
	}
}

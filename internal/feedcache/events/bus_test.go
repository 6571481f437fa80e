package events

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

func testBus(queue int) *Bus {
	return NewWithConfig(&Config{QueueSize: queue, Logger: log.New(io.Discard, "", 0)})
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) OnFeedUpdated()                                 { r.add("feed") }
func (r *recorder) OnPostDeleted(postID string)                    { r.add("deleted:" + postID) }
func (r *recorder) OnNewMessage(convID string, _ *schema.Message)  { r.add("message:" + convID) }
func (r *recorder) OnTypingUpdate(convID string, _ map[string]bool) { r.add("typing:" + convID) }
func (r *recorder) OnLikeCountUpdate(postID string, _ int64)       { r.add("likes:" + postID) }

func TestPublish_FanOut(t *testing.T) {
	bus := testBus(8)
	defer bus.Close()

	a, _ := bus.Subscribe()
	b, _ := bus.Subscribe()
	ctx := context.Background()

	if err := bus.Publish(ctx, Event{Kind: PostDeleted, PostID: "p1"}); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	for _, s := range []*Subscription{a, b} {
		ev, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next() failed: %v", err)
		}
		if ev.Kind != PostDeleted || ev.PostID != "p1" {
			t.Errorf("got %+v", ev)
		}
	}
}

// TestFeedUpdated_Coalesced checks that undelivered refreshes collapse into one
func TestFeedUpdated_Coalesced(t *testing.T) {
	bus := testBus(8)
	defer bus.Close()
	s, _ := bus.Subscribe()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		bus.Publish(ctx, Event{Kind: FeedUpdated})
	}
	bus.Publish(ctx, Event{Kind: LikeCountUpdate, PostID: "p1", Count: 4})

	if ev, _ := s.Next(ctx); ev.Kind != FeedUpdated {
		t.Fatalf("first event = %s", ev.Kind)
	}
	if ev, _ := s.Next(ctx); ev.Kind != LikeCountUpdate || ev.Count != 4 {
		t.Fatalf("second event = %+v", ev)
	}

	// Once delivered, the next refresh is queued again.
	bus.Publish(ctx, Event{Kind: FeedUpdated})
	if ev, _ := s.Next(ctx); ev.Kind != FeedUpdated {
		t.Errorf("expected a new FeedUpdated, got %s", ev.Kind)
	}
}

// TestPublish_Backpressure checks that a full queue blocks instead of dropping
func TestPublish_Backpressure(t *testing.T) {
	bus := testBus(1)
	defer bus.Close()
	s, _ := bus.Subscribe()

	bus.Publish(context.Background(), Event{Kind: PostDeleted, PostID: "p1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, Event{Kind: PostDeleted, PostID: "p2"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Publish() on full queue = %v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() { done <- bus.Publish(context.Background(), Event{Kind: PostDeleted, PostID: "p3"}) }()

	if ev, _ := s.Next(context.Background()); ev.PostID != "p1" {
		t.Errorf("first = %s", ev.PostID)
	}
	if err := <-done; err != nil {
		t.Fatalf("blocked Publish() failed: %v", err)
	}
	if ev, _ := s.Next(context.Background()); ev.PostID != "p3" {
		t.Errorf("second = %s", ev.PostID)
	}
}

func TestUnsubscribe_ReleasesPublisher(t *testing.T) {
	bus := testBus(1)
	defer bus.Close()
	s, _ := bus.Subscribe()
	bus.Publish(context.Background(), Event{Kind: PostDeleted, PostID: "p1"})

	done := make(chan error, 1)
	go func() { done <- bus.Publish(context.Background(), Event{Kind: PostDeleted, PostID: "p2"}) }()

	s.Unsubscribe()
	s.Unsubscribe()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Publish() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish() still blocked after Unsubscribe")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("subscribers = %d", bus.Subscribers())
	}
}

func TestRun_Dispatch(t *testing.T) {
	bus := testBus(8)
	s, _ := bus.Subscribe()
	ctx := context.Background()

	bus.Publish(ctx, Event{Kind: FeedUpdated})
	bus.Publish(ctx, Event{Kind: PostDeleted, PostID: "p1"})
	bus.Publish(ctx, Event{Kind: NewMessage, ConversationID: "c1", Message: &schema.Message{ID: "m1"}})
	bus.Publish(ctx, Event{Kind: TypingUpdate, ConversationID: "c1", Typing: map[string]bool{"u2": true}})
	bus.Publish(ctx, Event{Kind: LikeCountUpdate, PostID: "p1", Count: 1})

	rec := &recorder{}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx, rec) }()

	deadline := time.Now().Add(time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.events)
		rec.mu.Unlock()
		if n == 5 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v", err)
	}

	want := []string{"feed", "deleted:p1", "message:c1", "typing:c1", "likes:p1"}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, rec.events[i], want[i])
		}
	}
}

func TestClose(t *testing.T) {
	bus := testBus(4)
	s, _ := bus.Subscribe()
	bus.Close()
	bus.Close()

	if _, err := s.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Next() after Close = %v", err)
	}
	if err := bus.Publish(context.Background(), Event{Kind: FeedUpdated}); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Close = %v", err)
	}
	if _, err := bus.Subscribe(); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close = %v", err)
	}
	s.Unsubscribe()
}

// Package realtime delivers remote row changes to the cache.
//
// A Subscriber streams ChangeEvents for one table. The ChannelSet groups
// tables into channels by concern, runs one goroutine per channel so events
// of a channel are applied in arrival order, and hands row events to an
// Applier (the reconciler). Presence events never touch the store; they go
// straight to the event bus.
//
// Transports:
//   - WSSubscriber: websocket stream of JSON events
//   - NATSSubscriber: one NATS subject per table
//   - SpoolSubscriber: JSON files dropped into a watched directory
//   - Poller: polls a ChangeLog with a last-seen sequence per table
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventKind is the kind of row change.
type EventKind string

const (
	Insert EventKind = "insert"
	Update EventKind = "update"
	Delete EventKind = "delete"
)

// AllKinds lists every event kind.
var AllKinds = []EventKind{Insert, Update, Delete}

// Watched tables.
const (
	TablePosts         = "posts"
	TableUsers         = "users"
	TableReactions     = "reactions"
	TablePollVotes     = "poll_votes"
	TableFeedItems     = "feed_items"
	TableConversations = "conversations"
	TableMessages      = "messages"

	// TableTyping carries presence. Its rows are never stored.
	TableTyping = "typing"
)

// ChangeEvent is one remote row change. Before is set for updates and
// deletes when the remote sends it; After is set for inserts and updates.
type ChangeEvent struct {
	Table  string          `json:"table"`
	Kind   EventKind       `json:"kind"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`

	// Seq is the remote sequence number, when the transport has one.
	Seq int64 `json:"seq,omitempty"`

	// Channel is set by the ChannelSet on delivery.
	Channel string `json:"-"`
}

// Payload returns the row image that identifies the change: After for
// inserts and updates, Before (or After if the remote sent only that) for
// deletes.
func (e *ChangeEvent) Payload() json.RawMessage {
	if e.Kind == Delete && len(e.Before) > 0 {
		return e.Before
	}
	if len(e.After) > 0 {
		return e.After
	}
	return e.Before
}

// Validate checks the event envelope.
func (e *ChangeEvent) Validate() error {
	if e.Table == "" {
		return fmt.Errorf("event has no table")
	}
	switch e.Kind {
	case Insert, Update:
		if len(e.After) == 0 {
			return fmt.Errorf("%s event on %s has no row image", e.Kind, e.Table)
		}
	case Delete:
		if len(e.Before) == 0 && len(e.After) == 0 {
			return fmt.Errorf("delete event on %s has no row image", e.Table)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Subscriber streams change events for a table. The returned channel is
// closed when ctx ends or the stream fails for good.
type Subscriber interface {
	Subscribe(ctx context.Context, table string, kinds []EventKind) (<-chan ChangeEvent, error)
}

// Applier applies a row change to the store.
type Applier interface {
	Apply(ctx context.Context, ev ChangeEvent) error
}

// TypingState is the payload of a presence event.
type TypingState struct {
	ConversationID string          `json:"conversation_id"`
	Typing         map[string]bool `json:"typing"`
}

func wantsKind(kinds []EventKind, k EventKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

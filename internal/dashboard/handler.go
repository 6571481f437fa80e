package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/quillsocial/feedsync/internal/feedcache/events"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

// PostData is the payload of post_deleted and like_count_update.
type PostData struct {
	PostID string `json:"post_id"`
	Count  *int64 `json:"count,omitempty"`
}

// MessageData is the payload of new_message.
type MessageData struct {
	ConversationID string          `json:"conversation_id"`
	Message        *schema.Message `json:"message,omitempty"`
}

// TypingData is the payload of typing_update.
type TypingData struct {
	ConversationID string          `json:"conversation_id"`
	Typing         map[string]bool `json:"typing"`
}

// Counts tallies forwarded events by message type.
type Counts map[MessageType]int

// Handler forwards bus events to a dashboard server. It implements
// events.Listener.
type Handler struct {
	server *Server
	logger *log.Logger

	mu     sync.Mutex
	counts Counts
}

var _ events.Listener = (*Handler)(nil)

// NewHandler creates a handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
		counts: make(Counts),
	}
}

// Run subscribes to bus and forwards events until ctx ends or the bus
// closes.
func (h *Handler) Run(ctx context.Context, bus *events.Bus) error {
	sub, err := bus.Subscribe()
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	err = sub.Run(ctx, h)
	if errors.Is(err, context.Canceled) || errors.Is(err, events.ErrClosed) {
		return nil
	}
	return err
}

// OnFeedUpdated handles feed refresh events
func (h *Handler) OnFeedUpdated() {
	h.send(MessageTypeFeedUpdated, nil)
}

// OnPostDeleted handles post removal events
func (h *Handler) OnPostDeleted(postID string) {
	h.send(MessageTypePostDeleted, PostData{PostID: postID})
}

// OnNewMessage handles incoming direct messages
func (h *Handler) OnNewMessage(conversationID string, msg *schema.Message) {
	h.send(MessageTypeNewMessage, MessageData{ConversationID: conversationID, Message: msg})
}

// OnTypingUpdate handles typing indicator changes
func (h *Handler) OnTypingUpdate(conversationID string, typing map[string]bool) {
	h.send(MessageTypeTyping, TypingData{ConversationID: conversationID, Typing: typing})
}

// OnLikeCountUpdate handles like count changes
func (h *Handler) OnLikeCountUpdate(postID string, count int64) {
	h.send(MessageTypeLikeCount, PostData{PostID: postID, Count: &count})
}

func (h *Handler) send(typ MessageType, data any) {
	msg := Message{Type: typ, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			h.logger.Printf("Failed to marshal %s data: %v", typ, err)
			return
		}
		msg.Data = raw
	}

	h.mu.Lock()
	h.counts[typ]++
	h.mu.Unlock()

	h.server.Broadcast(msg)
}

// GetCounts returns a copy of the forwarded event counts
func (h *Handler) GetCounts() Counts {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(Counts, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

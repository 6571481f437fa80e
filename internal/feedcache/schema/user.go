package schema

import (
	"fmt"
	"time"
)

// User is a profile row. Users are never removed from the cache; a delete
// event only clears Active.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Verified    bool      `json:"verified"`
	Suspended   bool      `json:"suspended"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the user.
func (u *User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("id is required")
	}
	if u.Username == "" {
		return fmt.Errorf("username is required")
	}
	return nil
}

// ConversationType is the kind of conversation.
type ConversationType string

const (
	ConversationDM      ConversationType = "DM"
	ConversationGroup   ConversationType = "GROUP"
	ConversationChannel ConversationType = "CHANNEL"
)

// Conversation groups messages between participants.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Title        string           `json:"title,omitempty"`
	OwnerID      string           `json:"owner_id,omitempty"`
	Participants []string         `json:"participants"`
	Admins       []string         `json:"admins,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Validate checks the conversation.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch c.Type {
	case ConversationDM:
		if len(c.Participants) != 2 {
			return fmt.Errorf("DM requires exactly two participants (got %d)", len(c.Participants))
		}
	case ConversationGroup:
	case ConversationChannel:
		if c.OwnerID == "" {
			return fmt.Errorf("channel requires owner_id")
		}
	default:
		return fmt.Errorf("invalid conversation type %q", c.Type)
	}
	if len(c.Admins) > 0 && c.Type != ConversationChannel {
		return fmt.Errorf("admins are only allowed on channels")
	}
	return nil
}

// Message is one chat message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Text           string      `json:"text"`
	Media          []MediaItem `json:"media,omitempty"`
	SyncStatus     SyncStatus  `json:"sync_status,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      *time.Time  `json:"updated_at,omitempty"`
}

// Validate checks the message.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if m.SenderID == "" {
		return fmt.Errorf("sender_id is required")
	}
	if m.Text == "" && len(m.Media) == 0 {
		return fmt.Errorf("message requires text or media")
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// MutationKind names an optimistic local write.
type MutationKind string

const (
	MutCreatePost  MutationKind = "create_post"
	MutEditPost    MutationKind = "edit_post"
	MutDeletePost  MutationKind = "delete_post"
	MutReact       MutationKind = "react"
	MutUnreact     MutationKind = "unreact"
	MutVote        MutationKind = "vote"
	MutSendMessage MutationKind = "send_message"
)

// Entity returns the table the mutation targets.
func (k MutationKind) Entity() string {
	switch k {
	case MutCreatePost, MutEditPost, MutDeletePost:
		return "posts"
	case MutReact, MutUnreact:
		return "reactions"
	case MutVote:
		return "poll_votes"
	case MutSendMessage:
		return "messages"
	}
	return ""
}

// MutationStatus is the outbox state of a mutation.
type MutationStatus string

const (
	MutationPending  MutationStatus = "pending"
	MutationConflict MutationStatus = "conflict"
)

// Mutation is a row of the outbox. It survives restarts so a write made
// offline is pushed on the next sync pass.
type Mutation struct {
	ID        string          `json:"id"`
	Kind      MutationKind    `json:"kind"`
	EntityID  string          `json:"entity_id"`
	PostID    string          `json:"post_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Status    MutationStatus  `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	// CountersApplied is set while the mutation's optimistic counter change
	// is still in the post row. An authoritative counter write clears it,
	// and a rejected push only rolls back a change that is still applied.
	CountersApplied bool `json:"counters_applied,omitempty"`
}

// Validate checks the mutation.
func (m *Mutation) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Kind.Entity() == "" {
		return fmt.Errorf("invalid mutation kind %q", m.Kind)
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	return nil
}

// ReactionPayload is the payload of react and unreact mutations. Previous
// holds the reaction the user had before, so a failed push can be undone.
type ReactionPayload struct {
	PostID   string       `json:"post_id"`
	UserID   string       `json:"user_id"`
	Kind     ReactionKind `json:"kind,omitempty"`
	Previous ReactionKind `json:"previous,omitempty"`
}

// ConflictRecord is a remote-wins resolution shown to the user.
type ConflictRecord struct {
	ID         int64     `json:"id"`
	Entity     string    `json:"entity"`
	EntityID   string    `json:"entity_id"`
	MutationID string    `json:"mutation_id,omitempty"`
	Resolution string    `json:"resolution"`
	DetectedAt time.Time `json:"detected_at"`
}

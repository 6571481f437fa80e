package syncer

import (
	"context"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

// Scope names a slice of remote state pulled as one unit.
type Scope string

const (
	ScopeFeed          Scope = "feed"
	ScopeProfiles      Scope = "profiles"
	ScopeConversations Scope = "conversations"
)

// DefaultScopes are pulled when Config.Scopes is empty.
var DefaultScopes = []Scope{ScopeFeed, ScopeProfiles, ScopeConversations}

// Snapshot is the authoritative state of one scope. Cursor is opaque to
// the engine and handed back on the next pull of the same scope.
type Snapshot struct {
	Scope         Scope                  `json:"scope"`
	Cursor        string                 `json:"cursor,omitempty"`
	Users         []*schema.User         `json:"users,omitempty"`
	Posts         []*schema.Post         `json:"posts,omitempty"`
	Reactions     []*schema.Reaction     `json:"reactions,omitempty"`
	PollVotes     []*schema.PollVote     `json:"poll_votes,omitempty"`
	Conversations []*schema.Conversation `json:"conversations,omitempty"`
	Messages      []*schema.Message      `json:"messages,omitempty"`
	FeedItems     []*schema.FeedItem     `json:"feed_items,omitempty"`

	// Deleted lists, per table, the keys of rows removed since the cursor.
	// Composite keys use schema.CompositeKey.
	Deleted map[string][]string `json:"deleted,omitempty"`
}

// Rows returns the number of rows in the snapshot, tombstones included.
func (s *Snapshot) Rows() int {
	n := len(s.Users) + len(s.Posts) + len(s.Reactions) + len(s.PollVotes) +
		len(s.Conversations) + len(s.Messages) + len(s.FeedItems)
	for _, ids := range s.Deleted {
		n += len(ids)
	}
	return n
}

// Ack is the remote's acceptance of a mutation. EntityID is the
// authoritative id of the written entity; it differs from the mutation's
// EntityID when the client used a temporary id. Post and Message carry the
// server's copy of the row when the remote returns one.
type Ack struct {
	MutationID string          `json:"mutation_id"`
	EntityID   string          `json:"entity_id"`
	Post       *schema.Post    `json:"post,omitempty"`
	Message    *schema.Message `json:"message,omitempty"`
}

// Backend is the remote store.
//
// Implementations report transport failures as syncerr RemoteErrors (or
// plain errors), which the engine retries with backoff. A ValidationError
// or ConflictError is a rejection and is not retried.
type Backend interface {
	// Pull returns the state of scope changed since cursor. An empty cursor
	// asks for everything.
	Pull(ctx context.Context, scope Scope, cursor string) (*Snapshot, error)

	// Push applies one mutation.
	Push(ctx context.Context, m *schema.Mutation) (*Ack, error)
}

// ViewerFunc returns the signed-in user, if any.
type ViewerFunc func() (string, bool)

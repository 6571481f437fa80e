package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quillsocial/feedsync/internal/feedcache/db"
	"github.com/quillsocial/feedsync/internal/feedcache/events"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

// TempIDPrefix marks ids assigned locally before the remote acknowledges
// the entity.
const TempIDPrefix = "local-"

func newTempID() string { return TempIDPrefix + uuid.NewString() }

func (e *Engine) viewerID(op string) (string, error) {
	id, ok := e.viewer()
	if !ok || id == "" {
		return "", syncerr.Validation(op, "no signed-in user")
	}
	return id, nil
}

// enqueue writes the optimistic change and its outbox entry in one
// transaction, publishes notes, then pushes.
func (e *Engine) enqueue(ctx context.Context, op string, m *schema.Mutation, write func(tx *db.Tx, notes *[]events.Event) error) (*Ack, error) {
	m.ID = uuid.NewString()
	m.Status = schema.MutationPending
	m.CreatedAt = time.Now()

	var notes []events.Event
	err := e.store.Update(ctx, func(tx *db.Tx) error {
		notes = nil
		if err := write(tx, &notes); err != nil {
			return err
		}
		return tx.EnqueueMutation(m)
	})
	if err != nil {
		return nil, syncerr.Boundary(op, err)
	}
	for _, n := range notes {
		e.notify(ctx, n)
	}
	e.updateOutboxDepth(ctx)

	return e.push(ctx, m)
}

// enqueueOnly is enqueue for callers that only need the error.
func (e *Engine) enqueueOnly(ctx context.Context, op string, m *schema.Mutation, write func(tx *db.Tx, notes *[]events.Event) error) error {
	_, err := e.enqueue(ctx, op, m, write)
	return err
}

func marshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, syncerr.Storage("syncer.marshalPayload", err)
	}
	return data, nil
}

// CreatePost stores a new post under a temporary id and pushes it. The
// returned post carries the authoritative id when the push was
// acknowledged. On a failed push the post stays in conflict and a
// ConflictError is returned along with it.
func (e *Engine) CreatePost(ctx context.Context, draft schema.PostDraft) (*schema.Post, error) {
	const op = "syncer.CreatePost"
	owner, err := e.viewerID(op)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateStruct(&draft); err != nil {
		return nil, syncerr.ValidationWrap(op, err)
	}

	post := &schema.Post{
		ID:             newTempID(),
		OwnerID:        owner,
		Content:        draft.Content,
		Type:           draft.Type,
		QuotedPostID:   draft.QuotedPostID,
		RepostedPostID: draft.RepostedPostID,
		ParentPostID:   draft.ParentPostID,
		Media:          draft.Media,
		Poll:           draft.Poll,
		SyncStatus:     schema.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := post.Validate(); err != nil {
		return nil, syncerr.ValidationWrap(op, err)
	}
	payload, err := marshalPayload(post)
	if err != nil {
		return nil, err
	}

	m := &schema.Mutation{Kind: schema.MutCreatePost, EntityID: post.ID, PostID: post.ID, Payload: payload}
	ack, pushErr := e.enqueue(ctx, op, m, func(tx *db.Tx, notes *[]events.Event) error {
		if err := tx.UpsertPost(post); err != nil {
			return err
		}
		if _, err := e.mat.Patch(tx, post); err != nil {
			return err
		}
		*notes = append(*notes, events.Event{Kind: events.FeedUpdated})
		return nil
	})
	if pushErr != nil && !errors.Is(pushErr, syncerr.ErrConflict) {
		return nil, pushErr
	}

	id := post.ID
	if ack != nil && ack.EntityID != "" {
		id = ack.EntityID
	}
	var stored *schema.Post
	err = e.store.View(ctx, func(tx *db.Tx) error {
		var err error
		stored, err = tx.GetPost(id)
		return err
	})
	if err != nil {
		return nil, syncerr.Boundary(op, err)
	}
	return stored, pushErr
}

// EditPost applies a validated patch to one of the viewer's posts.
func (e *Engine) EditPost(ctx context.Context, postID string, patch schema.PostPatch) error {
	const op = "syncer.EditPost"
	viewer, err := e.viewerID(op)
	if err != nil {
		return err
	}
	if patch.Empty() {
		return syncerr.Validation(op, "patch changes nothing")
	}
	if err := schema.ValidateStruct(&patch); err != nil {
		return syncerr.ValidationWrap(op, err)
	}
	payload, err := marshalPayload(&patch)
	if err != nil {
		return err
	}

	m := &schema.Mutation{Kind: schema.MutEditPost, EntityID: postID, PostID: postID, Payload: payload}
	return e.enqueueOnly(ctx, op, m, func(tx *db.Tx, notes *[]events.Event) error {
		post, err := e.ownPost(tx, op, postID, viewer)
		if err != nil {
			return err
		}
		if !patch.ApplyTo(post) {
			return syncerr.Validation(op, "patch changes nothing")
		}
		now := time.Now().UTC()
		post.UpdatedAt = &now
		post.SyncStatus = schema.StatusPending
		if err := tx.UpsertPost(post); err != nil {
			return err
		}
		if changed, err := e.mat.Patch(tx, post); err != nil {
			return err
		} else if changed {
			*notes = append(*notes, events.Event{Kind: events.FeedUpdated})
		}
		return nil
	})
}

// DeletePost soft-deletes one of the viewer's posts.
func (e *Engine) DeletePost(ctx context.Context, postID string) error {
	const op = "syncer.DeletePost"
	viewer, err := e.viewerID(op)
	if err != nil {
		return err
	}

	m := &schema.Mutation{Kind: schema.MutDeletePost, EntityID: postID, PostID: postID, Payload: json.RawMessage("{}")}
	return e.enqueueOnly(ctx, op, m, func(tx *db.Tx, notes *[]events.Event) error {
		if _, err := e.ownPost(tx, op, postID, viewer); err != nil {
			return err
		}
		if err := tx.SoftDeletePost(postID); err != nil {
			return err
		}
		if err := tx.SetPostSyncStatus(postID, schema.StatusPending); err != nil {
			return err
		}
		if err := e.mat.RemovePost(tx, postID); err != nil {
			return err
		}
		*notes = append(*notes, events.Event{Kind: events.PostDeleted, PostID: postID})
		return nil
	})
}

func (e *Engine) ownPost(tx *db.Tx, op, postID, viewer string) (*schema.Post, error) {
	post, err := e.livePost(tx, op, postID)
	if err != nil {
		return nil, err
	}
	if post.OwnerID != viewer {
		return nil, syncerr.Validation(op, "post %s belongs to another user", postID)
	}
	return post, nil
}

func (e *Engine) livePost(tx *db.Tx, op, postID string) (*schema.Post, error) {
	post, err := tx.GetPost(postID)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil, syncerr.Validation(op, "post %s does not exist", postID)
	}
	if err != nil {
		return nil, err
	}
	if post.Deleted {
		return nil, syncerr.Validation(op, "post %s was deleted", postID)
	}
	return post, nil
}

// React sets the viewer's reaction on a post, replacing any earlier one.
// Counters move immediately.
func (e *Engine) React(ctx context.Context, postID string, kind schema.ReactionKind) error {
	const op = "syncer.React"
	viewer, err := e.viewerID(op)
	if err != nil {
		return err
	}
	if !kind.Valid() {
		return syncerr.Validation(op, "invalid reaction kind %q", kind)
	}

	var noop bool
	payload := schema.ReactionPayload{PostID: postID, UserID: viewer, Kind: kind}
	err = e.store.View(ctx, func(tx *db.Tx) error {
		prev, err := tx.GetReaction(postID, viewer)
		if errors.Is(err, syncerr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		payload.Previous = prev.Kind
		noop = prev.Kind == kind
		return nil
	})
	if err != nil {
		return syncerr.Boundary(op, err)
	}
	if noop {
		return nil
	}
	data, err := marshalPayload(&payload)
	if err != nil {
		return err
	}

	m := &schema.Mutation{
		Kind:     schema.MutReact,
		EntityID: schema.CompositeKey(postID, viewer),
		PostID:   postID,
		Payload:  data,

		CountersApplied: true,
	}
	return e.enqueueOnly(ctx, op, m, func(tx *db.Tx, notes *[]events.Event) error {
		if _, err := e.livePost(tx, op, postID); err != nil {
			return err
		}
		if err := tx.UpsertReaction(&schema.Reaction{
			PostID:     postID,
			UserID:     viewer,
			Kind:       kind,
			SyncStatus: schema.StatusPending,
			UpdatedAt:  time.Now().UTC(),
		}); err != nil {
			return err
		}
		return e.bumpCounters(tx, m.Kind, &payload, 1, notes)
	})
}

// Unreact removes the viewer's reaction from a post. It does nothing when
// there is none.
func (e *Engine) Unreact(ctx context.Context, postID string) error {
	const op = "syncer.Unreact"
	viewer, err := e.viewerID(op)
	if err != nil {
		return err
	}

	var prev *schema.Reaction
	err = e.store.View(ctx, func(tx *db.Tx) error {
		var err error
		prev, err = tx.GetReaction(postID, viewer)
		if errors.Is(err, syncerr.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return syncerr.Boundary(op, err)
	}
	if prev == nil {
		return nil
	}

	payload := schema.ReactionPayload{PostID: postID, UserID: viewer, Previous: prev.Kind}
	data, err := marshalPayload(&payload)
	if err != nil {
		return err
	}
	m := &schema.Mutation{
		Kind:     schema.MutUnreact,
		EntityID: schema.CompositeKey(postID, viewer),
		PostID:   postID,
		Payload:  data,

		CountersApplied: true,
	}
	return e.enqueueOnly(ctx, op, m, func(tx *db.Tx, notes *[]events.Event) error {
		if err := tx.DeleteReaction(postID, viewer); err != nil {
			return err
		}
		return e.bumpCounters(tx, m.Kind, &payload, 1, notes)
	})
}

// bumpCounters applies (sign=1) or reverts (sign=-1) the counter effect of
// a reaction mutation.
func (e *Engine) bumpCounters(tx *db.Tx, kind schema.MutationKind, p *schema.ReactionPayload, sign int64, notes *[]events.Event) error {
	if kind == schema.MutReact {
		if err := tx.AdjustCounter(p.PostID, p.Kind, sign); err != nil {
			return err
		}
	}
	if p.Previous != "" {
		if err := tx.AdjustCounter(p.PostID, p.Previous, -sign); err != nil {
			return err
		}
	}

	post, err := tx.GetPost(p.PostID)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Kind == schema.ReactionLike || p.Previous == schema.ReactionLike {
		*notes = append(*notes, events.Event{Kind: events.LikeCountUpdate, PostID: post.ID, Count: post.Likes})
	}
	if changed, err := e.mat.Patch(tx, post); err != nil {
		return err
	} else if changed {
		*notes = append(*notes, events.Event{Kind: events.FeedUpdated})
	}
	return nil
}

// Vote casts the viewer's vote on a poll. A second vote is rejected with a
// ValidationError and the first is kept.
func (e *Engine) Vote(ctx context.Context, postID string, choice int) error {
	const op = "syncer.Vote"
	viewer, err := e.viewerID(op)
	if err != nil {
		return err
	}

	vote := &schema.PollVote{
		PostID:      postID,
		UserID:      viewer,
		ChoiceIndex: choice,
		SyncStatus:  schema.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	data, err := marshalPayload(vote)
	if err != nil {
		return err
	}
	m := &schema.Mutation{
		Kind:     schema.MutVote,
		EntityID: schema.CompositeKey(postID, viewer),
		PostID:   postID,
		Payload:  data,
	}
	return e.enqueueOnly(ctx, op, m, func(tx *db.Tx, _ *[]events.Event) error {
		post, err := e.livePost(tx, op, postID)
		if err != nil {
			return err
		}
		if post.Type != schema.PostPoll || post.Poll == nil {
			return syncerr.Validation(op, "post %s is not a poll", postID)
		}
		if post.Poll.Closed(time.Now()) {
			return syncerr.Validation(op, "poll %s is closed", postID)
		}
		if choice < 0 || choice >= len(post.Poll.Choices) {
			return syncerr.Validation(op, "choice %d out of range (poll has %d)", choice, len(post.Poll.Choices))
		}
		return tx.InsertPollVote(vote)
	})
}

// SendMessage stores a message under a temporary id and pushes it.
func (e *Engine) SendMessage(ctx context.Context, conversationID, text string, media []schema.MediaItem) (*schema.Message, error) {
	const op = "syncer.SendMessage"
	sender, err := e.viewerID(op)
	if err != nil {
		return nil, err
	}

	msg := &schema.Message{
		ID:             newTempID(),
		ConversationID: conversationID,
		SenderID:       sender,
		Text:           text,
		Media:          media,
		SyncStatus:     schema.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return nil, syncerr.ValidationWrap(op, err)
	}
	data, err := marshalPayload(msg)
	if err != nil {
		return nil, err
	}

	m := &schema.Mutation{Kind: schema.MutSendMessage, EntityID: msg.ID, Payload: data}
	ack, pushErr := e.enqueue(ctx, op, m, func(tx *db.Tx, notes *[]events.Event) error {
		if _, err := tx.GetConversation(conversationID); err != nil {
			if errors.Is(err, syncerr.ErrNotFound) {
				return syncerr.Validation(op, "conversation %s does not exist", conversationID)
			}
			return err
		}
		if err := tx.UpsertMessage(msg); err != nil {
			return err
		}
		*notes = append(*notes, events.Event{Kind: events.NewMessage, ConversationID: conversationID, Message: msg})
		return nil
	})
	if pushErr != nil && !errors.Is(pushErr, syncerr.ErrConflict) {
		return nil, pushErr
	}

	switch {
	case ack != nil && ack.Message != nil:
		msg = ack.Message
		msg.SyncStatus = schema.StatusSynced
	case ack != nil:
		if ack.EntityID != "" {
			msg.ID = ack.EntityID
		}
		msg.SyncStatus = schema.StatusSynced
	default:
		msg.SyncStatus = schema.StatusConflict
	}
	return msg, pushErr
}

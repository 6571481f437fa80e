package pgbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/quillsocial/feedsync/internal/feedcache/realtime"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncer"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

// rejection marks a mutation the remote refuses. It is returned as a
// conflict after the transaction rolls back.
type rejection struct{ msg string }

func (r *rejection) Error() string { return r.msg }

func reject(format string, args ...any) error {
	return &rejection{msg: fmt.Sprintf(format, args...)}
}

// Push implements syncer.Backend. Each mutation runs in one transaction.
func (b *Backend) Push(ctx context.Context, m *schema.Mutation) (*syncer.Ack, error) {
	const op = "pgbackend.Push"
	if err := m.Validate(); err != nil {
		return nil, syncerr.ValidationWrap(op, err)
	}

	var ack *syncer.Ack
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		w := &writer{ctx: ctx, tx: tx}
		var err error
		switch m.Kind {
		case schema.MutCreatePost:
			ack, err = b.createPost(w, m)
		case schema.MutEditPost:
			ack, err = b.editPost(w, m)
		case schema.MutDeletePost:
			ack, err = b.deletePost(w, m)
		case schema.MutReact, schema.MutUnreact:
			ack, err = b.react(w, m)
		case schema.MutVote:
			ack, err = b.vote(w, m)
		case schema.MutSendMessage:
			ack, err = b.sendMessage(w, m)
		default:
			err = reject("unsupported mutation %q", m.Kind)
		}
		return err
	})

	var rej *rejection
	var bad *json.SyntaxError
	switch {
	case err == nil:
		ack.MutationID = m.ID
		return ack, nil
	case errors.As(err, &rej):
		return nil, syncerr.Conflict(op, m.Kind.Entity(), m.EntityID, err)
	case errors.As(err, &bad):
		return nil, syncerr.ValidationWrap(op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		return nil, syncerr.Remote(op, err)
	}
}

func decode(m *schema.Mutation, v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("bad %s payload: %w", m.Kind, err)
	}
	return nil
}

func (b *Backend) createPost(w *writer, m *schema.Mutation) (*syncer.Ack, error) {
	var p schema.Post
	if err := decode(m, &p); err != nil {
		return nil, err
	}
	var owner schema.User
	if ok, err := w.get(realtime.TableUsers, p.OwnerID, &owner); err != nil {
		return nil, err
	} else if !ok {
		return nil, reject("unknown author %s", p.OwnerID)
	}

	target := ""
	for _, ref := range []string{p.QuotedPostID, p.RepostedPostID, p.ParentPostID} {
		if ref == "" {
			continue
		}
		var t schema.Post
		ok, err := w.get(realtime.TablePosts, ref, &t)
		if err != nil {
			return nil, err
		}
		if !ok || t.Deleted {
			return nil, reject("referenced post %s does not exist", ref)
		}
		target = ref
	}

	if strings.HasPrefix(p.ID, syncer.TempIDPrefix) {
		id, err := w.nextID("srv")
		if err != nil {
			return nil, err
		}
		p.ID = id
	}
	p.Counters = schema.Counters{}
	p.Deleted = false
	p.SyncStatus = ""
	if err := p.Validate(); err != nil {
		return nil, reject("%v", err)
	}

	if target != "" {
		var t schema.Post
		if _, err := w.get(realtime.TablePosts, target, &t); err != nil {
			return nil, err
		}
		if p.Type == schema.PostReply {
			t.Replies++
		} else {
			t.Reposts++
		}
		if err := w.put(realtime.TablePosts, t.ID, &t); err != nil {
			return nil, err
		}
	}
	if err := w.put(realtime.TablePosts, p.ID, &p); err != nil {
		return nil, err
	}
	return &syncer.Ack{EntityID: p.ID, Post: &p}, nil
}

func (b *Backend) livePost(w *writer, id string) (*schema.Post, error) {
	var p schema.Post
	ok, err := w.get(realtime.TablePosts, id, &p)
	if err != nil {
		return nil, err
	}
	if !ok || p.Deleted {
		return nil, reject("post %s not found", id)
	}
	return &p, nil
}

func (b *Backend) editPost(w *writer, m *schema.Mutation) (*syncer.Ack, error) {
	var patch schema.PostPatch
	if err := decode(m, &patch); err != nil {
		return nil, err
	}
	p, err := b.livePost(w, m.EntityID)
	if err != nil {
		return nil, err
	}
	patch.ApplyTo(p)
	now := b.config.Now().UTC()
	p.UpdatedAt = &now
	if err := w.put(realtime.TablePosts, p.ID, p); err != nil {
		return nil, err
	}
	return &syncer.Ack{EntityID: p.ID, Post: p}, nil
}

func (b *Backend) deletePost(w *writer, m *schema.Mutation) (*syncer.Ack, error) {
	var p schema.Post
	ok, err := w.get(realtime.TablePosts, m.EntityID, &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, reject("post %s not found", m.EntityID)
	}
	if !p.Deleted {
		p.Deleted = true
		if err := w.put(realtime.TablePosts, p.ID, &p); err != nil {
			return nil, err
		}
	}
	return &syncer.Ack{EntityID: p.ID, Post: &p}, nil
}

func (b *Backend) react(w *writer, m *schema.Mutation) (*syncer.Ack, error) {
	var rp schema.ReactionPayload
	if err := decode(m, &rp); err != nil {
		return nil, err
	}
	p, err := b.livePost(w, rp.PostID)
	if err != nil {
		return nil, err
	}

	key := schema.CompositeKey(rp.PostID, rp.UserID)
	var prev schema.Reaction
	had, err := w.get(realtime.TableReactions, key, &prev)
	if err != nil {
		return nil, err
	}
	if had {
		p.Counters.Add(prev.Kind, -1)
	}

	if m.Kind == schema.MutUnreact {
		if !had {
			return &syncer.Ack{EntityID: m.EntityID}, nil
		}
		if err := w.remove(realtime.TableReactions, key); err != nil {
			return nil, err
		}
	} else {
		if !rp.Kind.Valid() {
			return nil, reject("invalid reaction kind %q", rp.Kind)
		}
		p.Counters.Add(rp.Kind, 1)
		r := &schema.Reaction{PostID: rp.PostID, UserID: rp.UserID, Kind: rp.Kind, UpdatedAt: b.config.Now().UTC()}
		if err := w.put(realtime.TableReactions, key, r); err != nil {
			return nil, err
		}
	}
	if err := w.put(realtime.TablePosts, p.ID, p); err != nil {
		return nil, err
	}
	return &syncer.Ack{EntityID: m.EntityID, Post: p}, nil
}

func (b *Backend) vote(w *writer, m *schema.Mutation) (*syncer.Ack, error) {
	var v schema.PollVote
	if err := decode(m, &v); err != nil {
		return nil, err
	}
	p, err := b.livePost(w, v.PostID)
	if err != nil {
		return nil, err
	}
	switch {
	case p.Poll == nil:
		return nil, reject("post %s is not a poll", v.PostID)
	case v.ChoiceIndex >= len(p.Poll.Choices):
		return nil, reject("choice %d out of range", v.ChoiceIndex)
	case p.Poll.Closed(b.config.Now()):
		return nil, reject("poll %s is closed", v.PostID)
	}

	key := schema.CompositeKey(v.PostID, v.UserID)
	var existing schema.PollVote
	if dup, err := w.get(realtime.TablePollVotes, key, &existing); err != nil {
		return nil, err
	} else if dup {
		return nil, reject("user %s already voted", v.UserID)
	}
	v.SyncStatus = ""
	if err := w.put(realtime.TablePollVotes, key, &v); err != nil {
		return nil, err
	}
	return &syncer.Ack{EntityID: m.EntityID}, nil
}

func (b *Backend) sendMessage(w *writer, m *schema.Mutation) (*syncer.Ack, error) {
	var msg schema.Message
	if err := decode(m, &msg); err != nil {
		return nil, err
	}
	var conv schema.Conversation
	ok, err := w.get(realtime.TableConversations, msg.ConversationID, &conv)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, reject("conversation %s not found", msg.ConversationID)
	}
	if !slices.Contains(conv.Participants, msg.SenderID) {
		return nil, reject("%s is not a participant", msg.SenderID)
	}

	if strings.HasPrefix(msg.ID, syncer.TempIDPrefix) {
		id, err := w.nextID("msg")
		if err != nil {
			return nil, err
		}
		msg.ID = id
	}
	msg.SyncStatus = ""
	if err := msg.Validate(); err != nil {
		return nil, reject("%v", err)
	}
	if err := w.put(realtime.TableMessages, msg.ID, &msg); err != nil {
		return nil, err
	}
	return &syncer.Ack{EntityID: msg.ID, Message: &msg}, nil
}

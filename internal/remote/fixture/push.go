package fixture

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quillsocial/feedsync/internal/feedcache/realtime"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncer"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

// Push implements syncer.Backend. Rejections (unknown post, foreign edit,
// second vote) come back as conflict errors so the engine does not retry
// them.
func (b *Backend) Push(ctx context.Context, m *schema.Mutation) (*syncer.Ack, error) {
	const op = "fixture.Push"
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, syncerr.ValidationWrap(op, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Pushes++
	if err := b.injected(op); err != nil {
		return nil, err
	}

	var (
		ack *syncer.Ack
		err error
	)
	switch m.Kind {
	case schema.MutCreatePost:
		ack, err = b.createPost(m)
	case schema.MutEditPost:
		ack, err = b.editPost(m)
	case schema.MutDeletePost:
		ack, err = b.deletePost(m)
	case schema.MutReact, schema.MutUnreact:
		ack, err = b.react(m)
	case schema.MutVote:
		ack, err = b.vote(m)
	case schema.MutSendMessage:
		ack, err = b.sendMessage(m)
	default:
		err = syncerr.Validation(op, "unsupported mutation %q", m.Kind)
	}
	if err != nil {
		return nil, err
	}
	ack.MutationID = m.ID

	if b.config.Dir != "" {
		if err := b.save(b.config.Dir); err != nil {
			b.config.Logger.Printf("Warning: failed to persist fixture: %v", err)
		}
	}
	return ack, nil
}

func decodePayload(m *schema.Mutation, v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return syncerr.ValidationWrap("fixture.Push", fmt.Errorf("bad %s payload: %w", m.Kind, err))
	}
	return nil
}

func rejected(m *schema.Mutation, format string, args ...any) error {
	return syncerr.Conflict("fixture.Push", m.Kind.Entity(), m.EntityID, fmt.Errorf(format, args...))
}

func (b *Backend) createPost(m *schema.Mutation) (*syncer.Ack, error) {
	var p schema.Post
	if err := decodePayload(m, &p); err != nil {
		return nil, err
	}
	if _, ok := b.users[p.OwnerID]; !ok {
		return nil, rejected(m, "unknown author %s", p.OwnerID)
	}
	for _, ref := range []string{p.QuotedPostID, p.RepostedPostID, p.ParentPostID} {
		if ref == "" {
			continue
		}
		if target, ok := b.posts[ref]; !ok || target.Deleted {
			return nil, rejected(m, "referenced post %s does not exist", ref)
		}
	}

	p.ID = b.serverID("srv", p.ID)
	p.Counters = schema.Counters{}
	p.Deleted = false
	if err := p.Validate(); err != nil {
		return nil, syncerr.ValidationWrap("fixture.Push", err)
	}
	if p.Type == schema.PostReply {
		b.bump(p.ParentPostID, func(c *schema.Counters) { c.Replies++ })
	}
	if p.Type == schema.PostRepost || p.Type == schema.PostQuote {
		target := p.RepostedPostID
		if target == "" {
			target = p.QuotedPostID
		}
		b.bump(target, func(c *schema.Counters) { c.Reposts++ })
	}
	b.putPost(&p, realtime.Insert)
	return &syncer.Ack{EntityID: p.ID, Post: cloneOf(&p)}, nil
}

// bump changes the counters of post id and records an update.
func (b *Backend) bump(id string, fn func(c *schema.Counters)) {
	p, ok := b.posts[id]
	if !ok {
		return
	}
	next := cloneOf(p)
	fn(&next.Counters)
	b.putPost(next, realtime.Update)
}

func (b *Backend) ownedPost(m *schema.Mutation) (*schema.Post, error) {
	p, ok := b.posts[m.EntityID]
	if !ok || p.Deleted {
		return nil, rejected(m, "post not found")
	}
	return p, nil
}

func (b *Backend) editPost(m *schema.Mutation) (*syncer.Ack, error) {
	var patch schema.PostPatch
	if err := decodePayload(m, &patch); err != nil {
		return nil, err
	}
	p, err := b.ownedPost(m)
	if err != nil {
		return nil, err
	}
	next := cloneOf(p)
	patch.ApplyTo(next)
	now := b.config.Now().UTC()
	next.UpdatedAt = &now
	b.putPost(next, realtime.Update)
	return &syncer.Ack{EntityID: next.ID, Post: cloneOf(next)}, nil
}

func (b *Backend) deletePost(m *schema.Mutation) (*syncer.Ack, error) {
	p, ok := b.posts[m.EntityID]
	if !ok {
		return nil, rejected(m, "post not found")
	}
	if p.Deleted {
		return &syncer.Ack{EntityID: p.ID}, nil
	}
	next := cloneOf(p)
	next.Deleted = true
	b.putPost(next, realtime.Update)
	return &syncer.Ack{EntityID: next.ID, Post: cloneOf(next)}, nil
}

func (b *Backend) react(m *schema.Mutation) (*syncer.Ack, error) {
	var rp schema.ReactionPayload
	if err := decodePayload(m, &rp); err != nil {
		return nil, err
	}
	p, ok := b.posts[rp.PostID]
	if !ok || p.Deleted {
		return nil, rejected(m, "post %s not found", rp.PostID)
	}

	key := schema.CompositeKey(rp.PostID, rp.UserID)
	var prev schema.ReactionKind
	if r, ok := b.reactions[key]; ok {
		prev = r.Kind
	}

	next := cloneOf(p)
	if prev != "" {
		next.Counters.Add(prev, -1)
	}
	if m.Kind == schema.MutUnreact {
		if prev == "" {
			return &syncer.Ack{EntityID: m.EntityID}, nil
		}
		before := b.reactions[key]
		delete(b.reactions, key)
		b.record(realtime.TableReactions, key, realtime.Delete, before, nil)
	} else {
		if !rp.Kind.Valid() {
			return nil, syncerr.Validation("fixture.Push", "invalid reaction kind %q", rp.Kind)
		}
		next.Counters.Add(rp.Kind, 1)
		b.putReaction(&schema.Reaction{
			PostID:    rp.PostID,
			UserID:    rp.UserID,
			Kind:      rp.Kind,
			UpdatedAt: b.config.Now().UTC(),
		})
	}
	b.putPost(next, realtime.Update)
	return &syncer.Ack{EntityID: m.EntityID, Post: cloneOf(next)}, nil
}

func (b *Backend) vote(m *schema.Mutation) (*syncer.Ack, error) {
	var v schema.PollVote
	if err := decodePayload(m, &v); err != nil {
		return nil, err
	}
	p, ok := b.posts[v.PostID]
	if !ok || p.Deleted || p.Poll == nil {
		return nil, rejected(m, "poll %s not found", v.PostID)
	}
	if v.ChoiceIndex >= len(p.Poll.Choices) {
		return nil, rejected(m, "choice %d out of range", v.ChoiceIndex)
	}
	if p.Poll.Closed(b.config.Now()) {
		return nil, rejected(m, "poll %s is closed", v.PostID)
	}
	if _, dup := b.votes[schema.CompositeKey(v.PostID, v.UserID)]; dup {
		return nil, rejected(m, "user %s already voted", v.UserID)
	}
	b.putVote(&v)
	return &syncer.Ack{EntityID: m.EntityID}, nil
}

func (b *Backend) sendMessage(m *schema.Mutation) (*syncer.Ack, error) {
	var msg schema.Message
	if err := decodePayload(m, &msg); err != nil {
		return nil, err
	}
	conv, ok := b.convs[msg.ConversationID]
	if !ok {
		return nil, rejected(m, "conversation %s not found", msg.ConversationID)
	}
	member := false
	for _, id := range conv.Participants {
		if id == msg.SenderID {
			member = true
			break
		}
	}
	if !member {
		return nil, rejected(m, "%s is not a participant", msg.SenderID)
	}

	msg.ID = b.serverID("msg", msg.ID)
	if err := msg.Validate(); err != nil {
		return nil, syncerr.ValidationWrap("fixture.Push", err)
	}
	b.putMessage(&msg, realtime.Insert)
	return &syncer.Ack{EntityID: msg.ID, Message: cloneOf(&msg)}, nil
}

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quillsocial/feedsync/internal/feedcache/db"
	"github.com/quillsocial/feedsync/internal/feedcache/events"
	"github.com/quillsocial/feedsync/internal/feedcache/reconcile"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
	"github.com/quillsocial/feedsync/internal/metrics"
)

// push sends one outbox entry and settles it. Any failure, including the
// push timeout, leaves the entry and its row in conflict and returns a
// ConflictError.
func (e *Engine) push(ctx context.Context, m *schema.Mutation) (*Ack, error) {
	ctx, span := tracer.Start(ctx, "syncer.push")
	defer span.End()
	span.SetAttributes(
		attribute.String("mutation.kind", string(m.Kind)),
		attribute.String("mutation.id", m.ID),
	)

	pctx, cancel := context.WithTimeout(ctx, e.config.PushTimeout)
	ack, err := backoff.Retry(pctx, func() (*Ack, error) {
		ack, err := e.backend.Push(pctx, m)
		if err != nil {
			return nil, retryable(err)
		}
		if ack == nil {
			return nil, backoff.Permanent(fmt.Errorf("backend returned no ack"))
		}
		return ack, nil
	}, e.retryOptions("push")...)
	cancel()

	if err != nil {
		// The caller gave up: the entry stays pending for the next pass.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		span.RecordError(err)
		metrics.Mutations.WithLabelValues(string(m.Kind), "conflict").Inc()
		return nil, e.onFailure(ctx, m, err)
	}

	if err := e.onAck(ctx, m, ack); err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.Mutations.WithLabelValues(string(m.Kind), "acked").Inc()
	return ack, nil
}

// onAck settles an acknowledged mutation: the row becomes synced, server
// fields are merged, a temporary id is re-keyed, and the outbox entry is
// removed. A held remote event for the row is replayed afterwards.
func (e *Engine) onAck(ctx context.Context, m *schema.Mutation, ack *Ack) error {
	entityID := m.EntityID
	if ack.EntityID != "" {
		entityID = ack.EntityID
	}

	var notes []events.Event
	err := e.store.Update(ctx, func(tx *db.Tx) error {
		notes = nil
		if err := tx.DeleteMutation(m.ID); err != nil {
			return err
		}
		more, err := hasOutstanding(tx, m.EntityID)
		if err != nil {
			return err
		}
		status := schema.StatusSynced
		if more {
			status = schema.StatusPending
		}

		switch m.Kind {
		case schema.MutCreatePost, schema.MutEditPost, schema.MutDeletePost:
			return e.settlePost(tx, m, ack, entityID, status, &notes)

		case schema.MutReact:
			parts, err := schema.SplitKey(m.EntityID, 2)
			if err != nil {
				return err
			}
			return tx.SetReactionSyncStatus(parts[0], parts[1], status)

		case schema.MutVote:
			parts, err := schema.SplitKey(m.EntityID, 2)
			if err != nil {
				return err
			}
			return tx.SetPollVoteSyncStatus(parts[0], parts[1], status)

		case schema.MutSendMessage:
			if err := tx.RekeyMessage(m.EntityID, entityID); err != nil {
				return err
			}
			if err := tx.RekeyMutations(m.EntityID, entityID); err != nil {
				return err
			}
			if ack.Message != nil {
				cp := *ack.Message
				cp.SyncStatus = status
				return tx.UpsertMessage(&cp)
			}
			return tx.SetMessageSyncStatus(entityID, status)
		}
		return nil
	})
	if err != nil {
		return syncerr.Boundary("syncer.push", err)
	}
	for _, n := range notes {
		e.notify(ctx, n)
	}
	e.updateOutboxDepth(ctx)

	ref := reconcile.Ref{Table: m.Kind.Entity(), ID: entityID}
	if err := e.rec.Resolve(ctx, ref, reconcile.Acked, m.ID); err != nil {
		e.config.Logger.Printf("Warning: replay after ack of %s failed: %v", m.ID, err)
	}
	return nil
}

func (e *Engine) settlePost(tx *db.Tx, m *schema.Mutation, ack *Ack, id string, status schema.SyncStatus, notes *[]events.Event) error {
	if m.Kind == schema.MutCreatePost && id != m.EntityID {
		if err := tx.RekeyPost(m.EntityID, id); err != nil {
			return err
		}
		if err := tx.RekeyMutations(m.EntityID, id); err != nil {
			return err
		}
	}

	post, err := tx.GetPost(id)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if ack.Post != nil && m.Kind != schema.MutDeletePost {
		merged := *ack.Post
		merged.ID = id
		// A delete that raced the ack keeps the post deleted.
		merged.Deleted = merged.Deleted || post.Deleted
		post = &merged
		if err := tx.SettleCounters(id); err != nil {
			return err
		}
	}
	post.SyncStatus = status
	if err := tx.UpsertPost(post); err != nil {
		return err
	}
	if post.Deleted {
		return e.mat.RemovePost(tx, id)
	}
	if changed, err := e.mat.Patch(tx, post); err != nil {
		return err
	} else if changed {
		*notes = append(*notes, events.Event{Kind: events.FeedUpdated})
	}
	return nil
}

// hasOutstanding reports whether another outbox entry still targets id.
func hasOutstanding(tx *db.Tx, id string) (bool, error) {
	all, err := tx.ListMutations("")
	if err != nil {
		return false, err
	}
	for _, m := range all {
		if m.EntityID == id {
			return true, nil
		}
	}
	return false, nil
}

// onFailure marks a rejected mutation and its row conflict, rolls back
// optimistic counters, and lets a held remote event win.
func (e *Engine) onFailure(ctx context.Context, m *schema.Mutation, pushErr error) error {
	var notes []events.Event
	err := e.store.Update(ctx, func(tx *db.Tx) error {
		notes = nil
		if err := tx.MarkMutation(m.ID, schema.MutationConflict, pushErr.Error()); err != nil {
			return err
		}
		return e.setRowStatus(tx, m, schema.StatusConflict, &notes)
	})
	if err != nil {
		return syncerr.Boundary("syncer.push", err)
	}
	for _, n := range notes {
		e.notify(ctx, n)
	}
	e.updateOutboxDepth(ctx)
	e.config.Logger.Printf("Push of %s %s failed: %v", m.Kind, m.EntityID, pushErr)

	ref := reconcile.Ref{Table: m.Kind.Entity(), ID: m.EntityID}
	if err := e.rec.Resolve(ctx, ref, reconcile.Failed, m.ID); err != nil {
		return err
	}
	return syncerr.Conflict("syncer.push", m.Kind.Entity(), m.EntityID, pushErr)
}

// setRowStatus moves the row of m to status. Entering conflict rolls back
// the mutation's counter change only while it is still applied; an
// authoritative counter written since then already replaced it. Leaving
// conflict applies the change again.
func (e *Engine) setRowStatus(tx *db.Tx, m *schema.Mutation, status schema.SyncStatus, notes *[]events.Event) error {
	switch m.Kind {
	case schema.MutCreatePost, schema.MutEditPost, schema.MutDeletePost:
		return tx.SetPostSyncStatus(m.EntityID, status)

	case schema.MutReact, schema.MutUnreact:
		var p schema.ReactionPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return syncerr.Storage("syncer.setRowStatus", fmt.Errorf("failed to decode reaction payload: %w", err))
		}
		if m.Kind == schema.MutReact {
			if err := tx.SetReactionSyncStatus(p.PostID, p.UserID, status); err != nil {
				return err
			}
		}

		cur, err := tx.GetMutation(m.ID)
		if err != nil {
			return err
		}
		apply := status != schema.StatusConflict
		if cur.CountersApplied == apply {
			return nil
		}
		sign := int64(1)
		if !apply {
			sign = -1
		}
		if err := tx.SetCountersApplied(m.ID, apply); err != nil {
			return err
		}
		return e.bumpCounters(tx, m.Kind, &p, sign, notes)

	case schema.MutVote:
		parts, err := schema.SplitKey(m.EntityID, 2)
		if err != nil {
			return err
		}
		return tx.SetPollVoteSyncStatus(parts[0], parts[1], status)

	case schema.MutSendMessage:
		return tx.SetMessageSyncStatus(m.EntityID, status)
	}
	return nil
}

// flushOutbox pushes entries that were written but never pushed, such as
// those left by a crash. Rejections are logged; the pass continues.
func (e *Engine) flushOutbox(ctx context.Context) error {
	var pending []*schema.Mutation
	err := e.store.View(ctx, func(tx *db.Tx) error {
		var err error
		pending, err = tx.ListMutations(schema.MutationPending)
		return err
	})
	if err != nil {
		return err
	}

	for _, m := range pending {
		if _, err := e.push(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.config.Logger.Printf("Warning: outbox entry %s not accepted: %v", m.ID, err)
		}
	}
	return nil
}

// Pending lists the outbox, oldest first.
func (e *Engine) Pending(ctx context.Context) ([]*schema.Mutation, error) {
	var out []*schema.Mutation
	err := e.store.View(ctx, func(tx *db.Tx) error {
		var err error
		out, err = tx.ListMutations("")
		return err
	})
	if err != nil {
		return nil, syncerr.Boundary("syncer.Pending", err)
	}
	return out, nil
}

func (e *Engine) conflicted(ctx context.Context, op, id string) (*schema.Mutation, error) {
	var m *schema.Mutation
	err := e.store.View(ctx, func(tx *db.Tx) error {
		var err error
		m, err = tx.GetMutation(id)
		return err
	})
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil, syncerr.Validation(op, "no outbox entry %s", id)
	}
	if err != nil {
		return nil, syncerr.Boundary(op, err)
	}
	if m.Status != schema.MutationConflict {
		return nil, syncerr.Validation(op, "outbox entry %s is %s, not conflict", id, m.Status)
	}
	return m, nil
}

// Retry pushes a conflicted mutation again.
func (e *Engine) Retry(ctx context.Context, mutationID string) error {
	const op = "syncer.Retry"
	m, err := e.conflicted(ctx, op, mutationID)
	if err != nil {
		return err
	}

	var notes []events.Event
	err = e.store.Update(ctx, func(tx *db.Tx) error {
		notes = nil
		if err := tx.SetMutationStatus(m.ID, schema.MutationPending); err != nil {
			return err
		}
		return e.setRowStatus(tx, m, schema.StatusPending, &notes)
	})
	if err != nil {
		return syncerr.Boundary(op, err)
	}
	for _, n := range notes {
		e.notify(ctx, n)
	}

	_, err = e.push(ctx, m)
	return err
}

// Discard abandons a conflicted mutation and restores the remote state.
// A create that was never acknowledged is removed; other writes are
// reverted where the outbox entry allows and a sync pass is requested to
// refetch the rest.
func (e *Engine) Discard(ctx context.Context, mutationID string) error {
	const op = "syncer.Discard"
	m, err := e.conflicted(ctx, op, mutationID)
	if err != nil {
		return err
	}

	resync := false
	var notes []events.Event
	err = e.store.Update(ctx, func(tx *db.Tx) error {
		notes, resync = nil, false
		if err := tx.DeleteMutation(m.ID); err != nil {
			return err
		}

		switch m.Kind {
		case schema.MutCreatePost:
			if err := tx.HardDeletePost(m.EntityID); err != nil {
				return err
			}
			notes = append(notes, events.Event{Kind: events.PostDeleted, PostID: m.EntityID})

		case schema.MutEditPost, schema.MutDeletePost:
			if err := tx.SetPostSyncStatus(m.EntityID, schema.StatusSynced); err != nil {
				return err
			}
			resync = true

		case schema.MutReact, schema.MutUnreact:
			var p schema.ReactionPayload
			if err := json.Unmarshal(m.Payload, &p); err != nil {
				return syncerr.Storage(op, err)
			}
			// Counters were rolled back when the push failed.
			if p.Previous == "" {
				return tx.DeleteReaction(p.PostID, p.UserID)
			}
			return tx.UpsertReaction(&schema.Reaction{
				PostID:     p.PostID,
				UserID:     p.UserID,
				Kind:       p.Previous,
				SyncStatus: schema.StatusSynced,
				UpdatedAt:  m.CreatedAt,
			})

		case schema.MutVote:
			parts, err := schema.SplitKey(m.EntityID, 2)
			if err != nil {
				return err
			}
			return tx.DeletePollVote(parts[0], parts[1])

		case schema.MutSendMessage:
			return tx.DeleteMessage(m.EntityID)
		}
		return nil
	})
	if err != nil {
		return syncerr.Boundary(op, err)
	}
	for _, n := range notes {
		e.notify(ctx, n)
	}
	e.updateOutboxDepth(ctx)
	e.config.Logger.Printf("Discarded %s %s", m.Kind, m.EntityID)

	if resync {
		e.RequestSync()
	}
	return nil
}

func (e *Engine) updateOutboxDepth(ctx context.Context) {
	var n int
	err := e.store.View(ctx, func(tx *db.Tx) error {
		all, err := tx.ListMutations("")
		n = len(all)
		return err
	})
	if err == nil {
		metrics.OutboxDepth.Set(float64(n))
	}
}

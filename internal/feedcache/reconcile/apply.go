package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quillsocial/feedsync/internal/feedcache/db"
	"github.com/quillsocial/feedsync/internal/feedcache/events"
	"github.com/quillsocial/feedsync/internal/feedcache/realtime"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

// applyDelete removes the row behind ref. Posts are soft-deleted so
// embeds referencing them render as unavailable; users are deactivated.
func (m *Manager) applyDelete(tx *db.Tx, ref Ref, out *[]events.Event) error {
	switch ref.Table {
	case realtime.TablePosts:
		_, exists, err := tx.SyncStatusOf(ref.Table, ref.ID)
		if err != nil || !exists {
			return err
		}
		if err := tx.SoftDeletePost(ref.ID); err != nil {
			return err
		}
		if err := tx.SetPostSyncStatus(ref.ID, schema.StatusSynced); err != nil {
			return err
		}
		if err := m.mat.RemovePost(tx, ref.ID); err != nil {
			return err
		}
		*out = append(*out, events.Event{Kind: events.PostDeleted, PostID: ref.ID})

	case realtime.TableUsers:
		return tx.DeactivateUser(ref.ID)

	case realtime.TableReactions, realtime.TablePollVotes, realtime.TableFeedItems:
		parts, err := schema.SplitKey(ref.ID, 2)
		if err != nil {
			return syncerr.ValidationWrap("reconcile.Apply", err)
		}
		switch ref.Table {
		case realtime.TableReactions:
			return tx.DeleteReaction(parts[0], parts[1])
		case realtime.TablePollVotes:
			return tx.DeletePollVote(parts[0], parts[1])
		}
		if err := tx.DeleteFeedItem(parts[0], parts[1]); err != nil {
			return err
		}
		*out = append(*out, events.Event{Kind: events.FeedUpdated})

	case realtime.TableConversations:
		return tx.DeleteConversation(ref.ID)

	case realtime.TableMessages:
		return tx.DeleteMessage(ref.ID)
	}
	return nil
}

// applyRow inserts or merges the event's row. force makes the remote
// state win over a local write that failed.
func (m *Manager) applyRow(tx *db.Tx, ev realtime.ChangeEvent, ref Ref, exists, force bool, out *[]events.Event) error {
	payload := ev.Payload()

	switch ref.Table {
	case realtime.TablePosts:
		return m.applyPost(tx, payload, ref, exists, force, out)

	case realtime.TableUsers:
		var patch schema.UserPatch
		if err := decode(payload, &patch); err != nil {
			return err
		}
		u := &schema.User{}
		if exists {
			cur, err := tx.GetUser(ref.ID)
			if err != nil {
				return err
			}
			u = cur
		}
		if !patch.ApplyTo(u) {
			return nil
		}
		if u.Validate() != nil {
			m.config.Logger.Printf("Skipping partial user row %s", ref.ID)
			return nil
		}
		return tx.UpsertUser(u)

	case realtime.TableReactions:
		var r schema.Reaction
		if err := decode(payload, &r); err != nil {
			return err
		}
		r.SyncStatus = schema.StatusSynced
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = time.Now()
		}
		return tx.UpsertReaction(&r)

	case realtime.TablePollVotes:
		var v schema.PollVote
		if err := decode(payload, &v); err != nil {
			return err
		}
		v.SyncStatus = schema.StatusSynced
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now()
		}
		return tx.UpsertPollVote(&v)

	case realtime.TableFeedItems:
		var item schema.FeedItem
		if err := decode(payload, &item); err != nil {
			return err
		}
		item.Source = schema.SourceRemote
		if item.InsertedAt.IsZero() {
			item.InsertedAt = time.Now()
		}
		if err := tx.UpsertFeedItem(&item); err != nil {
			return err
		}
		*out = append(*out, events.Event{Kind: events.FeedUpdated})
		return nil

	case realtime.TableConversations:
		var c schema.Conversation
		if err := decode(payload, &c); err != nil {
			return err
		}
		return tx.UpsertConversation(&c)

	case realtime.TableMessages:
		var msg schema.Message
		if err := decode(payload, &msg); err != nil {
			return err
		}
		msg.SyncStatus = schema.StatusSynced
		if err := tx.UpsertMessage(&msg); err != nil {
			return err
		}
		if !exists {
			*out = append(*out, events.Event{
				Kind:           events.NewMessage,
				ConversationID: msg.ConversationID,
				Message:        &msg,
			})
		}
		return nil
	}
	return syncerr.Validation("reconcile.Apply", "table %q is not reconciled", ref.Table)
}

// applyPost merges a partial post row and patches the feeds in the same
// transaction. Counters in the change are absolute, so only the posts whose
// score moved are rewritten in each feed.
func (m *Manager) applyPost(tx *db.Tx, payload json.RawMessage, ref Ref, exists, force bool, out *[]events.Event) error {
	var change schema.PostChange
	if err := decode(payload, &change); err != nil {
		return err
	}
	if err := schema.ValidateStruct(&change); err != nil {
		return syncerr.ValidationWrap("reconcile.Apply", err)
	}

	post := &schema.Post{ID: ref.ID}
	if exists {
		cur, err := tx.GetPost(ref.ID)
		if err != nil {
			return err
		}
		post = cur
	}

	var cs schema.ChangeSet
	if force {
		cs = forceApply(&change, post)
	} else {
		cs = change.ApplyTo(post)
	}
	if change.HasCounters() {
		if err := tx.SettleCounters(ref.ID); err != nil {
			return err
		}
	}
	if exists && !cs.Any() && post.SyncStatus == schema.StatusSynced {
		return nil
	}

	post.SyncStatus = schema.StatusSynced
	if !exists {
		if err := post.Validate(); err != nil {
			m.config.Logger.Printf("Skipping partial post row %s: %v", ref.ID, err)
			return nil
		}
	}
	if err := tx.UpsertPost(post); err != nil {
		return err
	}
	if post.Deleted {
		return nil
	}

	changed, err := m.mat.Patch(tx, post)
	if err != nil {
		return err
	}
	if cs.Likes {
		*out = append(*out, events.Event{Kind: events.LikeCountUpdate, PostID: post.ID, Count: post.Likes})
	}
	if changed {
		*out = append(*out, events.Event{Kind: events.FeedUpdated})
	}
	return nil
}

// forceApply applies change without the updated_at guard, so a remote row
// replaces content a rejected local edit left behind.
func forceApply(change *schema.PostChange, post *schema.Post) schema.ChangeSet {
	created, updated := post.CreatedAt, post.UpdatedAt
	post.CreatedAt, post.UpdatedAt = time.Time{}, nil
	cs := change.ApplyTo(post)
	if post.CreatedAt.IsZero() {
		post.CreatedAt = created
	}
	if change.UpdatedAt == nil {
		post.UpdatedAt = updated
	}
	cs.Content = true
	return cs
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return syncerr.ValidationWrap("reconcile.Apply", errors.New("event has no row"))
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return syncerr.ValidationWrap("reconcile.Apply", fmt.Errorf("failed to decode row: %w", err))
	}
	return nil
}

// Package syncer keeps the local store in step with the remote backend.
//
// Overview
//
// The Engine has two directions of traffic:
//
//	remote ──Pull──▶ Snapshot ──one tx per scope──▶ store ──RebuildAll──▶ feed_items
//	user action ──optimistic tx (row pending + outbox)──▶ store ──Push──▶ remote
//
// A sync pass (StartSync) first flushes outbox entries that were never
// pushed, then pulls every scope concurrently, applies each snapshot in its
// own transaction, rebuilds the materialized feeds, and publishes
// FeedUpdated. Rows with an outstanding local write are not overwritten by
// a pull; their remote copy is parked in the reconciler's slot for that id
// and replayed when the write resolves.
//
// Passes never overlap. A request that arrives while a pass is running sets
// a single trailing flag, so any number of requests during a pass cost
// exactly one more pass.
//
// Local writes
//
// Every mutation (CreatePost, EditPost, DeletePost, React, Unreact, Vote,
// SendMessage) writes its row with sync_status=pending and an outbox entry
// in one transaction, then pushes with a bounded timeout:
//
//	ack      → row synced, server fields merged, temporary id re-keyed
//	failure  → row conflict, outbox entry kept, ConflictError returned
//
// A conflicted write stays visible until Retry or Discard.
//
// Reaction counters are bumped optimistically and rolled back (clamped at
// zero) when the push fails.
//
// Usage
//
//	eng, err := syncer.New(store, mat, rec, bus, backend, viewer, nil)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	if err := eng.StartSync(ctx); err != nil {
//	    return err
//	}
//
//	post, err := eng.CreatePost(ctx, schema.PostDraft{Type: schema.PostOriginal, Content: "hi"})
//	if errors.Is(err, syncerr.ErrConflict) {
//	    // post is stored with sync_status=conflict; offer Retry or Discard
//	}
package syncer

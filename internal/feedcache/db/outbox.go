package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

const mutationColumns = "id, kind, entity_id, post_id, payload, status, attempts, last_error, created_at, counters_applied"

type mutationRow struct {
	ID        string         `db:"id"`
	Kind      string         `db:"kind"`
	EntityID  string         `db:"entity_id"`
	PostID    sql.NullString `db:"post_id"`
	Payload   string         `db:"payload"`
	Status    string         `db:"status"`
	Attempts  int            `db:"attempts"`
	LastError sql.NullString `db:"last_error"`
	CreatedAt string         `db:"created_at"`
	Applied   bool           `db:"counters_applied"`
}

func (r *mutationRow) toMutation() (*schema.Mutation, error) {
	created, err := schema.ParseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &schema.Mutation{
		ID:        r.ID,
		Kind:      schema.MutationKind(r.Kind),
		EntityID:  r.EntityID,
		PostID:    r.PostID.String,
		Payload:   []byte(r.Payload),
		Status:    schema.MutationStatus(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError.String,
		CreatedAt: created,

		CountersApplied: r.Applied,
	}, nil
}

// EnqueueMutation appends a mutation to the outbox.
func (tx *Tx) EnqueueMutation(m *schema.Mutation) error {
	if err := m.Validate(); err != nil {
		return syncerr.ValidationWrap("db.EnqueueMutation", fmt.Errorf("invalid mutation: %w", err))
	}
	status := m.Status
	if status == "" {
		status = schema.MutationPending
	}
	payload := string(m.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.exec("db.EnqueueMutation", `
	INSERT INTO pending_mutations (`+mutationColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Kind), m.EntityID, nullString(m.PostID), payload, string(status),
		m.Attempts, nullString(m.LastError), schema.FormatTime(m.CreatedAt), m.CountersApplied)
	return err
}

// GetMutation returns an outbox entry or syncerr.ErrNotFound.
func (tx *Tx) GetMutation(id string) (*schema.Mutation, error) {
	var row mutationRow
	err := sqlx.GetContext(tx.ctx, tx.q, &row, "SELECT "+mutationColumns+" FROM pending_mutations WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		return nil, syncerr.Storage("db.GetMutation", err)
	}
	m, err := row.toMutation()
	if err != nil {
		return nil, syncerr.Storage("db.GetMutation", err)
	}
	return m, nil
}

// ListMutations returns outbox entries in enqueue order. An empty status
// returns every entry.
func (tx *Tx) ListMutations(status schema.MutationStatus) ([]*schema.Mutation, error) {
	query := "SELECT " + mutationColumns + " FROM pending_mutations"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY seq"

	var rows []mutationRow
	if err := sqlx.SelectContext(tx.ctx, tx.q, &rows, query, args...); err != nil {
		return nil, syncerr.Storage("db.ListMutations", fmt.Errorf("failed to list mutations: %w", err))
	}
	out := make([]*schema.Mutation, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMutation()
		if err != nil {
			return nil, syncerr.Storage("db.ListMutations", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// MarkMutation records the outcome of a push attempt.
func (tx *Tx) MarkMutation(id string, status schema.MutationStatus, lastErr string) error {
	_, err := tx.exec("db.MarkMutation", `
	UPDATE pending_mutations
	SET status = ?, attempts = attempts + 1, last_error = ?
	WHERE id = ?`, string(status), nullString(lastErr), id)
	return err
}

// SetMutationStatus changes the status without counting an attempt.
func (tx *Tx) SetMutationStatus(id string, status schema.MutationStatus) error {
	_, err := tx.exec("db.SetMutationStatus", "UPDATE pending_mutations SET status = ? WHERE id = ?", string(status), id)
	return err
}

// SetCountersApplied records whether the counter change of a mutation is
// still applied to its post.
func (tx *Tx) SetCountersApplied(id string, applied bool) error {
	_, err := tx.exec("db.SetCountersApplied", "UPDATE pending_mutations SET counters_applied = ? WHERE id = ?", applied, id)
	return err
}

// SettleCounters marks the counters of postID as authoritative: outbox
// entries on the post no longer hold a counter change to roll back.
func (tx *Tx) SettleCounters(postID string) error {
	_, err := tx.exec("db.SettleCounters",
		"UPDATE pending_mutations SET counters_applied = 0 WHERE post_id = ? AND counters_applied = 1", postID)
	return err
}

// RekeyMutations points outbox entries at an entity's new id.
func (tx *Tx) RekeyMutations(oldID, newID string) error {
	_, err := tx.exec("db.RekeyMutations", "UPDATE pending_mutations SET entity_id = ? WHERE entity_id = ?", newID, oldID)
	return err
}

// DeleteMutation removes an outbox entry. Idempotent.
func (tx *Tx) DeleteMutation(id string) error {
	_, err := tx.exec("db.DeleteMutation", "DELETE FROM pending_mutations WHERE id = ?", id)
	return err
}

// RecordConflict appends a remote-wins resolution to the conflict log.
func (tx *Tx) RecordConflict(c *schema.ConflictRecord) error {
	detected := c.DetectedAt
	if detected.IsZero() {
		detected = time.Now()
	}
	_, err := tx.exec("db.RecordConflict", `
	INSERT INTO conflict_log (entity, entity_id, mutation_id, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?)`,
		c.Entity, c.EntityID, nullString(c.MutationID), c.Resolution, schema.FormatTime(detected))
	return err
}

// ListConflicts returns the conflict log, newest first.
func (tx *Tx) ListConflicts(limit int) ([]*schema.ConflictRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		ID         int64          `db:"id"`
		Entity     string         `db:"entity"`
		EntityID   string         `db:"entity_id"`
		MutationID sql.NullString `db:"mutation_id"`
		Resolution string         `db:"resolution"`
		DetectedAt string         `db:"detected_at"`
	}
	err := sqlx.SelectContext(tx.ctx, tx.q, &rows, `
	SELECT id, entity, entity_id, mutation_id, resolution, detected_at
	FROM conflict_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, syncerr.Storage("db.ListConflicts", err)
	}
	out := make([]*schema.ConflictRecord, 0, len(rows))
	for _, r := range rows {
		detected, err := schema.ParseTime(r.DetectedAt)
		if err != nil {
			return nil, syncerr.Storage("db.ListConflicts", err)
		}
		out = append(out, &schema.ConflictRecord{
			ID:         r.ID,
			Entity:     r.Entity,
			EntityID:   r.EntityID,
			MutationID: r.MutationID.String,
			Resolution: r.Resolution,
			DetectedAt: detected,
		})
	}
	return out, nil
}

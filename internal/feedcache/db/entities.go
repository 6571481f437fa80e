package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

// ===== Users =====

type userRow struct {
	ID          string         `db:"id"`
	Username    string         `db:"username"`
	DisplayName string         `db:"display_name"`
	AvatarURL   sql.NullString `db:"avatar_url"`
	Verified    bool           `db:"verified"`
	Suspended   bool           `db:"suspended"`
	Active      bool           `db:"active"`
	UpdatedAt   string         `db:"updated_at"`
}

// UpsertUser inserts or replaces a user keyed by id.
func (tx *Tx) UpsertUser(u *schema.User) error {
	if err := u.Validate(); err != nil {
		return syncerr.ValidationWrap("db.UpsertUser", fmt.Errorf("invalid user: %w", err))
	}
	_, err := tx.exec("db.UpsertUser", `
	INSERT INTO users (id, username, display_name, avatar_url, verified, suspended, active, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = excluded.username,
		display_name = excluded.display_name,
		avatar_url = excluded.avatar_url,
		verified = excluded.verified,
		suspended = excluded.suspended,
		active = excluded.active,
		updated_at = excluded.updated_at
	`,
		u.ID, u.Username, u.DisplayName, nullString(u.AvatarURL),
		boolToInt(u.Verified), boolToInt(u.Suspended), boolToInt(u.Active),
		schema.FormatTime(u.UpdatedAt),
	)
	return err
}

// GetUser returns a user by id or syncerr.ErrNotFound.
func (tx *Tx) GetUser(id string) (*schema.User, error) {
	var row userRow
	err := sqlx.GetContext(tx.ctx, tx.q, &row, `
	SELECT id, username, display_name, avatar_url, verified, suspended, active, updated_at
	FROM users WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		return nil, syncerr.Storage("db.GetUser", fmt.Errorf("failed to get user %s: %w", id, err))
	}
	updated, err := schema.ParseTime(row.UpdatedAt)
	if err != nil {
		return nil, syncerr.Storage("db.GetUser", err)
	}
	return &schema.User{
		ID:          row.ID,
		Username:    row.Username,
		DisplayName: row.DisplayName,
		AvatarURL:   row.AvatarURL.String,
		Verified:    row.Verified,
		Suspended:   row.Suspended,
		Active:      row.Active,
		UpdatedAt:   updated,
	}, nil
}

// DeactivateUser marks a user inactive. Users are never deleted.
func (tx *Tx) DeactivateUser(id string) error {
	_, err := tx.exec("db.DeactivateUser", "UPDATE users SET active = 0 WHERE id = ?", id)
	return err
}

// ===== Reactions =====

type reactionRow struct {
	PostID     string `db:"post_id"`
	UserID     string `db:"user_id"`
	Kind       string `db:"kind"`
	SyncStatus string `db:"sync_status"`
	UpdatedAt  string `db:"updated_at"`
}

// UpsertReaction stores the reaction of a user on a post, replacing any
// earlier one. A user never holds two reactions on the same post.
func (tx *Tx) UpsertReaction(r *schema.Reaction) error {
	if err := r.Validate(); err != nil {
		return syncerr.ValidationWrap("db.UpsertReaction", fmt.Errorf("invalid reaction: %w", err))
	}
	status := r.SyncStatus
	if status == "" {
		status = schema.StatusSynced
	}
	_, err := tx.exec("db.UpsertReaction", `
	INSERT INTO reactions (post_id, user_id, kind, sync_status, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(post_id, user_id) DO UPDATE SET
		kind = excluded.kind,
		sync_status = excluded.sync_status,
		updated_at = excluded.updated_at
	`, r.PostID, r.UserID, string(r.Kind), string(status), schema.FormatTime(r.UpdatedAt))
	return err
}

// GetReaction returns the reaction of userID on postID or syncerr.ErrNotFound.
func (tx *Tx) GetReaction(postID, userID string) (*schema.Reaction, error) {
	var row reactionRow
	err := sqlx.GetContext(tx.ctx, tx.q, &row, `
	SELECT post_id, user_id, kind, sync_status, updated_at
	FROM reactions WHERE post_id = ? AND user_id = ?`, postID, userID)
	if err == sql.ErrNoRows {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		return nil, syncerr.Storage("db.GetReaction", fmt.Errorf("failed to get reaction: %w", err))
	}
	updated, err := schema.ParseTime(row.UpdatedAt)
	if err != nil {
		return nil, syncerr.Storage("db.GetReaction", err)
	}
	return &schema.Reaction{
		PostID:     row.PostID,
		UserID:     row.UserID,
		Kind:       schema.ReactionKind(row.Kind),
		SyncStatus: schema.SyncStatus(row.SyncStatus),
		UpdatedAt:  updated,
	}, nil
}

// CountReactions returns the number of reaction rows for a post.
func (tx *Tx) CountReactions(postID string) (int, error) {
	var n int
	if err := sqlx.GetContext(tx.ctx, tx.q, &n, "SELECT COUNT(*) FROM reactions WHERE post_id = ?", postID); err != nil {
		return 0, syncerr.Storage("db.CountReactions", err)
	}
	return n, nil
}

// SetReactionSyncStatus updates only the sync status of a reaction.
func (tx *Tx) SetReactionSyncStatus(postID, userID string, status schema.SyncStatus) error {
	_, err := tx.exec("db.SetReactionSyncStatus",
		"UPDATE reactions SET sync_status = ? WHERE post_id = ? AND user_id = ?",
		string(status), postID, userID)
	return err
}

// DeleteReaction removes a reaction. Idempotent.
func (tx *Tx) DeleteReaction(postID, userID string) error {
	_, err := tx.exec("db.DeleteReaction", "DELETE FROM reactions WHERE post_id = ? AND user_id = ?", postID, userID)
	return err
}

// ===== Poll votes =====

// InsertPollVote records a vote. A user may vote once per poll; a second
// vote returns a ValidationError and leaves the first untouched.
func (tx *Tx) InsertPollVote(v *schema.PollVote) error {
	if err := v.Validate(); err != nil {
		return syncerr.ValidationWrap("db.InsertPollVote", fmt.Errorf("invalid vote: %w", err))
	}
	existing, err := tx.GetPollVote(v.PostID, v.UserID)
	if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
		return err
	}
	if existing != nil {
		return syncerr.Validation("db.InsertPollVote", "user %s already voted on %s", v.UserID, v.PostID)
	}
	return tx.writePollVote(v, false)
}

// UpsertPollVote stores a vote delivered by the remote, which is
// authoritative for it.
func (tx *Tx) UpsertPollVote(v *schema.PollVote) error {
	if err := v.Validate(); err != nil {
		return syncerr.ValidationWrap("db.UpsertPollVote", fmt.Errorf("invalid vote: %w", err))
	}
	return tx.writePollVote(v, true)
}

func (tx *Tx) writePollVote(v *schema.PollVote, replace bool) error {
	status := v.SyncStatus
	if status == "" {
		status = schema.StatusSynced
	}
	query := `INSERT INTO poll_votes (post_id, user_id, choice_index, sync_status, created_at)
	VALUES (?, ?, ?, ?, ?)`
	if replace {
		query += `
	ON CONFLICT(post_id, user_id) DO UPDATE SET
		choice_index = excluded.choice_index,
		sync_status = excluded.sync_status,
		created_at = excluded.created_at`
	}
	_, err := tx.exec("db.writePollVote", query,
		v.PostID, v.UserID, v.ChoiceIndex, string(status), schema.FormatTime(v.CreatedAt))
	return err
}

// GetPollVote returns the vote of userID on postID or syncerr.ErrNotFound.
func (tx *Tx) GetPollVote(postID, userID string) (*schema.PollVote, error) {
	var row struct {
		PostID      string `db:"post_id"`
		UserID      string `db:"user_id"`
		ChoiceIndex int    `db:"choice_index"`
		SyncStatus  string `db:"sync_status"`
		CreatedAt   string `db:"created_at"`
	}
	err := sqlx.GetContext(tx.ctx, tx.q, &row, `
	SELECT post_id, user_id, choice_index, sync_status, created_at
	FROM poll_votes WHERE post_id = ? AND user_id = ?`, postID, userID)
	if err == sql.ErrNoRows {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		return nil, syncerr.Storage("db.GetPollVote", fmt.Errorf("failed to get vote: %w", err))
	}
	created, err := schema.ParseTime(row.CreatedAt)
	if err != nil {
		return nil, syncerr.Storage("db.GetPollVote", err)
	}
	return &schema.PollVote{
		PostID:      row.PostID,
		UserID:      row.UserID,
		ChoiceIndex: row.ChoiceIndex,
		SyncStatus:  schema.SyncStatus(row.SyncStatus),
		CreatedAt:   created,
	}, nil
}

// SetPollVoteSyncStatus updates only the sync status of a vote.
func (tx *Tx) SetPollVoteSyncStatus(postID, userID string, status schema.SyncStatus) error {
	_, err := tx.exec("db.SetPollVoteSyncStatus",
		"UPDATE poll_votes SET sync_status = ? WHERE post_id = ? AND user_id = ?",
		string(status), postID, userID)
	return err
}

// DeletePollVote removes a vote. Idempotent.
func (tx *Tx) DeletePollVote(postID, userID string) error {
	_, err := tx.exec("db.DeletePollVote", "DELETE FROM poll_votes WHERE post_id = ? AND user_id = ?", postID, userID)
	return err
}

// ===== Conversations =====

// UpsertConversation inserts or replaces a conversation.
func (tx *Tx) UpsertConversation(c *schema.Conversation) error {
	if err := c.Validate(); err != nil {
		return syncerr.ValidationWrap("db.UpsertConversation", fmt.Errorf("invalid conversation: %w", err))
	}
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return syncerr.Storage("db.UpsertConversation", err)
	}
	admins, err := marshalNullJSON(c.Admins, len(c.Admins) == 0)
	if err != nil {
		return syncerr.Storage("db.UpsertConversation", err)
	}
	_, err = tx.exec("db.UpsertConversation", `
	INSERT INTO conversations (id, type, title, owner_id, participants, admins, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		type = excluded.type,
		title = excluded.title,
		owner_id = excluded.owner_id,
		participants = excluded.participants,
		admins = excluded.admins,
		updated_at = excluded.updated_at
	`, c.ID, string(c.Type), c.Title, nullString(c.OwnerID), string(participants), admins, schema.FormatTime(c.UpdatedAt))
	return err
}

// GetConversation returns a conversation or syncerr.ErrNotFound.
func (tx *Tx) GetConversation(id string) (*schema.Conversation, error) {
	var row struct {
		ID           string         `db:"id"`
		Type         string         `db:"type"`
		Title        string         `db:"title"`
		OwnerID      sql.NullString `db:"owner_id"`
		Participants string         `db:"participants"`
		Admins       sql.NullString `db:"admins"`
		UpdatedAt    string         `db:"updated_at"`
	}
	err := sqlx.GetContext(tx.ctx, tx.q, &row, `
	SELECT id, type, title, owner_id, participants, admins, updated_at
	FROM conversations WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		return nil, syncerr.Storage("db.GetConversation", fmt.Errorf("failed to get conversation %s: %w", id, err))
	}
	c := &schema.Conversation{
		ID:      row.ID,
		Type:    schema.ConversationType(row.Type),
		Title:   row.Title,
		OwnerID: row.OwnerID.String,
	}
	if err := json.Unmarshal([]byte(row.Participants), &c.Participants); err != nil {
		return nil, syncerr.Storage("db.GetConversation", fmt.Errorf("failed to parse participants: %w", err))
	}
	if row.Admins.Valid {
		if err := json.Unmarshal([]byte(row.Admins.String), &c.Admins); err != nil {
			return nil, syncerr.Storage("db.GetConversation", fmt.Errorf("failed to parse admins: %w", err))
		}
	}
	if c.UpdatedAt, err = schema.ParseTime(row.UpdatedAt); err != nil {
		return nil, syncerr.Storage("db.GetConversation", err)
	}
	return c, nil
}

// DeleteConversation removes a conversation and its messages.
func (tx *Tx) DeleteConversation(id string) error {
	if _, err := tx.exec("db.DeleteConversation", "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return err
	}
	_, err := tx.exec("db.DeleteConversation", "DELETE FROM conversations WHERE id = ?", id)
	return err
}

// ===== Messages =====

const messageColumns = "id, conversation_id, sender_id, text, media, sync_status, created_at, updated_at"

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	Text           string         `db:"text"`
	Media          sql.NullString `db:"media"`
	SyncStatus     string         `db:"sync_status"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      sql.NullString `db:"updated_at"`
}

func (r *messageRow) toMessage() (*schema.Message, error) {
	m := &schema.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Text:           r.Text,
		SyncStatus:     schema.SyncStatus(r.SyncStatus),
	}
	if r.Media.Valid && r.Media.String != "" {
		if err := json.Unmarshal([]byte(r.Media.String), &m.Media); err != nil {
			return nil, fmt.Errorf("failed to parse media of message %s: %w", r.ID, err)
		}
	}
	var err error
	if m.CreatedAt, err = schema.ParseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = nullStringToTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// UpsertMessage inserts or replaces a message.
func (tx *Tx) UpsertMessage(m *schema.Message) error {
	if err := m.Validate(); err != nil {
		return syncerr.ValidationWrap("db.UpsertMessage", fmt.Errorf("invalid message: %w", err))
	}
	media, err := marshalNullJSON(m.Media, len(m.Media) == 0)
	if err != nil {
		return syncerr.Storage("db.UpsertMessage", err)
	}
	status := m.SyncStatus
	if status == "" {
		status = schema.StatusSynced
	}
	_, err = tx.exec("db.UpsertMessage", `
	INSERT INTO messages (`+messageColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		sender_id = excluded.sender_id,
		text = excluded.text,
		media = excluded.media,
		sync_status = excluded.sync_status,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
	`, m.ID, m.ConversationID, m.SenderID, m.Text, media, string(status),
		schema.FormatTime(m.CreatedAt), timeToNullString(m.UpdatedAt))
	return err
}

// GetMessage returns a message or syncerr.ErrNotFound.
func (tx *Tx) GetMessage(id string) (*schema.Message, error) {
	var row messageRow
	err := sqlx.GetContext(tx.ctx, tx.q, &row, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return nil, syncerr.ErrNotFound
	}
	if err != nil {
		return nil, syncerr.Storage("db.GetMessage", fmt.Errorf("failed to get message %s: %w", id, err))
	}
	m, err := row.toMessage()
	if err != nil {
		return nil, syncerr.Storage("db.GetMessage", err)
	}
	return m, nil
}

// ListMessages returns the newest messages of a conversation, oldest first.
func (tx *Tx) ListMessages(conversationID string, limit int) ([]*schema.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []messageRow
	err := sqlx.SelectContext(tx.ctx, tx.q, &rows, `
	SELECT * FROM (
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	) ORDER BY created_at ASC, id ASC`, conversationID, limit)
	if err != nil {
		return nil, syncerr.Storage("db.ListMessages", fmt.Errorf("failed to list messages: %w", err))
	}
	out := make([]*schema.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, syncerr.Storage("db.ListMessages", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// SetMessageSyncStatus updates only the sync status of a message.
func (tx *Tx) SetMessageSyncStatus(id string, status schema.SyncStatus) error {
	_, err := tx.exec("db.SetMessageSyncStatus", "UPDATE messages SET sync_status = ? WHERE id = ?", string(status), id)
	return err
}

// RekeyMessage moves a message from its temporary id to the remote id. If
// the remote id is already cached the temporary row is dropped.
func (tx *Tx) RekeyMessage(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	_, exists, err := tx.SyncStatusOf("messages", newID)
	if err != nil {
		return err
	}
	if exists {
		return tx.DeleteMessage(oldID)
	}
	_, err = tx.exec("db.RekeyMessage", "UPDATE messages SET id = ? WHERE id = ?", newID, oldID)
	return err
}

// DeleteMessage removes a message. Idempotent.
func (tx *Tx) DeleteMessage(id string) error {
	_, err := tx.exec("db.DeleteMessage", "DELETE FROM messages WHERE id = ?", id)
	return err
}

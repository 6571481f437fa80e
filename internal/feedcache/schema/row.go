package schema

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every timestamp column.
// Fixed width keeps lexical and chronological order identical.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp column. RFC 3339 input is accepted as well so
// rows written by other tools still load.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// KeySep joins the parts of a composite primary key into one id.
const KeySep = "|"

// CompositeKey builds the id used for rows with a composite primary key,
// e.g. reactions keyed by (post_id, user_id).
func CompositeKey(parts ...string) string {
	return strings.Join(parts, KeySep)
}

// SplitKey splits a composite id into exactly n parts.
func SplitKey(id string, n int) ([]string, error) {
	parts := strings.SplitN(id, KeySep, n)
	if len(parts) != n {
		return nil, fmt.Errorf("key %q does not have %d parts", id, n)
	}
	return parts, nil
}

// PostColumns is one post as it appears in a joined read. Every column is
// nullable because the post may come from a LEFT JOIN that matched nothing.
type PostColumns struct {
	ID             sql.NullString `db:"id"`
	OwnerID        sql.NullString `db:"owner_id"`
	Content        sql.NullString `db:"content"`
	Type           sql.NullString `db:"type"`
	QuotedPostID   sql.NullString `db:"quoted_post_id"`
	RepostedPostID sql.NullString `db:"reposted_post_id"`
	ParentPostID   sql.NullString `db:"parent_post_id"`
	Media          sql.NullString `db:"media"`
	Poll           sql.NullString `db:"poll"`
	Likes          sql.NullInt64  `db:"like_count"`
	Dislikes       sql.NullInt64  `db:"dislike_count"`
	Laughs         sql.NullInt64  `db:"laugh_count"`
	Reposts        sql.NullInt64  `db:"repost_count"`
	Replies        sql.NullInt64  `db:"reply_count"`
	Deleted        sql.NullBool   `db:"deleted"`
	SyncStatus     sql.NullString `db:"sync_status"`
	CreatedAt      sql.NullString `db:"created_at"`
	UpdatedAt      sql.NullString `db:"updated_at"`
}

// PostColumnNames lists the columns of PostColumns in select order.
var PostColumnNames = []string{
	"id", "owner_id", "content", "type",
	"quoted_post_id", "reposted_post_id", "parent_post_id",
	"media", "poll",
	"like_count", "dislike_count", "laugh_count", "repost_count", "reply_count",
	"deleted", "sync_status", "created_at", "updated_at",
}

// AuthorColumns is the joined author of a post.
type AuthorColumns struct {
	ID          sql.NullString `db:"id"`
	Username    sql.NullString `db:"username"`
	DisplayName sql.NullString `db:"display_name"`
	AvatarURL   sql.NullString `db:"avatar_url"`
	Verified    sql.NullBool   `db:"verified"`
	Suspended   sql.NullBool   `db:"suspended"`
	Active      sql.NullBool   `db:"active"`
}

// AuthorColumnNames lists the columns of AuthorColumns in select order.
var AuthorColumnNames = []string{
	"id", "username", "display_name", "avatar_url", "verified", "suspended", "active",
}

// RawPostRow is the flat result of the single feed read query: a post, its
// author and the viewer's reaction and vote, plus the same bundle for the
// quoted post and the reposted post.
type RawPostRow struct {
	Post           PostColumns    `db:"p"`
	Author         AuthorColumns  `db:"a"`
	ViewerReaction sql.NullString `db:"viewer_reaction"`
	ViewerVote     sql.NullInt64  `db:"viewer_vote"`

	Quoted               PostColumns    `db:"q"`
	QuotedAuthor         AuthorColumns  `db:"qa"`
	QuotedViewerReaction sql.NullString `db:"q_viewer_reaction"`
	QuotedViewerVote     sql.NullInt64  `db:"q_viewer_vote"`

	Reposted               PostColumns    `db:"r"`
	RepostedAuthor         AuthorColumns  `db:"ra"`
	RepostedViewerReaction sql.NullString `db:"r_viewer_reaction"`
	RepostedViewerVote     sql.NullInt64  `db:"r_viewer_vote"`
}

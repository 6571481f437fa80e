package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncerr"
)

// selectAs renders "alias.col AS "prefix.col"" for every column so sqlx can
// map the result onto nested structs of schema.RawPostRow.
func selectAs(alias, prefix string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf(`%s.%s AS "%s.%s"`, alias, c, prefix, c)
	}
	return strings.Join(parts, ", ")
}

var postRowsQuery = `
SELECT
	` + selectAs("p", "p", schema.PostColumnNames) + `,
	` + selectAs("a", "a", schema.AuthorColumnNames) + `,
	vr.kind AS viewer_reaction,
	vv.choice_index AS viewer_vote,
	` + selectAs("q", "q", schema.PostColumnNames) + `,
	` + selectAs("qa", "qa", schema.AuthorColumnNames) + `,
	qvr.kind AS q_viewer_reaction,
	qvv.choice_index AS q_viewer_vote,
	` + selectAs("r", "r", schema.PostColumnNames) + `,
	` + selectAs("ra", "ra", schema.AuthorColumnNames) + `,
	rvr.kind AS r_viewer_reaction,
	rvv.choice_index AS r_viewer_vote
FROM posts p
LEFT JOIN users a ON a.id = p.owner_id
LEFT JOIN reactions vr ON vr.post_id = p.id AND vr.user_id = ?
LEFT JOIN poll_votes vv ON vv.post_id = p.id AND vv.user_id = ?
LEFT JOIN posts q ON q.id = p.quoted_post_id AND q.deleted = 0
LEFT JOIN users qa ON qa.id = q.owner_id
LEFT JOIN reactions qvr ON qvr.post_id = q.id AND qvr.user_id = ?
LEFT JOIN poll_votes qvv ON qvv.post_id = q.id AND qvv.user_id = ?
LEFT JOIN posts r ON r.id = p.reposted_post_id AND r.deleted = 0
LEFT JOIN users ra ON ra.id = r.owner_id
LEFT JOIN reactions rvr ON rvr.post_id = r.id AND rvr.user_id = ?
LEFT JOIN poll_votes rvv ON rvv.post_id = r.id AND rvv.user_id = ?
WHERE p.deleted = 0 AND p.id IN (?)
`

// QueryPostRows loads the joined rows for the given post ids in one query.
//
// Each row carries the post, its author, the viewer's reaction and vote,
// and the same bundle for the quoted and reposted posts. Deleted posts are
// skipped; a deleted quote or repost target comes back as NULL columns.
// Rows are returned in the order of ids. An empty viewerID matches no
// reaction or vote.
func (db *DB) QueryPostRows(ctx context.Context, viewerID string, ids []string) ([]schema.RawPostRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(postRowsQuery,
		viewerID, viewerID, viewerID, viewerID, viewerID, viewerID, ids)
	if err != nil {
		return nil, syncerr.Storage("db.QueryPostRows", fmt.Errorf("failed to expand query: %w", err))
	}
	query = db.conn.Rebind(query)

	var rows []schema.RawPostRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, syncerr.Storage("db.QueryPostRows", fmt.Errorf("failed to query post rows: %w", err))
	}

	byID := make(map[string]int, len(rows))
	for i := range rows {
		byID[rows[i].Post.ID.String] = i
	}
	ordered := make([]schema.RawPostRow, 0, len(rows))
	for _, id := range ids {
		if i, ok := byID[id]; ok {
			ordered = append(ordered, rows[i])
			delete(byID, id)
		}
	}
	return ordered, nil
}

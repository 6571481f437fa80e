// Package schema defines the entities mirrored by the local feed cache.
//
// The structs in this package are the contract between the local store,
// the remote backend and realtime change events. JSON tags match the wire
// format used by the backend; the same field names are used as column names
// in the embedded database.
//
// Entities:
//
//   - User          profile row, never deleted (deactivated instead)
//   - Post          normalized post with server-authoritative counters
//   - Reaction      one row per (post, user), upserted in place
//   - PollVote      one row per (post, user), write-once
//   - FeedItem      membership of a post in a named feed with a rank score
//   - Conversation  DM, group or channel
//   - Message       chat message inside a conversation
//   - Mutation      optimistic local write waiting to be pushed
//
// Partial updates are expressed with tagged patch structs (PostPatch,
// PostChange, UserPatch) whose pointer fields distinguish "unchanged" from
// "set to zero". Patches are validated with go-playground/validator before
// they are merged.
//
// Rows that carry a SyncStatus participate in optimistic writes:
//
//	synced    local row matches the last known remote state
//	pending   local write not yet acknowledged by the remote
//	conflict  the remote rejected the write or never answered
package schema

package fixture

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/quillsocial/feedsync/internal/feedcache/realtime"
	"github.com/quillsocial/feedsync/internal/feedcache/schema"
	"github.com/quillsocial/feedsync/internal/feedcache/syncer"
)

// FileName returns the JSONL file of table inside a fixture directory.
func FileName(dir, table string) string {
	return filepath.Join(dir, table+".jsonl")
}

// readJSONL decodes one row per line. A missing file yields no rows.
func readJSONL[T any](path string) ([]*T, error) {
	// #nosec G304 - fixture path from config
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var rows []*T
	decoder := json.NewDecoder(file)
	for line := 1; ; line++ {
		var row T
		if err := decoder.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON in %s at record %d: %w", filepath.Base(path), line, err)
		}
		rows = append(rows, &row)
	}
	return rows, nil
}

// writeJSONL writes rows atomically via a temp file.
func writeJSONL[T any](path string, rows []*T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create fixture directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - fixture path from config
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	enc := json.NewEncoder(file)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			file.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to encode row: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func readDir(dir string) (*syncer.Snapshot, error) {
	var (
		snap syncer.Snapshot
		err  error
	)
	if snap.Users, err = readJSONL[schema.User](FileName(dir, realtime.TableUsers)); err != nil {
		return nil, err
	}
	if snap.Posts, err = readJSONL[schema.Post](FileName(dir, realtime.TablePosts)); err != nil {
		return nil, err
	}
	if snap.Reactions, err = readJSONL[schema.Reaction](FileName(dir, realtime.TableReactions)); err != nil {
		return nil, err
	}
	if snap.PollVotes, err = readJSONL[schema.PollVote](FileName(dir, realtime.TablePollVotes)); err != nil {
		return nil, err
	}
	if snap.Conversations, err = readJSONL[schema.Conversation](FileName(dir, realtime.TableConversations)); err != nil {
		return nil, err
	}
	if snap.Messages, err = readJSONL[schema.Message](FileName(dir, realtime.TableMessages)); err != nil {
		return nil, err
	}
	if snap.FeedItems, err = readJSONL[schema.FeedItem](FileName(dir, realtime.TableFeedItems)); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Save writes every table to dir.
func (b *Backend) Save(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.save(dir)
}

// save writes every table. Caller holds mu.
func (b *Backend) save(dir string) error {
	if err := writeJSONL(FileName(dir, realtime.TableUsers), sorted(b.users)); err != nil {
		return err
	}
	if err := writeJSONL(FileName(dir, realtime.TablePosts), sorted(b.posts)); err != nil {
		return err
	}
	if err := writeJSONL(FileName(dir, realtime.TableReactions), sorted(b.reactions)); err != nil {
		return err
	}
	if err := writeJSONL(FileName(dir, realtime.TablePollVotes), sorted(b.votes)); err != nil {
		return err
	}
	if err := writeJSONL(FileName(dir, realtime.TableConversations), sorted(b.convs)); err != nil {
		return err
	}
	if err := writeJSONL(FileName(dir, realtime.TableMessages), sorted(b.msgs)); err != nil {
		return err
	}
	return writeJSONL(FileName(dir, realtime.TableFeedItems), sorted(b.items))
}

// sorted returns the rows of m ordered by key.
func sorted[T any](m map[string]*T) []*T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// Reload re-reads the fixture directory and records every row whose
// content differs from the in-memory copy. Rows missing from the files are
// kept. It returns the number of rows changed.
func (b *Backend) Reload() (int, error) {
	snap, err := readDir(b.config.Dir)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	changed := 0
	same := func(cur, next any) bool {
		return string(mustJSON(cur)) == string(mustJSON(next))
	}
	for _, u := range snap.Users {
		if cur, ok := b.users[u.ID]; !ok || !same(cur, u) {
			b.putUser(u)
			changed++
		}
	}
	for _, c := range snap.Conversations {
		if cur, ok := b.convs[c.ID]; !ok || !same(cur, c) {
			b.putConversation(c)
			changed++
		}
	}
	for _, p := range snap.Posts {
		cur, ok := b.posts[p.ID]
		if ok && same(cur, p) {
			continue
		}
		kind := realtime.Insert
		if ok {
			kind = realtime.Update
		}
		b.putPost(p, kind)
		changed++
	}
	for _, r := range snap.Reactions {
		if cur, ok := b.reactions[schema.CompositeKey(r.PostID, r.UserID)]; !ok || !same(cur, r) {
			b.putReaction(r)
			changed++
		}
	}
	for _, v := range snap.PollVotes {
		if _, ok := b.votes[schema.CompositeKey(v.PostID, v.UserID)]; !ok {
			b.putVote(v)
			changed++
		}
	}
	for _, m := range snap.Messages {
		cur, ok := b.msgs[m.ID]
		if ok && same(cur, m) {
			continue
		}
		kind := realtime.Insert
		if ok {
			kind = realtime.Update
		}
		b.putMessage(m, kind)
		changed++
	}
	for _, f := range snap.FeedItems {
		if cur, ok := b.items[schema.CompositeKey(f.FeedType, f.PostID)]; !ok || !same(cur, f) {
			b.putFeedItem(f)
			changed++
		}
	}
	return changed, nil
}

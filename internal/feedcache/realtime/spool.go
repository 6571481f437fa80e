package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// SpoolSubscriber reads change events from JSON files dropped into
// dir/<table>/. Files are consumed in name order and removed once
// delivered, so producers should name them by sequence and write them
// atomically (write elsewhere, then rename in). A file that does not parse
// is renamed to *.json.bad and skipped.
type SpoolSubscriber struct {
	Dir    string
	Buffer int
	Logger *log.Logger
}

// NewSpoolSubscriber creates a subscriber rooted at dir.
func NewSpoolSubscriber(dir string) *SpoolSubscriber {
	return &SpoolSubscriber{
		Dir:    dir,
		Buffer: 64,
		Logger: log.New(os.Stderr, "[realtime/spool] ", log.LstdFlags),
	}
}

// Subscribe watches the table's spool directory, creating it if needed.
// Files already present are delivered first.
func (s *SpoolSubscriber) Subscribe(ctx context.Context, table string, kinds []EventKind) (<-chan ChangeEvent, error) {
	dir := filepath.Join(s.Dir, table)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch spool directory %s: %w", dir, err)
	}

	out := make(chan ChangeEvent, s.Buffer)
	go s.loop(ctx, watcher, dir, table, kinds, out)
	return out, nil
}

func (s *SpoolSubscriber) loop(ctx context.Context, watcher *fsnotify.Watcher, dir, table string, kinds []EventKind, out chan<- ChangeEvent) {
	defer close(out)
	defer watcher.Close()

	if !s.drain(ctx, dir, table, kinds, out) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !s.drain(ctx, dir, table, kinds, out) {
				return
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.Logger.Printf("Warning: watcher error on %s: %v", dir, err)
		}
	}
}

// drain delivers every spooled file in name order. It returns false when
// ctx ended.
func (s *SpoolSubscriber) drain(ctx context.Context, dir, table string, kinds []EventKind, out chan<- ChangeEvent) bool {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		s.Logger.Printf("Warning: failed to list %s: %v", dir, err)
		return true
	}
	sort.Strings(files)

	for _, path := range files {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			s.Logger.Printf("Warning: failed to read %s: %v", path, err)
			continue
		}

		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.Logger.Printf("Warning: skipping %s: %v", filepath.Base(path), err)
			if err := os.Rename(path, path+".bad"); err != nil {
				s.Logger.Printf("Warning: failed to quarantine %s: %v", path, err)
			}
			continue
		}
		if ev.Table == "" {
			ev.Table = table
		}

		if ev.Table == table && wantsKind(kinds, ev.Kind) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.Logger.Printf("Warning: failed to remove %s: %v", path, err)
		}
	}
	return true
}

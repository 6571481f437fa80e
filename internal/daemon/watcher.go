package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to one fixture table file.
type FileEvent struct {
	// Path is the file that changed.
	Path string
	// Table is the file name without the .jsonl extension.
	Table string
	Op    EventOp
}

// FileWatcher watches a fixture directory for *.jsonl changes.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewFileWatcher creates a watcher. It emits nothing until Start.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (fw *FileWatcher) Start(dir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := fw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	fw.dir = dir
	fw.running = true

	fw.wg.Add(1)
	go fw.processEvents()
	return nil
}

// Stop closes the watcher and its channels. It is safe to call twice.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)
	err := fw.watcher.Close()
	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)
	return err
}

// Events returns the event channel. It is closed by Stop.
func (fw *FileWatcher) Events() <-chan FileEvent { return fw.events }

// Errors returns the error channel. It is closed by Stop.
func (fw *FileWatcher) Errors() <-chan error { return fw.errors }

// IsRunning reports whether the watcher is running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fe, ok := fw.convert(event); ok {
				select {
				case fw.events <- fe:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			default:
			}
		}
	}
}

// convert maps an fsnotify event to a FileEvent. Temp files written during
// an atomic save and non-JSONL files are ignored.
func (fw *FileWatcher) convert(event fsnotify.Event) (FileEvent, bool) {
	if filepath.Ext(event.Name) != ".jsonl" {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	base := filepath.Base(event.Name)
	return FileEvent{
		Path:  event.Name,
		Table: base[:len(base)-len(".jsonl")],
		Op:    op,
	}, true
}

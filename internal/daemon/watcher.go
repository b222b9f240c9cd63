// Package daemon watches the configured roots and schedules syncs.
//
// The watcher turns fsnotify callbacks into a typed event stream; the
// daemon routes those events into quick syncs and debounced full syncs.
package daemon

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mirrorkeep/mirrorkeep/internal/ignore"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file or directory was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
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

// Event is one qualifying filesystem change.
type Event struct {
	// Path is the absolute path that changed.
	Path string
	// Op is the operation that occurred.
	Op EventOp
}

// Watcher recursively watches the configured roots and emits typed
// events for paths that pass the ignore resolver. fsnotify watches are
// per-directory, so the watcher adds every non-ignored subdirectory and
// picks up newly created ones as they appear.
type Watcher struct {
	fs          *fsnotify.Watcher
	resolver    *ignore.Resolver
	patternFile string

	events chan Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewWatcher creates a Watcher gated by resolver. patternFile, when not
// empty, is the external pattern source; its directory is watched and
// its own events always pass the gate.
func NewWatcher(resolver *ignore.Resolver, patternFile string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		fs:          fsw,
		resolver:    resolver,
		patternFile: filepath.Clean(patternFile),
		events:      make(chan Event, 256),
		errors:      make(chan error, 16),
		done:        make(chan struct{}),
	}, nil
}

// Start begins watching the roots (recursively) and, when configured,
// the external pattern file's directory.
func (w *Watcher) Start(roots []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			return err
		}
	}
	if w.patternFile != "." && w.patternFile != "" {
		if err := w.fs.Add(filepath.Dir(w.patternFile)); err != nil {
			return fmt.Errorf("failed to watch pattern file directory: %w", err)
		}
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and closes the event channels. It blocks until
// the processing goroutine has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.fs.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the typed change-event stream. Closed on Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the watcher error stream. Closed on Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// addTree watches dir and every non-ignored directory below it. A
// missing dir is not an error; roots may be created later.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to walk %s: %w", dir, err)
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.resolver.ShouldIgnore(path) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev, ok := w.convertEvent(event); ok {
				select {
				case w.events <- ev:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event onto the typed stream, growing the
// watch set for newly created directories and dropping ignored paths.
func (w *Watcher) convertEvent(event fsnotify.Event) (Event, bool) {
	path := filepath.Clean(event.Name)

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// The new name will arrive as its own create event.
		op = OpDelete
	default:
		return Event{}, false
	}

	if path != w.patternFile && w.resolver.ShouldIgnore(path) {
		return Event{}, false
	}

	if op == OpCreate {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			// Contents may have landed before the watch is in place;
			// walking the new tree also emits nothing, so the debounced
			// full sync covers anything missed here.
			if err := w.addTree(path); err != nil {
				select {
				case w.errors <- err:
				default:
				}
			}
		}
	}

	return Event{Path: path, Op: op}, true
}

package fsys

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"relaysync/pkg/types"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Op is a local file-system change.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
	OpRename
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is a change below the watched root, in virtual paths. OldPath is set
// for renames only.
type Event struct {
	Op      Op
	Path    string
	OldPath string
	IsDir   bool
}

// DefaultRenameWindow is how long a rename waits for its matching create.
const DefaultRenameWindow = 100 * time.Millisecond

// Watcher reports changes below a directory. fsnotify delivers a rename as
// a Rename on the old name followed by a Create on the new one; the pair is
// folded into one OpRename when both arrive within the rename window.
type Watcher struct {
	root         string
	renameWindow time.Duration
	watcher      *fsnotify.Watcher
	logger       *zap.Logger

	events chan Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	dirs    map[string]bool
}

// NewWatcher creates a watcher for root. Start must be called before events flow.
func NewWatcher(root string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:         abs,
		renameWindow: DefaultRenameWindow,
		watcher:      w,
		logger:       logger,
		events:       make(chan Event, 256),
		errors:       make(chan error, 16),
		done:         make(chan struct{}),
		dirs:         make(map[string]bool),
	}, nil
}

// Start watches root and every syncable directory below it.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.addTreeLocked(w.root); err != nil {
		return err
	}
	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends the event loop and closes the event channels.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the change stream. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns watcher errors. It is closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) addTreeLocked(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && !types.Syncable(w.virtual(p)) {
			return filepath.SkipDir
		}
		if w.dirs[p] {
			return nil
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		w.dirs[p] = true
		return nil
	})
}

func (w *Watcher) virtual(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return types.NormalizePath(filepath.ToSlash(rel))
}

type pendingRename struct {
	path  string
	isDir bool
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	var pending *pendingRename
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if pending == nil {
			return
		}
		w.emit(Event{Op: OpDelete, Path: pending.path, IsDir: pending.isDir})
		pending = nil
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-w.done:
			return

		case <-timerC:
			timer, timerC = nil, nil
			flush()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			vpath := w.virtual(ev.Name)
			if !types.Syncable(vpath) {
				continue
			}

			switch {
			case ev.Has(fsnotify.Create):
				isDir := w.isDir(ev.Name)
				if isDir {
					w.mu.Lock()
					if err := w.addTreeLocked(ev.Name); err != nil {
						w.logger.Warn("Failed to watch new directory", zap.String("path", vpath), zap.Error(err))
					}
					w.mu.Unlock()
				}
				if pending != nil {
					stopTimer()
					w.emit(Event{Op: OpRename, Path: vpath, OldPath: pending.path, IsDir: isDir})
					pending = nil
					continue
				}
				w.emit(Event{Op: OpCreate, Path: vpath, IsDir: isDir})

			case ev.Has(fsnotify.Write):
				w.emit(Event{Op: OpModify, Path: vpath})

			case ev.Has(fsnotify.Rename):
				stopTimer()
				flush()
				pending = &pendingRename{path: vpath, isDir: w.forget(ev.Name)}
				timer = time.NewTimer(w.renameWindow)
				timerC = timer.C

			case ev.Has(fsnotify.Remove):
				w.emit(Event{Op: OpDelete, Path: vpath, IsDir: w.forget(ev.Name)})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				w.logger.Warn("Dropping watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// forget drops a watched directory and reports whether p was one.
func (w *Watcher) forget(p string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[p] {
		return false
	}
	for d := range w.dirs {
		if d == p || strings.HasPrefix(d, p+string(filepath.Separator)) {
			delete(w.dirs, d)
			_ = w.watcher.Remove(d)
		}
	}
	return true
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

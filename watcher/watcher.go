// Package watcher monitors the worker's watch root for filesystem changes
// and coalesces bursts of events into single change notifications. The
// engine maps matched changes onto re-execution jobs.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	ftworker "github.com/finetune-build/Worker"
)

// ChangeKind classifies a filesystem change.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// ChangeEvent is one coalesced filesystem change. When several raw events
// hit the same path within the debounce window, only the last one is
// reported.
type ChangeEvent struct {
	Path string
	Kind ChangeKind
	At   time.Time
}

// Watcher watches a directory tree recursively. New subdirectories are
// picked up as they appear. Events for the same path within the debounce
// window collapse into one ChangeEvent.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger

	fsw    *fsnotify.Watcher
	events chan ChangeEvent

	mu      sync.Mutex
	pending map[string]*pendingChange
	queued  []ChangeEvent
	closed  bool
	err     error

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

type pendingChange struct {
	timer *time.Timer
	kind  ChangeKind
}

// Option configures the Watcher.
type Option func(*Watcher)

// WithDebounce sets the coalescing window. Zero disables debouncing.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a watcher over root and starts delivering events. The root
// and all its subdirectories are registered up front.
func New(root string, opts ...Option) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("ftworker/watcher: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("ftworker/watcher: root %s is not a directory", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ftworker/watcher: create watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		fsw:      fsw,
		events:   make(chan ChangeEvent, 64),
		pending:  make(map[string]*pendingChange),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.run()
	go w.dispatch()
	return w, nil
}

// Events returns the coalesced change channel. The channel is closed when
// the watcher stops, either via Close or a terminal error; check Err after
// the channel closes.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Err returns the terminal error that stopped the watcher, if any.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close stops the watcher. Pending debounced events are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, p := range w.pending {
		p.timer.Stop()
	}
	w.pending = map[string]*pendingChange{}
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("ftworker/watcher: walk %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("ftworker/watcher: add %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer close(w.quit)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			if !w.closed {
				w.err = fmt.Errorf("%w: %v", ftworker.ErrWatcherClosed, err)
				w.closed = true
				for _, p := range w.pending {
					p.timer.Stop()
				}
				w.pending = map[string]*pendingChange{}
			}
			w.mu.Unlock()
			w.logger.Error("watcher stopped", "error", err)
			_ = w.fsw.Close()
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	kind, ok := classify(ev.Op)
	if !ok {
		return
	}

	// Register newly created directories so the tree stays covered.
	if kind == ChangeCreated {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if w.debounce <= 0 {
		w.emitLocked(ev.Name, kind)
		return
	}

	// Last event within the window wins, except a create followed by
	// writes still reports created.
	if p, exists := w.pending[ev.Name]; exists {
		p.timer.Stop()
		if p.kind == ChangeCreated && kind == ChangeModified {
			kind = ChangeCreated
		}
	}

	path := ev.Name
	p := &pendingChange{kind: kind}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		cur, exists := w.pending[path]
		if !exists || cur != p || w.closed {
			return
		}
		delete(w.pending, path)
		w.emitLocked(path, cur.kind)
	})
	w.pending[path] = p
}

// dispatch drains the queued events into the delivery channel. The queue
// is unbounded, so a slow consumer delays delivery instead of losing
// changes.
func (w *Watcher) dispatch() {
	defer close(w.done)
	defer close(w.events)

	for {
		w.mu.Lock()
		if len(w.queued) == 0 {
			w.mu.Unlock()
			select {
			case <-w.wake:
				continue
			case <-w.quit:
				return
			}
		}
		ev := w.queued[0]
		w.queued = w.queued[1:]
		w.mu.Unlock()

		select {
		case w.events <- ev:
		case <-w.quit:
			return
		}
	}
}

func (w *Watcher) emitLocked(path string, kind ChangeKind) {
	w.queued = append(w.queued, ChangeEvent{Path: path, Kind: kind, At: time.Now().UTC()})
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func classify(op fsnotify.Op) (ChangeKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return ChangeCreated, true
	case op.Has(fsnotify.Write):
		return ChangeModified, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return ChangeDeleted, true
	default:
		return "", false
	}
}

// Watch is a convenience wrapper that forwards events until ctx is done,
// invoking fn for each change.
func Watch(ctx context.Context, w *Watcher, fn func(ChangeEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events():
			if !ok {
				return w.Err()
			}
			fn(ev)
		}
	}
}

// Package watcher provides file watching for configuration live reload.
//
// The watcher monitors the directory holding a configuration file so that
// editors which replace the file on save are still seen, coalesces bursts
// of events, and calls handlers once the file has been stable for the
// debounce interval.
package watcher

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/tvsync/internal/logging"
)

// DefaultDebounce is the default quiet period before a change is reported.
const DefaultDebounce = 100 * time.Millisecond

// ErrWatcherClosed is returned when starting a closed watcher.
var ErrWatcherClosed = errors.New("watcher is closed")

// Operation represents the type of file operation.
type Operation int

const (
	// OpWrite indicates the file was modified.
	OpWrite Operation = iota
	// OpCreate indicates the file was created or replaced.
	OpCreate
	// OpRemove indicates the file was deleted or renamed away.
	OpRemove
)

// String returns the operation name.
func (op Operation) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event represents a file change event.
type Event struct {
	Path string
	Op   Operation
	Time time.Time
}

// Handler is called when a file change is detected.
type Handler func(event Event)

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the debounce duration for rapid changes.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) {
		w.log = logging.OrNull(l).WithComponent("config-watcher")
	}
}

// Watcher monitors a single file.
type Watcher struct {
	mu       sync.Mutex
	path     string
	debounce time.Duration
	log      *logging.Logger
	handlers []Handler

	fsw     *fsnotify.Watcher
	pending *Event
	timer   *time.Timer
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher for path. Start must be called to begin watching.
func New(path string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		log:      logging.Null(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string {
	return w.path
}

// OnChange registers a handler.
func (w *Watcher) OnChange(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching the file's directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}
	if w.fsw != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.loop(fsw)
	w.log.Debug("watching %s", w.path)
	return nil
}

// Close stops watching. Pending changes are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	if w.timer != nil {
		w.timer.Stop()
	}
	fsw := w.fsw
	w.mu.Unlock()

	var err error
	if fsw != nil {
		err = fsw.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			w.queue(Event{Path: w.path, Op: translateOp(ev.Op), Time: time.Now()})
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch %s: %v", w.path, err)
		}
	}
}

func translateOp(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpRemove
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpWrite
	}
}

// queue coalesces events: a create or remove is kept over later writes,
// and the debounce timer restarts on every event.
func (w *Watcher) queue(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if w.pending == nil || ev.Op != OpWrite {
		w.pending = &ev
	} else {
		w.pending.Time = ev.Time
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.closed || w.pending == nil {
		w.mu.Unlock()
		return
	}
	ev := *w.pending
	w.pending = nil
	handlers := append([]Handler(nil), w.handlers...)
	w.mu.Unlock()

	w.log.Debug("%s %s", ev.Op, ev.Path)
	for _, h := range handlers {
		w.safeCall(h, ev)
	}
}

func (w *Watcher) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("change handler panicked: %v", r)
		}
	}()
	h(ev)
}

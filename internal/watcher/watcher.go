// Package watcher reports file system changes under a set of directories in
// debounced batches. A burst of writes to the same files (an editor saving,
// a generator rewriting a directory) reaches the handler as one batch with
// one entry per path.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/kiln/internal/logging"
)

// DefaultDelay is the quiet period that ends a batch.
const DefaultDelay = 100 * time.Millisecond

// Change is one path in a batch. Op accumulates every operation seen for
// the path during the batch.
type Change struct {
	Path string
	Op   fsnotify.Op
}

// Removed reports whether the path was removed or renamed away.
func (c Change) Removed() bool {
	return c.Op.Has(fsnotify.Remove) || c.Op.Has(fsnotify.Rename)
}

// Filter reports whether a path should be part of a batch.
type Filter func(path string) bool

// Handler receives a batch, sorted by path. Handlers run on the watcher's
// goroutine; changes arriving meanwhile go into the next batch.
type Handler func(changes []Change)

// Option configures a Watcher.
type Option func(*Watcher)

// WithDelay sets the quiet period that ends a batch.
func WithDelay(d time.Duration) Option {
	return func(w *Watcher) { w.delay = d }
}

// WithFilter adds a filter. A path is reported when every filter accepts it.
func WithFilter(f Filter) Option {
	return func(w *Watcher) { w.filters = append(w.filters, f) }
}

// WithLogger sets the logger for watch errors.
func WithLogger(l logging.Logger) Option {
	return func(w *Watcher) { w.logger = l.WithComponent("watcher") }
}

// Watcher delivers debounced batches of changes to a Handler.
type Watcher struct {
	fsw     *fsnotify.Watcher
	handler Handler
	filters []Filter
	delay   time.Duration
	logger  logging.Logger

	mutex sync.Mutex
	trees []string

	done   chan struct{}
	closer sync.Once
}

// New starts a watcher that runs until ctx is done or Close is called.
// Nothing is watched until Add or AddTree is called.
func New(ctx context.Context, handler Handler, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:     fsw,
		handler: handler,
		delay:   DefaultDelay,
		logger:  logging.Discard(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop(ctx)
	return w, nil
}

// Add watches the entries of a single directory, or a single file.
func (w *Watcher) Add(path string) error {
	return w.fsw.Add(filepath.Clean(path))
}

// AddTree watches root and every directory below it, including directories
// created later.
func (w *Watcher) AddTree(root string) error {
	root = filepath.Clean(root)
	if err := w.addDirs(root); err != nil {
		return err
	}
	w.mutex.Lock()
	w.trees = append(w.trees, root)
	w.mutex.Unlock()
	return nil
}

func (w *Watcher) addDirs(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) inTree(path string) bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for _, root := range w.trees {
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Close stops watching. Pending changes are dropped. It does not wait for a
// running handler to return.
func (w *Watcher) Close() error {
	var err error
	w.closer.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	pending := make(map[string]fsnotify.Op)
	timer := time.NewTimer(w.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.accept(ctx, event) {
				continue
			}
			pending[event.Name] |= event.Op
			timer.Reset(w.delay)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, err, "watch error")
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]Change, 0, len(pending))
			for path, op := range pending {
				batch = append(batch, Change{Path: path, Op: op})
			}
			clear(pending)
			sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
			w.handler(batch)
		}
	}
}

// accept extends tree watches to new directories and applies the filters.
func (w *Watcher) accept(ctx context.Context, event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if event.Has(fsnotify.Create) && w.inTree(event.Name) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDirs(event.Name); err != nil {
				w.logger.Warn(ctx, err, "cannot watch new directory", "path", event.Name)
			}
		}
	}
	for _, f := range w.filters {
		if !f(event.Name) {
			return false
		}
	}
	return true
}

// Named accepts only files called name.
func Named(name string) Filter {
	return func(path string) bool {
		return filepath.Base(path) == name
	}
}

// SkipHidden rejects dot files and editor backups ending in "~".
func SkipHidden(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, "~")
}

// SkipGit rejects anything inside a .git directory.
func SkipGit(path string) bool {
	slashed := filepath.ToSlash(path)
	return !strings.HasPrefix(slashed, ".git/") && !strings.Contains(slashed, "/.git/")
}

// Package server is the preview side of kiln: it keeps the last good
// content tree, templates and locals of an environment in memory, reloads
// them as files change, and answers HTTP requests against them.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"

	"github.com/conneroisu/kiln/internal/content"
	"github.com/conneroisu/kiln/internal/environment"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/events"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/metrics"
	"github.com/conneroisu/kiln/internal/render"
	"github.com/conneroisu/kiln/internal/templates"
	"github.com/conneroisu/kiln/internal/watcher"
)

const (
	// LiveReloadPath is where the live-reload websocket is served.
	LiveReloadPath = "/__kiln/livereload"
	// MetricsPath is where prometheus metrics are served.
	MetricsPath = "/__kiln/metrics"

	notFoundBody = "404 Not Found\n"
)

// DefaultDebounce is how long watchers wait for a burst of writes to settle.
var DefaultDebounce = watcher.DefaultDelay

type snapshot struct {
	contents     *content.Tree
	lookup       map[string]content.Item
	templates    templates.Set
	locals       map[string]interface{}
	contentsErr  error
	templatesErr error
	localsErr    error
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics records requests and reloads on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(h *Handler) { h.metrics = c }
}

// WithDebounce sets the watcher debounce delay.
func WithDebounce(d time.Duration) Option {
	return func(h *Handler) { h.debounce = d }
}

// Handler serves one environment in preview mode.
type Handler struct {
	env      *environment.Environment
	logger   logging.Logger
	metrics  *metrics.Collector
	gate     *Gate
	hub      *Hub
	router   chi.Router
	debounce time.Duration

	mutex sync.RWMutex
	snap  snapshot

	watchers []*watcher.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	reloads  sync.WaitGroup
	closing  sync.Once
}

// Setup creates a preview handler for env, starts watching its contents,
// templates and views directories, and starts loading every subsystem.
// Plugins must already be loaded.
func Setup(ctx context.Context, env *environment.Environment, opts ...Option) (*Handler, error) {
	h := &Handler{
		env:      env,
		logger:   env.Logger().WithComponent("preview"),
		gate:     NewGate(),
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.NewCollector()
	}
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.hub = NewHub(h.logger)
	changes := env.Events().Subscribe(64)
	go func() {
		h.hub.Run(h.ctx, changes)
		env.Events().Unsubscribe(changes)
	}()

	r := chi.NewRouter()
	r.Get(LiveReloadPath, h.hub.ServeHTTP)
	r.Handle(MetricsPath, h.metrics.Handler())
	r.HandleFunc("/*", h.serveContent)
	h.router = r

	if err := h.watch(); err != nil {
		h.Close()
		return nil, err
	}

	h.reloadContents("")
	h.reloadTemplates(nil)
	h.reloadViews(nil)
	h.reloadLocals()
	return h, nil
}

func (h *Handler) watch() error {
	cfg := h.env.Config()

	contents, err := h.newWatcher(h.onContentsChange, watcher.SkipGit)
	if err != nil {
		return err
	}
	if err := contents.AddTree(h.env.ContentsPath()); err != nil {
		h.logger.Warn(h.ctx, err, "cannot watch contents", "path", h.env.ContentsPath())
	}

	templates, err := h.newWatcher(h.onTemplatesChange, watcher.SkipHidden)
	if err != nil {
		return err
	}
	if err := templates.AddTree(h.env.TemplatesPath()); err != nil {
		h.logger.Warn(h.ctx, err, "cannot watch templates", "path", h.env.TemplatesPath())
	}

	if cfg.Views != "" {
		viewsPath := h.env.ResolvePath(cfg.Views)
		views, err := h.newWatcher(h.onViewsChange, watcher.SkipHidden)
		if err != nil {
			return err
		}
		if err := views.Add(viewsPath); err != nil {
			h.logger.Warn(h.ctx, err, "cannot watch views", "path", viewsPath)
		}
	}
	return nil
}

func (h *Handler) newWatcher(handler watcher.Handler, filter watcher.Filter) (*watcher.Watcher, error) {
	w, err := watcher.New(h.ctx, handler,
		watcher.WithDelay(h.debounce),
		watcher.WithFilter(filter),
		watcher.WithLogger(h.logger))
	if err != nil {
		return nil, kerrors.NewServerError("watcher", err)
	}
	h.watchers = append(h.watchers, w)
	return w, nil
}

// Close stops the watchers and the live-reload hub and waits for running
// reloads to finish.
func (h *Handler) Close() {
	h.closing.Do(func() {
		h.cancel()
		for _, w := range h.watchers {
			if err := w.Close(); err != nil {
				h.logger.Warn(context.Background(), err, "cannot stop watcher")
			}
		}
		h.reloads.Wait()
	})
}

// Settle blocks until no reload is in progress.
func (h *Handler) Settle(ctx context.Context) error {
	return h.gate.Wait(ctx)
}

// Gate exposes the readiness gate.
func (h *Handler) Gate() *Gate { return h.gate }

// Hub exposes the live-reload hub.
func (h *Handler) Hub() *Hub { return h.hub }

func (h *Handler) current() snapshot {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.snap
}

func (h *Handler) update(fn func(*snapshot)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	next := h.snap
	fn(&next)
	h.snap = next
}

// start raises the flag for s and runs fn in the background. It reports
// false when s is already reloading.
func (h *Handler) start(s Subsystem, fn func(ctx context.Context) error, done func(error)) bool {
	if !h.gate.TryBegin(s) {
		return false
	}
	h.reloads.Add(1)
	go func() {
		defer h.reloads.Done()
		op := logging.StartOperation(h.logger, "reload "+string(s))
		err := fn(h.ctx)
		h.metrics.ObserveReload(string(s), err)
		if err != nil {
			op.EndWithError(h.ctx, err)
		} else {
			op.End(h.ctx)
		}
		if done != nil {
			done(err)
		}
		h.gate.End(s)
	}()
	return true
}

func (h *Handler) notify(path string) func(error) {
	return func(err error) {
		if err != nil {
			return
		}
		h.env.Events().Publish(events.Change{Path: path})
		h.metrics.ObserveChange(false)
	}
}

// reloadContents rescans the contents directory and rebuilds the lookup
// map. When changed is set, the change notification carries the filename of
// the item read from that source file.
func (h *Handler) reloadContents(changed string) bool {
	var done func(error)
	if changed != "" {
		done = func(err error) {
			if err != nil {
				return
			}
			var filename string
			if item := content.FindBySource(h.current().contents, changed); item != nil {
				filename = item.Filename()
			}
			h.notify(filename)(nil)
		}
	}
	return h.start(Contents, func(ctx context.Context) error {
		root := h.env.ContentsPath()
		tree, err := content.FromDirectory(ctx, root, h.env.ContentRules(), h.env.ContentGroups())
		if err != nil {
			err = kerrors.NewContentError(root, err)
			h.update(func(s *snapshot) { s.contentsErr = err })
			return err
		}
		lookup := BuildLookupMap(tree)
		h.update(func(s *snapshot) {
			s.contents = tree
			s.lookup = lookup
			s.contentsErr = nil
		})
		return nil
	}, done)
}

func (h *Handler) reloadTemplates(done func(error)) bool {
	return h.start(Templates, func(ctx context.Context) error {
		set, err := h.env.GetTemplates(ctx)
		h.update(func(s *snapshot) {
			s.templatesErr = err
			if err == nil {
				s.templates = set
			}
		})
		return err
	}, done)
}

// reloadViews loads the views directory again.
func (h *Handler) reloadViews(done func(error)) bool {
	return h.start(Views, h.env.LoadViews, done)
}

func (h *Handler) reloadLocals() bool {
	return h.start(Locals, func(ctx context.Context) error {
		locals, err := h.env.GetLocals(ctx)
		h.update(func(s *snapshot) {
			s.localsErr = err
			if err == nil {
				s.locals = locals
			}
		})
		return err
	}, nil)
}

func (h *Handler) onContentsChange(changes []watcher.Change) {
	ignore := h.env.Config().Ignore
	var changed string
	for _, change := range changes {
		rel, err := h.env.RelativeContentsPath(change.Path)
		if err == nil && ignored(ignore, rel) {
			h.logger.Debug(h.ctx, "ignored change", "path", rel)
			h.env.Events().Publish(events.Change{Path: rel, Suppressed: true})
			h.metrics.ObserveChange(true)
			continue
		}
		if changed == "" {
			changed = change.Path
		}
	}
	if changed == "" {
		return
	}
	if !h.reloadContents(changed) {
		h.logger.Debug(h.ctx, "contents already reloading", "path", changed)
	}
}

func ignored(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (h *Handler) onTemplatesChange([]watcher.Change) {
	h.reloadTemplates(h.notify(""))
}

// onViewsChange evicts the changed view files even when a views reload is
// already running, so the next reload reads them from disk.
func (h *Handler) onViewsChange(changes []watcher.Change) {
	for _, change := range changes {
		h.env.Loader().EvictPath(change.Path)
	}
	h.reloadViews(h.notify(""))
}

// ServeHTTP routes live-reload and metrics requests and answers everything
// else from the content tree.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) serveContent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	uri := r.URL.EscapedPath()

	snap := h.current()
	if snap.contents == nil {
		h.reloadContents("")
	}
	if snap.templates == nil {
		h.reloadTemplates(nil)
	}
	if err := h.gate.Wait(ctx); err != nil {
		return
	}

	code, kind, err := h.contentHandler(w, r, uri)
	if code == 0 {
		if err != nil {
			code = http.StatusInternalServerError
			writeText(w, code, err.Error())
		} else {
			code = http.StatusNotFound
			writeText(w, code, notFoundBody)
		}
	}

	elapsed := time.Since(start)
	h.metrics.ObserveRequest(code, kind, elapsed)
	fields := []interface{}{"status", code, "url", uri, "duration", elapsed}
	if kind != "" {
		fields = append(fields, "kind", kind)
	}
	h.logger.Info(ctx, "request", fields...)
	if err != nil {
		h.logger.Error(ctx, err, "request failed", "url", uri)
	}
}

// contentHandler resolves and renders the item for uri. A zero status means
// nothing was written yet; the caller answers 404, or 500 when err is set.
func (h *Handler) contentHandler(w http.ResponseWriter, r *http.Request, uri string) (int, string, error) {
	ctx := r.Context()
	snap := h.current()
	if snap.contents == nil {
		if snap.contentsErr != nil {
			return 0, "", snap.contentsErr
		}
		return 0, "", kerrors.NewServerError("contents", errors.New("contents are not loaded"))
	}
	if snap.templatesErr != nil && snap.templates == nil {
		return 0, "", snap.templatesErr
	}

	key := NormalizeURL(h.stripBase(uri))
	generated, err := h.env.Generate(ctx, snap.contents)
	if err != nil {
		return 0, "", err
	}
	tree := h.env.MergeLayers(generated, snap.contents)

	// Disk content wins, so generated items only fill URLs it leaves free.
	item := snap.lookup[key]
	if item == nil && len(generated) > 0 {
		item = BuildLookupMap(generated...)[key]
	}
	if item == nil {
		return 0, "", nil
	}
	kind := item.Kind()

	site := h.env.Site(tree, snap.templates, snap.locals)
	stream, err := render.RenderItem(ctx, site, item)
	if err != nil {
		return 0, kind, err
	}
	if stream == nil {
		writeText(w, http.StatusNotFound, notFoundBody)
		return http.StatusNotFound, kind, nil
	}
	defer stream.Close()

	w.Header().Set("Content-Type", contentType(item.Filename(), key))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, stream); err != nil {
		return http.StatusOK, kind, fmt.Errorf("streaming %s: %w", item.Filename(), err)
	}
	return http.StatusOK, kind, nil
}

func (h *Handler) stripBase(uri string) string {
	base := strings.TrimSuffix(h.env.Config().BaseURL, "/")
	if base == "" || !strings.HasPrefix(uri, base+"/") {
		return uri
	}
	return strings.TrimPrefix(uri, base)
}

func contentType(filename, uri string) string {
	if t := mime.TypeByExtension(path.Ext(filename)); t != "" {
		return t
	}
	if t := mime.TypeByExtension(path.Ext(uri)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	io.WriteString(w, body)
}

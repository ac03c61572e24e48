package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/environment"
	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/events"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/metrics"
	"github.com/conneroisu/kiln/internal/watcher"
)

// Server is a running preview: an HTTP listener in front of a Handler,
// restarted whenever the config file changes.
type Server struct {
	env     *environment.Environment
	logger  logging.Logger
	metrics *metrics.Collector
	opts    []Option

	ctx    context.Context
	cancel context.CancelFunc

	mutex    sync.Mutex
	handler  *Handler
	http     *http.Server
	listener net.Listener

	configWatcher *watcher.Watcher
	restarting    sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// Run puts env in preview mode, loads its plugins and starts serving it on
// the configured hostname and port.
func Run(ctx context.Context, env *environment.Environment, opts ...Option) (*Server, error) {
	env.SetMode(environment.ModePreview)

	s := &Server{
		env:     env,
		logger:  env.Logger().WithComponent("server"),
		metrics: metrics.NewCollector(),
		done:    make(chan struct{}),
	}
	s.opts = append([]Option{WithMetrics(s.metrics)}, opts...)
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Debug(ctx, "starting preview server")
	if err := s.start(s.ctx); err != nil {
		s.cancel()
		return nil, err
	}

	cfg := env.Config()
	if cfg.RestartOnConfChange && cfg.Filename != "" {
		if err := s.watchConfig(cfg.Filename); err != nil {
			s.logger.Warn(ctx, err, "cannot watch config file", "path", cfg.Filename)
		}
	}

	host := cfg.Hostname
	if host == "" {
		host = "localhost"
	}
	_, port, _ := net.SplitHostPort(s.Addr())
	s.logger.Info(ctx, "server running", "url", fmt.Sprintf("http://%s:%s%s", host, port, cfg.BaseURL))

	go func() {
		<-s.ctx.Done()
		s.finish(nil)
	}()
	return s, nil
}

func (s *Server) start(ctx context.Context) error {
	if err := s.env.LoadPlugins(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	handler, err := Setup(ctx, s.env, s.opts...)
	if err != nil {
		return err
	}

	cfg := s.env.Config()
	addr := net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		handler.Close()
		return kerrors.NewServerError(addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mutex.Lock()
	if err := ctx.Err(); err != nil {
		s.mutex.Unlock()
		listener.Close()
		handler.Close()
		return err
	}
	s.handler = handler
	s.http = srv
	s.listener = listener
	s.mutex.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.finish(kerrors.NewServerError(addr, err))
		}
	}()
	return nil
}

func (s *Server) stop(ctx context.Context) error {
	s.mutex.Lock()
	srv, handler := s.http, s.handler
	s.http, s.handler, s.listener = nil, nil, nil
	s.mutex.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	handler.Close()
	s.env.Reset()
	return err
}

func (s *Server) restart(ctx context.Context) error {
	s.logger.Info(ctx, "restarting server")
	if err := s.stop(ctx); err != nil {
		return err
	}
	return s.start(s.ctx)
}

func (s *Server) watchConfig(filename string) error {
	w, err := watcher.New(s.ctx, func([]watcher.Change) { s.reloadConfig(s.ctx) },
		watcher.WithDelay(DefaultDebounce),
		watcher.WithFilter(watcher.Named(filepath.Base(filename))),
		watcher.WithLogger(s.logger))
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(filename)); err != nil {
		w.Close()
		return err
	}
	s.configWatcher = w
	s.logger.Debug(s.ctx, "watching config file for changes", "path", filename)
	return nil
}

// reloadConfig re-reads the config file with the command line overrides
// applied on top and restarts. A config that cannot be read is logged and
// the running server is left alone.
func (s *Server) reloadConfig(ctx context.Context) {
	s.restarting.Lock()
	defer s.restarting.Unlock()
	if s.ctx.Err() != nil {
		return
	}

	current := s.env.Config()
	cfg, err := config.FromFile(current.Filename, current.CLIOverrides)
	s.metrics.ObserveReload("config", err)
	if err != nil {
		s.logger.Error(ctx, kerrors.NewConfigError(current.Filename, err), "error reloading config")
		return
	}

	s.env.SetConfig(cfg)
	if err := s.restart(ctx); err != nil {
		if s.ctx.Err() != nil {
			s.logger.Debug(ctx, "restart abandoned, server is shutting down")
			return
		}
		s.logger.Error(ctx, err, "restart failed")
		s.finish(err)
		return
	}
	s.logger.Debug(ctx, "config file change detected, server reloaded")
	s.env.Events().Publish(events.Change{})
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the current request handler.
func (s *Server) Handler() *Handler {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.handler
}

// Metrics returns the collector shared by every handler of this server.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Wait blocks until the server stops and returns the error that stopped
// it, nil after a clean shutdown.
func (s *Server) Wait() error {
	<-s.done
	return s.err
}

// Shutdown stops the config watcher, the listener and the handler. A
// restart in progress is abandoned before it can listen again; once
// Shutdown returns nothing is served.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.configWatcher != nil {
		s.configWatcher.Close()
	}
	s.cancel()

	s.restarting.Lock()
	defer s.restarting.Unlock()
	err := s.stop(ctx)
	s.finish(nil)
	return err
}

func (s *Server) finish(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

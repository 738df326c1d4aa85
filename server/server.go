package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	loggerv2 "unifimcp/logger/v2"
	"unifimcp/session"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr    string
	Handler http.Handler
	Store   *session.Store
	Logger  loggerv2.Logger

	// SessionIdleTimeout closes sessions without traffic for this long.
	// Zero disables reaping.
	SessionIdleTimeout time.Duration
	ReadHeaderTimeout  time.Duration
}

// Server runs the gateway listener and the idle session reaper.
type Server struct {
	http        *http.Server
	store       *session.Store
	logger      loggerv2.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	stop     context.CancelFunc
}

// New creates a server. Nothing listens until Start or Serve.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = loggerv2.NewDefault()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}

	return &Server{
		// no WriteTimeout: push streams stay open
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           cfg.Handler,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			IdleTimeout:       2 * time.Minute,
		},
		store:       cfg.Store,
		logger:      logger,
		idleTimeout: cfg.SessionIdleTimeout,
	}
}

// Start listens on the configured address and serves until Shutdown is
// called or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln. It returns nil after a clean Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.listener = ln
	s.stop = cancel
	s.mu.Unlock()

	s.logger.Info("MCP gateway listening", loggerv2.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.store.RunReaper(gctx, reapInterval(s.idleTimeout), s.idleTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		// ended without Shutdown: stop accepting and drop sessions
		if !s.shuttingDown() {
			s.store.CloseAll(session.ReasonShutdown)
			return s.http.Close()
		}
		return nil
	})
	return g.Wait()
}

// Addr is the bound listener address, or the configured one before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.http.Addr
}

// Shutdown closes every session, which ends their push streams, then drains
// the listener. If ctx expires first remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down MCP gateway")

	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	closed := s.store.CloseAll(session.ReasonShutdown)
	s.logger.Info("Closed sessions", loggerv2.Int("count", closed))

	err := s.http.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger.Warn("Shutdown timed out, forcing close")
		err = s.http.Close()
	}
	if stop != nil {
		stop()
	}
	return err
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop == nil
}

// reapInterval scans a few times per idle period, between 1s and 1m.
func reapInterval(idle time.Duration) time.Duration {
	iv := idle / 4
	switch {
	case iv < time.Second:
		return time.Second
	case iv > time.Minute:
		return time.Minute
	}
	return iv
}

// Package server constructs and starts the relay's HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server is the listener side of the relay: it upgrades connections, builds a
// Session per connection and hands its frames to the Router.
type Server struct {
	cfg      Config
	log      logrus.FieldLogger
	metrics  *Metrics
	registry *Registry
	router   *Router
	origins  *originPolicy
	upgrader websocket.Upgrader

	httpServer *http.Server
	closing    atomic.Bool
	wg         sync.WaitGroup
}

// New creates a Server from cfg. A nil cfg uses defaults and a nil logger
// discards output.
func New(cfg *Config, log logrus.FieldLogger) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	if log == nil {
		log = discardLogger()
	}

	c := cfg.sanitize()
	metrics := NewMetrics()
	registry := NewRegistry(log, metrics)

	s := &Server{
		cfg:      c,
		log:      log,
		metrics:  metrics,
		registry: registry,
		router:   NewRouter(registry, log),
		origins:  newOriginPolicy(c.AllowedOrigins, log),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.httpServer = CreateServer(c.Port, s.Handler())
	return s
}

// Registry returns the server's room registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Port
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenAndServe accepts connections until Shutdown is called. It returns
// nil after a graceful shutdown.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every session and waits for
// their pumps to exit or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.log.Info("initiating server shutdown")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.httpServer.Shutdown(gctx)
	})
	g.Go(func() error {
		closed := s.registry.CloseAll()
		if err := s.waitSessions(gctx); err != nil {
			s.log.WithField("sessions", closed).Warn("shutdown timeout reached, some sessions may still be running")
			return err
		}
		s.log.WithField("sessions", closed).Info("all sessions closed")
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	s.log.Info("server shutdown completed")
	return nil
}

func (s *Server) waitSessions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serveSession runs both pumps for a freshly upgraded connection.
func (s *Server) serveSession(session *Session) {
	s.registry.Attach(session)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		session.writePump()
	}()
	go func() {
		defer s.wg.Done()
		session.readPump(s.router)
	}()

	// Upgrades that raced with Shutdown missed its CloseAll snapshot.
	if s.closing.Load() {
		session.terminate()
	}
}

package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/concur/entitystore"
	"github.com/c360/concur/health"
	"github.com/c360/concur/metric"
)

// SystemName labels the aggregated health status.
const SystemName = "concur"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server exposes every registered resource over REST:
//
//	GET    /{resource}            list entities
//	POST   /{resource}            create, no version
//	GET    /{resource}/{id}       fetch with current version
//	PUT    /{resource}/{id}       update, body carries the version it was based on
//	DELETE /{resource}/{id}       delete
//	GET    /{resource}/{id}/watch websocket stream of changes
//
// plus GET /health, GET /metrics and GET /openapi.json.
type Server struct {
	stores   *entitystore.Registry
	monitor  *health.Monitor
	registry *metric.MetricsRegistry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mux       *http.ServeMux
	tlsConfig *tls.Config

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
	watchCtx   context.Context
	stopWatch  context.CancelFunc
	watchers   sync.WaitGroup
	pingPeriod time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealthMonitor serves m at /health.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(s *Server) {
		s.monitor = m
	}
}

// WithMetricsRegistry serves the registry at /metrics and records request metrics.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithCheckOrigin overrides the websocket origin check. By default every
// origin is accepted.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// WithTLSConfig serves HTTPS and wss. A nil config serves plain HTTP.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// NewServer creates a server for the stores in reg.
func NewServer(reg *entitystore.Registry, opts ...Option) *Server {
	watchCtx, stopWatch := context.WithCancel(context.Background())
	s := &Server{
		stores:  reg,
		monitor: health.NewMonitor(),
		logger:  slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		watchCtx:   watchCtx,
		stopWatch:  stopWatch,
		pingPeriod: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "service")
	s.mux = s.routes()
	return s
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /openapi.json", s.handleOpenAPI)
	if s.registry != nil {
		mux.Handle("GET /metrics", s.registry.Handler())
	}

	mux.HandleFunc("GET /{resource}", s.instrument(s.handleList))
	mux.HandleFunc("POST /{resource}", s.instrument(s.handleCreate))
	mux.HandleFunc("GET /{resource}/{id}", s.instrument(s.handleGet))
	mux.HandleFunc("PUT /{resource}/{id}", s.instrument(s.handleUpdate))
	mux.HandleFunc("DELETE /{resource}/{id}", s.instrument(s.handleDelete))
	mux.HandleFunc("GET /{resource}/{id}/watch", s.instrument(s.handleWatch))
	return mux
}

// Start listens on addr and serves in the background. Listen errors are
// returned before Start does.
func (s *Server) Start(addr string, readHeaderTimeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("HTTP server already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.addr = ln.Addr()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// Capture server reference before goroutine to avoid race condition
	server := s.httpServer
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil,
		"resources", s.stores.Names())
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop closes open watch streams and shuts the server down gracefully.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopWatch()

	if s.httpServer == nil {
		s.watchers.Wait()
		return nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown failed",
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.watchers.Wait()

	s.logger.Debug("HTTP server shutdown completed", "duration_ms", time.Since(start).Milliseconds())
	s.httpServer = nil
	s.addr = nil
	return nil
}

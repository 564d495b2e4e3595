package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/config"
	"github.com/dante-gpu/dante-mesh/internal/handlers"
	meshmiddleware "github.com/dante-gpu/dante-mesh/internal/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter builds the control API router. metricsHandler may be nil.
func NewRouter(agent handlers.Agent, metricsHandler http.Handler, cfg config.ControlConfig, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(meshmiddleware.CorrelationID)
	r.Use(meshmiddleware.NewStructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(meshmiddleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	handlers.NewAgentHandler(agent, logger).RegisterRoutes(r)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	return r
}

// Server is the control API listener.
type Server struct {
	srv    *http.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewServer creates and configures the http.Server for addr.
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("HTTP server configured", zap.String("address", addr))
	return &Server{
		srv:      srv,
		logger:   logger,
		serveErr: make(chan error, 1),
	}
}

// Start binds the address and serves in the background. Bind errors are
// returned; later serve errors arrive on Errors.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("Control API listening", zap.String("address", ln.Addr().String()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Control API stopped unexpectedly", zap.Error(err))
			s.serveErr <- err
		}
		close(s.serveErr)
	}()
	return nil
}

// Addr returns the bound address, which differs from the configured one
// when port 0 was requested.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Errors delivers a serve failure and is closed when serving ends.
func (s *Server) Errors() <-chan error {
	return s.serveErr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("control API forced to shutdown uncleanly: %w", err)
	}
	s.logger.Info("Control API stopped")
	return nil
}

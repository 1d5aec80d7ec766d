// Package server runs the spider HTTP API.
//
//	@title			Spider API
//	@version		1.0
//	@description	Gallery sessions, on-demand page requests and page images.
//	@host			localhost:8080
//	@BasePath		/
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackzampolin/spider/internal/api"
	"github.com/jackzampolin/spider/internal/config"
	"github.com/jackzampolin/spider/internal/engine"
	"github.com/jackzampolin/spider/internal/home"
	"github.com/jackzampolin/spider/internal/metrics"
	"github.com/jackzampolin/spider/internal/server/endpoints"
	"github.com/jackzampolin/spider/internal/svcctx"
)

// Server is the spider HTTP API server. It owns the download engine,
// opening it on Start and closing it, with every session, on shutdown.
type Server struct {
	httpServer *http.Server
	configMgr  *config.Manager
	home       *home.Dir
	metrics    *metrics.Recorder
	logger     *slog.Logger

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu       sync.RWMutex
	running  bool
	engine   *engine.Engine
	services *svcctx.Services
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// Home is the spider home directory
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger
	// Metrics is optional; a private registry is used when nil
	Metrics *metrics.Recorder
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Home == nil {
		return nil, errors.New("server: home directory is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRecorder()
	}

	s := &Server{
		configMgr: cfg.ConfigManager,
		home:      cfg.Home,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}

	if cfg.ConfigManager != nil {
		cfg.ConfigManager.OnChange(func(c *config.Config) {
			s.mu.RLock()
			eng := s.engine
			s.mu.RUnlock()
			if eng != nil {
				eng.Apply(c)
			}
		})
	}

	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start opens the engine and serves HTTP.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	cfg := config.DefaultConfig()
	if s.configMgr != nil {
		cfg = s.configMgr.Get()
	}

	// Sessions outlive request contexts; they end on shutdown.
	eng, err := engine.Open(context.WithoutCancel(ctx), engine.Config{
		Config:  cfg,
		Home:    s.home,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to open engine: %w", err)
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.closeEngine(eng)
		s.setNotRunning()
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	s.mu.Lock()
	s.engine = eng
	s.services = &svcctx.Services{
		Registry: eng.Registry,
		Metrics:  s.metrics,
		Config:   s.configMgr,
		Logger:   s.logger,
		Home:     s.home,
	}
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// shutdown stops accepting requests, then stops every session and waits for
// their state to be saved.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.mu.Lock()
	eng := s.engine
	s.engine = nil
	s.services = nil
	s.mu.Unlock()

	var err error
	if eng != nil {
		if err = eng.Close(shutdownCtx); err != nil {
			s.logger.Error("engine close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return err
}

func (s *Server) closeEngine(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		s.logger.Error("engine close error", "error", err)
	}
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Engine returns the download engine, or nil when the server is not running.
func (s *Server) Engine() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		services := s.services
		s.mu.RUnlock()

		ctx := r.Context()
		if services == nil {
			// Health, metrics and settings answer before the engine is up.
			services = &svcctx.Services{Metrics: s.metrics, Config: s.configMgr, Logger: s.logger, Home: s.home}
		}
		ctx = svcctx.WithServices(ctx, services)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the engine is open.
// Returns 503 Service Unavailable otherwise.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcctx.RegistryFrom(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}

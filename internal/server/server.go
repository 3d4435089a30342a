// Package server exposes the sidekick's live status over HTTP: a health
// probe, a JSON status document and a websocket feed of dispatched actions
// and state transitions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// StatusReporter produces the document served at /api/status.
type StatusReporter interface {
	Status() any
}

// StatusFunc adapts a function to StatusReporter.
type StatusFunc func() any

// Status calls f.
func (f StatusFunc) Status() any { return f() }

// Config configures the status server.
type Config struct {
	Addr           string
	Status         StatusReporter
	RequestsPerSec float64
	Burst          int
	OriginPatterns []string
	Logger         *zap.Logger
}

// Server serves status endpoints and owns the broadcast hub.
type Server struct {
	cfg     Config
	hub     *Hub
	limiter *rate.Limiter
	started time.Time
	logger  *zap.Logger
}

// New creates a server. The hub starts immediately so that Broadcast may be
// called before Serve.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Status == nil {
		cfg.Status = StatusFunc(func() any { return struct{}{} })
	}
	logger := cfg.Logger.Named("server")
	s := &Server{
		cfg:     cfg,
		hub:     NewHub(cfg.OriginPatterns, logger),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		started: time.Now(),
		logger:  logger,
	}
	go s.hub.Run()
	return s
}

// Hub returns the broadcast hub.
func (s *Server) Hub() *Hub { return s.hub }

// Broadcast forwards v to every websocket client.
func (s *Server) Broadcast(v any) { s.hub.Broadcast(v) }

// Handler returns the routed handler with rate limiting and security
// headers applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.Handle("GET /ws", s.hub)

	return securityHeadersMiddleware(rateLimitMiddleware(mux, s.limiter))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"clients": s.hub.Clients(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Status.Status())
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.hub.Stop()
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully and stops
// the hub.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		s.hub.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; the hub
	// closes them.
	s.hub.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("status server shutdown", zap.Error(err))
	}
	<-errc
	s.logger.Info("status server stopped")
	return nil
}

// Close stops the hub without serving. Use when Run was never called.
func (s *Server) Close() { s.hub.Stop() }

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces one limiter across all requests.
func rateLimitMiddleware(next http.Handler, limiter *rate.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
				"code":  "RATE_LIMITED",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

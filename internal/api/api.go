// Package api provides the HTTP surface of MindPipe.
//
// It exposes RESTful endpoints for starting treatment sessions, feeding
// user input through the transition engine, and reading session status.
// The API orchestrates the AI assistance gate: the engine decides when
// assistance is needed, the gate interprets, and the engine re-validates
// before anything advances.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mindshift-labs/mindpipe/internal/flow"
	"github.com/mindshift-labs/mindpipe/internal/genai"
	"github.com/mindshift-labs/mindpipe/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Opts holds configurable options for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the transition engine, the assistance gate, and the
// store behind HTTP handlers.
type Server struct {
	engine *flow.Engine
	gate   genai.ClientInterface
	store  store.Store
	addr   string
	httpS  *http.Server
}

// NewServer creates an API server. The gate may be nil, in which case
// every escalation fails open to the scripted retry path.
func NewServer(engine *flow.Engine, gate genai.ClientInterface, st store.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	slog.Debug("Server.NewServer: creating API server", "addr", cfg.Addr, "gate_enabled", gate != nil)
	return &Server{engine: engine, gate: gate, store: st, addr: cfg.Addr}
}

// routes builds the request multiplexer.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.startSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/continue", s.continueSessionHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("GET /sessions/{id}/interactions", s.listInteractionsHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpS = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
		if err := s.httpS.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpS.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API server shutdown: %w", err)
		}
		return nil
	}
}

// Package server exposes the flowchart runtime over HTTP: flowchart
// persistence and migration, run lifecycle, and an SSE event stream per run.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/llmctl/llmctl/internal/events"
	"github.com/llmctl/llmctl/internal/flowchart/engine"
	"github.com/llmctl/llmctl/internal/store"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"
}

// Server is the HTTP front of the flowchart runtime.
type Server struct {
	config  Config
	store   store.Store
	eng     *engine.Engine
	bus     *events.Bus
	rag     engine.Retriever
	runs    *RunRegistry
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	log     *zap.Logger
}

// New creates a new Server with the given dependencies.
func New(cfg Config, st store.Store, eng *engine.Engine, bus *events.Bus, retriever engine.Retriever, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		store:   st,
		eng:     eng,
		bus:     bus,
		rag:     retriever,
		runs:    NewRunRegistry(),
		baseCtx: ctx,
		cancel:  cancel,
		log:     log,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/flowcharts", s.handleSaveFlowchart)
	mux.HandleFunc("GET /api/flowcharts/{id}", s.handleGetFlowchart)
	mux.HandleFunc("GET /api/flowcharts/{id}/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("POST /api/flowcharts/{id}/migrate", s.handleMigrate)
	mux.HandleFunc("POST /api/flowcharts/{id}/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/rag/health", s.handleRAGHealth)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.log.Info("shutting down", zap.String("signal", sig.String()))
		s.Shutdown()
	}()

	s.log.Info("listening", zap.String("addr", s.config.Addr))
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically set
// the Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				// Allow only localhost-family origins.
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server and cancels all active runs.
func (s *Server) Shutdown() {
	for _, runID := range s.runs.Active() {
		if err := s.eng.CancelRun(context.Background(), runID); err != nil {
			s.log.Warn("cancel on shutdown", zap.String("run_id", runID), zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}

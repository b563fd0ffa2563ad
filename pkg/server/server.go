// Package server exposes the OpenAI-compatible completion API over
// HTTP: bearer-authenticated chat completions with SSE streaming,
// the model listing, and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lamb-project/lamb/pkg/auth"
	"github.com/lamb-project/lamb/pkg/observability"
	"github.com/lamb-project/lamb/pkg/pipeline"
)

type Server struct {
	addr       string
	pipeline   *pipeline.Service
	authBldr   *auth.Builder
	metrics    *observability.Metrics
	httpServer *http.Server
}

func New(addr string, pipelineSvc *pipeline.Service, authBuilder *auth.Builder, metrics *observability.Metrics) *Server {
	return &Server{
		addr:     addr,
		pipeline: pipelineSvc,
		authBldr: authBuilder,
		metrics:  metrics,
	}
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}

	slog.Info("HTTP server starting", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("HTTP server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// Order: logging, metrics, cors, then auth on the API group.
	r.Use(loggingMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/metrics", observability.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.authBldr.Middleware(writeError))

		r.Post("/v1/chat/completions", s.handleCompletions)
		r.Get("/v1/models", s.handleModels)
		r.Get("/v1/llms", s.handleProviderModels)
		r.Get("/v1/chats", s.handleChatList)
		r.Get("/v1/chats/{chatID}", s.handleChat)

		// LAMB-internal alias used by the learning frontend.
		r.Post("/lamb/v1/chat/completions", s.handleCompletions)
	})

	return r
}

// Package server exposes the worker's operational HTTP endpoints.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/subflowhq/subflow/internal/concurrency"
	"github.com/subflowhq/subflow/internal/llmhealth"
	"github.com/subflowhq/subflow/internal/queue"
)

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status      string                 `json:"status"`
	LLM         llmhealth.Report       `json:"llm"`
	Concurrency []concurrency.Snapshot `json:"concurrency"`
	QueueDepth  *int64                 `json:"queue_depth,omitempty"`
}

// Server bundles the handler dependencies.
type Server struct {
	health  *llmhealth.Monitor
	tracker *concurrency.Tracker
	queue   *queue.Queue
	logger  *slog.Logger
}

// New creates the HTTP server handlers. queue may be nil.
func New(health *llmhealth.Monitor, tracker *concurrency.Tracker, q *queue.Queue, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{health: health, tracker: tracker, queue: q, logger: log}
}

// Router builds the chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.SnapshotShared(r.Context())
	resp := healthResponse{
		Status:      report.Status,
		LLM:         report,
		Concurrency: s.tracker.Snapshots(),
	}
	if s.queue != nil {
		if depth, err := s.queue.Len(r.Context()); err == nil {
			resp.QueueDepth = &depth
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == llmhealth.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("writing health response failed", slog.String("error", err.Error()))
	}
}

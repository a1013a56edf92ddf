package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/scam-honeypot/internal/engine"
	"github.com/ashureev/scam-honeypot/internal/store"
	"github.com/go-chi/chi/v5"
)

// QueueStatter reports persistence queue counters.
type QueueStatter interface {
	Stats() store.QueueStats
}

// Pinger checks a dependency's reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsHandler serves operational endpoints.
type StatsHandler struct {
	engine  Engine
	queue   QueueStatter
	db      Pinger
	timeout time.Duration
}

// NewStatsHandler creates the stats and health handler. queue and db are
// optional and omitted from responses when nil.
func NewStatsHandler(e Engine, queue QueueStatter, db Pinger) *StatsHandler {
	return &StatsHandler{engine: e, queue: queue, db: db, timeout: 5 * time.Second}
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Sessions    engine.Stats      `json:"sessions"`
	Persistence *store.QueueStats `json:"persistence,omitempty"`
}

// Stats handles GET /api/stats.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Sessions: h.engine.Stats()}
	if h.queue != nil {
		qs := h.queue.Stats()
		resp.Persistence = &qs
	}
	JSON(w, http.StatusOK, resp)
}

// Health returns the health status of the API and its dependencies.
func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		if err := h.db.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			status["checks"].(map[string]string)["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			status["checks"].(map[string]string)["database"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterRoutes registers the health and stats routes.
func (h *StatsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/api/stats", h.Stats)
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/rightify/internal/config"
	"github.com/ashureev/rightify/internal/store"
	"github.com/go-chi/chi/v5"
)

// BackendChecker reports whether the analysis backend is up.
type BackendChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	backend BackendChecker
	cfg     *config.Config
}

// NewHealthHandler creates a new health handler. backend and cfg may be nil.
func NewHealthHandler(repo store.Repository, backend BackendChecker, cfg *config.Config) *HealthHandler {
	return &HealthHandler{repo: repo, backend: backend, cfg: cfg}
}

// Health returns the health status of the API and its dependencies. The
// database is required; an unreachable backend only degrades the status.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthCheckTimeout := 5 * time.Second
	if h.cfg != nil {
		healthCheckTimeout = h.cfg.Timeout.HealthCheck
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.backend != nil {
		if err := h.backend.Health(ctx); err != nil {
			slog.Warn("Backend health check failed", "error", err)
			checks["backend"] = "unreachable"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["backend"] = "ok"
		}
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/rightify/internal/domain"
	"github.com/ashureev/rightify/internal/identity"
	"github.com/go-chi/chi/v5"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// UserHandler serves per-user endpoints.
type UserHandler struct {
	*Handler
}

// NewUserHandler creates a user handler.
func NewUserHandler(base *Handler) *UserHandler {
	return &UserHandler{Handler: base}
}

// RegisterRoutes registers user routes.
func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/history", h.GetHistory)
	})
}

// GetMe returns the current user's information.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user.UserID,
		"username":     user.Username,
		"session_id":   identity.SessionIDFromContext(r.Context()),
		"last_seen_at": user.LastSeenAt,
		"created_at":   user.CreatedAt,
	})
}

// GetConfig returns the settings the frontend needs.
func (h *UserHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"services":     domain.Services,
		"legacy_modes": []domain.LegacyMode{domain.LegacyConsultation, domain.LegacyCaseSearch},
	}
	if h.cfg != nil {
		resp["animation_min_ms"] = h.cfg.Animation.Min.Milliseconds()
		resp["animation_per_char_ms"] = h.cfg.Animation.PerChar.Milliseconds()
		resp["sse_retry_ms"] = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	JSON(w, http.StatusOK, resp)
}

// GetHistory returns the user's finished consultations, newest first.
func (h *UserHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	items, err := h.repo.ListConsultations(r.Context(), userID, limit)
	if err != nil {
		slog.Error("Failed to list consultations", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if items == nil {
		items = []*domain.Consultation{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"consultations": items})
}

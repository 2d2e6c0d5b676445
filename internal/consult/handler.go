package consult

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/rightify/internal/api"
	"github.com/ashureev/rightify/internal/config"
	"github.com/ashureev/rightify/internal/domain"
	"github.com/ashureev/rightify/internal/identity"
	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// RateLimiter implements a per-user sliding-window rate limiter.
// The key is userID only so clients cannot bypass throttling by rotating
// session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	recent := r.freshLocked(key, now.Add(-r.window))
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.once.Do(func() { close(r.stop) })
}

func (r *RateLimiter) freshLocked(key string, cutoff time.Time) []time.Time {
	var fresh []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

// startEviction periodically removes expired keys so the map cannot grow
// without bound.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key := range r.requests {
				fresh := r.freshLocked(key, cutoff)
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// QueryRequest is the body of POST /api/consultation/query.
type QueryRequest struct {
	Service string `json:"service"`
	Query   string `json:"query"`
}

// LegacyRequest is the body of POST /api/consultation/legacy.
type LegacyRequest struct {
	Text string            `json:"text"`
	Mode domain.LegacyMode `json:"mode"`
}

// Handler serves the consultation HTTP and SSE endpoints.
type Handler struct {
	registry    *Registry
	rateLimiter *RateLimiter
	cfg         *config.Config
}

// NewHandler creates a handler over registry. cfg may be nil, in which case
// defaults apply.
func NewHandler(registry *Registry, cfg *config.Config) *Handler {
	limit, window := 10, time.Minute
	if cfg != nil {
		limit = cfg.RateLimit.RequestsPerWindow
		window = cfg.RateLimit.WindowDuration
	}
	return &Handler{
		registry:    registry,
		rateLimiter: NewRateLimiter(limit, window),
		cfg:         cfg,
	}
}

// RegisterRoutes registers consultation routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/services", h.ListServices)
	r.Route("/api/consultation", func(r chi.Router) {
		r.Post("/query", h.HandleQuery)
		r.Post("/legacy", h.HandleLegacy)
		r.Post("/reset", h.HandleReset)
		r.Get("/state", h.HandleState)
		r.Get("/stream", h.HandleStream)
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

// ListServices handles GET /api/services.
func (h *Handler) ListServices(w http.ResponseWriter, _ *http.Request) {
	api.JSON(w, http.StatusOK, map[string]any{"services": domain.Services})
}

// HandleQuery handles POST /api/consultation/query.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctrl, userID, ok := h.controller(w, r)
	if !ok {
		return
	}
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req QueryRequest
	if !h.decode(w, r, &req) {
		return
	}

	ticket, err := ctrl.SubmitQuery(req.Service, req.Query)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	api.JSON(w, http.StatusAccepted, map[string]any{"generation": ticket.Generation})
}

// HandleLegacy handles POST /api/consultation/legacy.
func (h *Handler) HandleLegacy(w http.ResponseWriter, r *http.Request) {
	ctrl, userID, ok := h.controller(w, r)
	if !ok {
		return
	}
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req LegacyRequest
	if !h.decode(w, r, &req) {
		return
	}

	ticket, err := ctrl.SubmitLegacy(req.Text, req.Mode)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	api.JSON(w, http.StatusAccepted, map[string]any{"generation": ticket.Generation})
}

// HandleReset handles POST /api/consultation/reset.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	ctrl, _, ok := h.controller(w, r)
	if !ok {
		return
	}
	ctrl.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// HandleState handles GET /api/consultation/state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	ctrl, _, ok := h.controller(w, r)
	if !ok {
		return
	}
	api.JSON(w, http.StatusOK, ctrl.Snapshot())
}

// HandleStream pushes a snapshot event on every state change, with
// keepalive pings in between.
//
//nolint:gocognit // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctrl, userID, ok := h.controller(w, r)
	if !ok {
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	retryDelay := 5 * time.Second
	keepaliveInterval := 10 * time.Second
	if h.cfg != nil {
		retryDelay = h.cfg.SSE.RetryDelay
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", retryDelay.Milliseconds()); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	snapshots, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	slog.Info("Consultation stream connected", "user_id", userID, "session_id", sessionID)
	defer slog.Info("Consultation stream closed", "user_id", userID, "session_id", sessionID)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	var eventID int64
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-snapshots:
			if !open {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				slog.Warn("failed to marshal snapshot", "error", err)
				return
			}
			eventID++
			if err := writeSSEWithID(w, eventID, "snapshot", string(data)); err != nil {
				slog.Warn("failed to write SSE snapshot event", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		}
	}
}

// controller resolves the caller's controller, writing an error response
// when it cannot.
func (h *Handler) controller(w http.ResponseWriter, r *http.Request) (*Controller, string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, "", false
	}
	ctrl, err := h.registry.Get(userID, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		api.Error(w, http.StatusServiceUnavailable, "shutting down")
		return nil, "", false
	}
	return ctrl, userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		limit = h.cfg.SSE.MaxRequestBodySize
	}
	return api.DecodeJSON(w, r, limit, v)
}

func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmptyQuery):
		api.Error(w, http.StatusBadRequest, "query is required")
	case errors.Is(err, ErrUnknownService):
		api.Error(w, http.StatusBadRequest, "unknown service")
	case errors.Is(err, ErrClosed):
		api.Error(w, http.StatusServiceUnavailable, "session closed")
	default:
		api.Error(w, http.StatusInternalServerError, "failed to submit query")
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

package consult

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/rightify/internal/domain"
)

// HistoryStore persists finished consultations.
type HistoryStore interface {
	SaveConsultation(ctx context.Context, c *domain.Consultation) error
}

// RegistryOptions configures the controllers a Registry creates.
type RegistryOptions struct {
	AnimationMin     time.Duration
	AnimationPerChar time.Duration
	History          HistoryStore
	ConversationLog  ConversationLogger
	Logger           *slog.Logger
}

type registryEntry struct {
	ctrl     *Controller
	lastUsed time.Time
}

// Registry holds one controller per userID:sessionID.
type Registry struct {
	backend Backend
	opts    RegistryOptions
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(backend Backend, opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConversationLog == nil {
		opts.ConversationLog = noopConversationLogger{}
	}
	return &Registry{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger,
		entries: make(map[string]*registryEntry),
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Get returns the controller for the tab, creating it on first use.
func (r *Registry) Get(userID, sessionID string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	key := sessionKey(userID, sessionID)
	if e, ok := r.entries[key]; ok {
		e.lastUsed = time.Now()
		return e.ctrl, nil
	}

	ctrl := NewController(r.backend, Options{
		UserID:           userID,
		SessionID:        sessionID,
		AnimationMin:     r.opts.AnimationMin,
		AnimationPerChar: r.opts.AnimationPerChar,
		Recorder:         &historyRecorder{store: r.opts.History, log: r.opts.ConversationLog},
		Logger:           r.logger,
	})
	r.entries[key] = &registryEntry{ctrl: ctrl, lastUsed: time.Now()}
	r.logger.Info("Consultation session created", "user_id", userID, "session_id", sessionID)
	return ctrl, nil
}

// Len returns the number of live controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle closes controllers unused for longer than ttl. Controllers that
// are streaming or subscribed are kept. It returns the number evicted.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	var evicted []*Controller
	for key, e := range r.entries {
		if e.lastUsed.After(cutoff) || e.ctrl.Busy() {
			continue
		}
		evicted = append(evicted, e.ctrl)
		delete(r.entries, key)
	}
	r.mu.Unlock()

	for _, ctrl := range evicted {
		ctrl.Close()
	}
	if len(evicted) > 0 {
		r.logger.Info("Evicted idle consultation sessions", "count", len(evicted), "ttl", ttl)
	}
	return len(evicted)
}

// Close closes every controller. Later Get calls fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.ctrl.Close()
	}
}

// historyRecorder writes finished consultations to the store and the
// conversation log.
type historyRecorder struct {
	store HistoryStore
	log   ConversationLogger
}

func (h *historyRecorder) Record(ctx context.Context, c domain.Consultation) error {
	h.log.Log(ConversationLogEvent{
		Timestamp:  c.StartedAt.UTC().Format(time.RFC3339Nano),
		UserID:     c.UserID,
		SessionID:  c.SessionID,
		Channel:    "consultation",
		Direction:  "outbound",
		EventType:  "user_query",
		ContentRaw: c.Query,
		Meta: map[string]any{
			"consultation_id": c.ID,
			"service":         c.Service,
		},
	})
	h.log.Log(ConversationLogEvent{
		Timestamp:  c.FinishedAt.UTC().Format(time.RFC3339Nano),
		UserID:     c.UserID,
		SessionID:  c.SessionID,
		Channel:    "consultation",
		Direction:  "inbound",
		EventType:  "assistant_transcript",
		ContentRaw: c.Transcript,
		Meta: map[string]any{
			"consultation_id": c.ID,
			"status":          c.Status,
			"actions":         c.ActionCount,
			"has_report":      c.ReportJSON != nil,
		},
	})

	if h.store == nil {
		return nil
	}
	if err := h.store.SaveConsultation(ctx, &c); err != nil {
		return fmt.Errorf("save consultation: %w", err)
	}
	return nil
}

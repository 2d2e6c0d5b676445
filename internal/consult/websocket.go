package consult

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/rightify/internal/domain"
	"github.com/ashureev/rightify/internal/identity"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// SessionManager tracks the active websocket per user and tab. A new
// connection for the same tab replaces the old one.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the active connection for a user and session.
func (m *SessionManager) GetActive(userID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a websocket connection for a user/session.
func (m *SessionManager) Register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := m.active[userID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[userID][sessionID] = conn
	slog.Info("Consultation socket registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes a websocket connection for a user/session.
func (m *SessionManager) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Consultation socket unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseAll closes every active connection.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, sessions := range m.active {
		for _, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, userID)
	}
}

// wsMessage is a command sent by the browser.
type wsMessage struct {
	Type    string            `json:"type"`
	Service string            `json:"service,omitempty"`
	Query   string            `json:"query,omitempty"`
	Text    string            `json:"text,omitempty"`
	Mode    domain.LegacyMode `json:"mode,omitempty"`
}

// wsOutbound is a frame sent to the browser.
type wsOutbound struct {
	Type       string    `json:"type"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
	Generation uint64    `json:"generation,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// WebSocketHandler pushes snapshots over a websocket and accepts commands.
type WebSocketHandler struct {
	registry      *Registry
	sm            *SessionManager
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new websocket handler.
func NewWebSocketHandler(registry *Registry, sm *SessionManager, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		registry:      registry,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ctrl, err := h.registry.Get(userID, sessionID)
	if err != nil {
		http.Error(w, `{"error": "shutting down"}`, http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	if prev := h.sm.GetActive(userID, sessionID); prev != nil {
		slog.Info("Replacing existing consultation websocket", "user_id", userID, "session_id", sessionID)
	}
	h.sm.Register(userID, sessionID, ws)
	defer h.sm.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshots, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	// Writes happen from both loops.
	var writeMu sync.Mutex
	write := func(v wsOutbound) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeJSON(ctx, ws, v)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, ctrl, write, userID)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		outputLoop(ctx, snapshots, write, userID)
	}()

	wg.Wait()
	slog.Info("Consultation socket ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	// Same-origin pages served from the embedded UI.
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, ctrl *Controller, write func(wsOutbound) error, userID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := write(wsOutbound{Type: "error", Error: "invalid message"}); err != nil {
				return
			}
			continue
		}

		var reply wsOutbound
		switch msg.Type {
		case "submit":
			ticket, err := ctrl.SubmitQuery(msg.Service, msg.Query)
			reply = ackOrError(ticket, err)
		case "legacy":
			ticket, err := ctrl.SubmitLegacy(msg.Text, msg.Mode)
			reply = ackOrError(ticket, err)
		case "reset":
			ctrl.Reset()
			reply = wsOutbound{Type: "reset"}
		case "ping":
			reply = wsOutbound{Type: "pong"}
		default:
			reply = wsOutbound{Type: "error", Error: "unknown message type"}
		}
		if err := write(reply); err != nil {
			slog.Debug("Failed to send websocket reply", "error", err, "user_id", userID)
			return
		}
	}
}

func outputLoop(ctx context.Context, snapshots <-chan Snapshot, write func(wsOutbound) error, userID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if err := write(wsOutbound{Type: "snapshot", Snapshot: &snap}); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err, "user_id", userID)
				}
				return
			}
		}
	}
}

func ackOrError(ticket Ticket, err error) wsOutbound {
	if err != nil {
		return wsOutbound{Type: "error", Error: err.Error()}
	}
	return wsOutbound{Type: "accepted", Generation: ticket.Generation}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

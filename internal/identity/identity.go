// Package identity gives every browser an anonymous user id (a long-lived
// cookie) and every tab a session id (a header or query parameter). The pair
// selects the consultation controller a request talks to.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/rightify/internal/domain"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	AnonCookieName        = "rightify_anon_id"
	SessionHeaderName     = "X-Rightify-Session-ID"
	SessionQueryParam     = "session_id"
	DefaultSessionIDValue = "default"
	anonCookieMaxAge      = 30 * 24 * time.Hour
	lastSeenResolution    = time.Minute
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// UserStore is the subset of the repository the middleware needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Identity is the caller of one request.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
}

type contextKey struct{}

// FromContext returns the identity attached by Middleware or WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// WithIdentity returns a context carrying the given user and tab session.
func WithIdentity(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, contextKey{}, Identity{
		UserID:    userID,
		Username:  deriveUsername(userID),
		SessionID: sanitizeSessionID(sessionID),
	})
}

// UserIDFromContext returns the caller's user id, or "" when there is none.
func UserIDFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.UserID
}

// SessionIDFromContext returns the caller's tab session, DefaultSessionIDValue when unset.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok && id.SessionID != "" {
		return id.SessionID
	}
	return DefaultSessionIDValue
}

// Middleware resolves the caller's identity, creating the anonymous user on
// first sight, and stores it on the request context.
func Middleware(users UserStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := anonIDFor(w, r, isDev)
			if err != nil {
				slog.Error("identity: cookie issue failed", "request_id", chiMiddleware.GetReqID(r.Context()), "error", err)
				writeError(w, "failed to establish anonymous identity")
				return
			}

			if err := touchUser(r.Context(), users, userID); err != nil {
				slog.Error("identity: user upsert failed", "request_id", chiMiddleware.GetReqID(r.Context()), "user_id", userID, "error", err)
				writeError(w, "failed to initialize anonymous user")
				return
			}

			ctx := WithIdentity(r.Context(), userID, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns the remote host without its port.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// anonIDFor reuses a valid cookie or mints a new id. The cookie is rewritten
// on every request so active devices slide their expiry forward.
func anonIDFor(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	var id string
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		id = c.Value
	} else {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate anonymous id: %w", err)
		}
		id = "anon_" + hex.EncodeToString(buf)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id, nil
}

// touchUser creates the user on first sight and otherwise refreshes
// last_seen_at at most once per lastSeenResolution.
func touchUser(ctx context.Context, users UserStore, userID string) error {
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	now := time.Now()
	if user != nil {
		if user.IdleFor(now) < lastSeenResolution {
			return nil
		}
		return users.UpdateLastSeen(ctx, userID, now)
	}
	return users.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		Username:   deriveUsername(userID),
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// sessionIDFromRequest prefers the header; EventSource and websocket clients
// cannot set headers and pass the query parameter instead.
func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get(SessionQueryParam)
	}
	return sanitizeSessionID(sid)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func deriveUsername(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

func writeError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", message)
}

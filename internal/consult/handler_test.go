package consult

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/rightify/internal/config"
	"github.com/ashureev/rightify/internal/identity"
	"github.com/go-chi/chi/v5"
)

func testConfig() *config.Config {
	return &config.Config{
		SSE: config.SSEConfig{
			KeepaliveInterval:  time.Hour,
			RetryDelay:         3 * time.Second,
			MaxRequestBodySize: 256,
		},
		RateLimit: config.RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute},
	}
}

func newTestRouter(t *testing.T, b Backend, cfg *config.Config) (http.Handler, *Registry) {
	t.Helper()
	reg := NewRegistry(b, RegistryOptions{AnimationMin: time.Millisecond})
	h := NewHandler(reg, cfg)
	t.Cleanup(func() {
		h.Close()
		reg.Close()
	})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(identity.WithIdentity(req.Context(), "anon_test", "tab-1")))
		})
	})
	h.RegisterRoutes(r)
	return r, reg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, rd))
	return w
}

func TestListServices(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeBackend{streamFn: body()}, testConfig())

	w := do(t, router, http.MethodGet, "/api/services", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"id":"consult"`) {
		t.Fatalf("expected the catalog, got %s", w.Body.String())
	}
}

func TestHandleQuery(t *testing.T) {
	t.Parallel()
	router, reg := newTestRouter(t, &fakeBackend{streamFn: body(`data: {"type":"final_answer","content":"A\n\nB"}`)}, testConfig())

	w := do(t, router, http.MethodPost, "/api/consultation/query", `{"service":"consult","query":"押金"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Generation uint64 `json:"generation"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || resp.Generation == 0 {
		t.Fatalf("expected a generation, got %+v (%v)", resp, err)
	}

	ctrl, _ := reg.Get("anon_test", "tab-1")
	waitFor(t, func() bool {
		s := ctrl.Snapshot()
		return !s.Loading && s.Report != nil
	})

	w = do(t, router, http.MethodGet, "/api/consultation/state", "")
	var snap Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snap.Report == nil || len(snap.Report.Sections) != 2 {
		t.Fatalf("unexpected state %+v", snap)
	}
}

func TestHandleQueryRejectsBadInput(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeBackend{streamFn: body()}, testConfig())

	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty query", `{"service":"consult","query":"  "}`, http.StatusBadRequest},
		{"unknown service", `{"service":"tax","query":"q"}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
		{"too large", `{"service":"consult","query":"` + strings.Repeat("x", 512) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		w := do(t, router, http.MethodPost, "/api/consultation/query", tc.body)
		if w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, w.Code)
		}
	}
}

func TestHandleQueryRateLimited(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RateLimit.RequestsPerWindow = 1
	router, _ := newTestRouter(t, &fakeBackend{streamFn: body()}, cfg)

	if w := do(t, router, http.MethodPost, "/api/consultation/query", `{"service":"consult","query":"q"}`); w.Code != http.StatusAccepted {
		t.Fatalf("expected first request to pass, got %d", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/api/consultation/query", `{"service":"consult","query":"q"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestHandleLegacyAndReset(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{legacyFn: func(string, string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("data: 你好\n\n")), nil
	}}
	router, reg := newTestRouter(t, b, testConfig())

	w := do(t, router, http.MethodPost, "/api/consultation/legacy", `{"text":"租房","mode":"case_search"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	ctrl, _ := reg.Get("anon_test", "tab-1")
	waitFor(t, func() bool { return !ctrl.Snapshot().Loading })

	w = do(t, router, http.MethodPost, "/api/consultation/reset", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if n := len(ctrl.Snapshot().Messages); n != 0 {
		t.Fatalf("expected reset to clear messages, got %d", n)
	}
}

func TestHandleStreamPushesSnapshots(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, &fakeBackend{streamFn: body(`data: {"type":"start","content":"开始"}`)}, testConfig())
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/consultation/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first, _ := reader.ReadString('\n')
	if first != "retry: 3000\n" {
		t.Fatalf("expected retry header first, got %q", first)
	}

	post, err := http.Post(srv.URL+"/api/consultation/query", "application/json",
		bytes.NewBufferString(`{"service":"consult","query":"q"}`))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	_ = post.Body.Close()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before the action arrived: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: ")
		if !ok {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			t.Fatalf("bad snapshot payload: %v", err)
		}
		if len(snap.Actions) == 1 && snap.Actions[0].Content == "开始" {
			return
		}
	}
}

func TestHandlersRequireIdentity(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(&fakeBackend{streamFn: body()}, RegistryOptions{})
	defer reg.Close()
	h := NewHandler(reg, nil)
	defer h.Close()

	w := httptest.NewRecorder()
	h.HandleState(w, httptest.NewRequest(http.MethodGet, "/api/consultation/state", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(2, 50*time.Millisecond)
	defer rl.Stop()

	if !rl.Allow("u") || !rl.Allow("u") {
		t.Fatal("expected the first two requests to pass")
	}
	if rl.Allow("u") {
		t.Fatal("expected the third request to be limited")
	}
	if !rl.Allow("other") {
		t.Fatal("limits are per key")
	}
	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("u") {
		t.Fatal("expected the window to slide")
	}
}

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestStreamPostsQuery(t *testing.T) {
	var gotPath, gotQuery, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		gotQuery = body["query"]
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"start\"}\n\n")
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	body, err := c.Stream(context.Background(), "/api/legal/analyze", "劳动合同纠纷")
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer body.Close()

	data, _ := io.ReadAll(body)
	if string(data) != "data: {\"type\":\"start\"}\n\n" {
		t.Errorf("unexpected body %q", data)
	}
	if gotPath != "/api/legal/analyze" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotQuery != "劳动合同纠纷" {
		t.Errorf("unexpected query %q", gotQuery)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("unexpected accept header %q", gotAccept)
	}
}

func TestStreamReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	_, err := c.Stream(context.Background(), "/api/legal/consult", "q")

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusBadGateway || se.Body != "upstream exploded" {
		t.Fatalf("unexpected status error %+v", se)
	}
}

func TestLegacyUsesQueryParameters(t *testing.T) {
	var got url.Values
	legacy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/query" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		got = r.URL.Query()
		_, _ = io.WriteString(w, "data: ok\n\n")
	}))
	defer legacy.Close()

	legacyURL, _ := url.Parse(legacy.URL)
	c, _ := NewClient("http://127.0.0.1:1", WithLegacyURL(legacyURL))
	body, err := c.Legacy(context.Background(), "租房押金", "法律咨询")
	if err != nil {
		t.Fatalf("Legacy failed: %v", err)
	}
	_ = body.Close()

	if got.Get("text") != "租房押金" || got.Get("case_type") != "法律咨询" {
		t.Fatalf("unexpected query params %v", got)
	}
}

func TestHealth(t *testing.T) {
	status := "running"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("expected healthy backend, got %v", err)
	}

	status = "starting"
	if err := c.Health(context.Background()); !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy, got %v", err)
	}
}

func TestJoinPath(t *testing.T) {
	cases := []struct{ base, endpoint, want string }{
		{"", "/api/health", "/api/health"},
		{"/", "/api/health", "/api/health"},
		{"/prefix/", "/api/health", "/prefix/api/health"},
		{"/prefix", "/api/health", "/prefix/api/health"},
	}
	for _, tc := range cases {
		if got := joinPath(tc.base, tc.endpoint); got != tc.want {
			t.Errorf("joinPath(%q, %q) = %q, want %q", tc.base, tc.endpoint, got, tc.want)
		}
	}
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/lrbmike/palm-netlify-proxy/internal/client"
	"github.com/lrbmike/palm-netlify-proxy/internal/config"
	"github.com/lrbmike/palm-netlify-proxy/internal/service"
)

// newTestHandler wires a ProxyHandler against the given upstream URL.
func newTestHandler(t *testing.T, upstreamURL string) *ProxyHandler {
	t.Helper()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         upstreamURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gc := client.NewGeminiClient(cfg, logger, nil)
	svc, err := service.NewProxyServiceForTest(gc, cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyServiceForTest: %v", err)
	}
	return NewProxyHandler(svc, logger)
}

func TestProxyHandler_Handle_GET(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/v1beta/models")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models?key=abc", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"models":[]}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `{"models":[]}`)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

func TestProxyHandler_Handle_POSTBody(t *testing.T) {
	const reqBody = `{"contents":[{"parts":[{"text":"hi"}]}]}`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != reqBody {
			t.Errorf("upstream body = %q, want %q", string(body), reqBody)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:generateContent?key=abc", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestProxyHandler_Handle_RelaysErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"API key not valid"}}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:generateContent", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (relayed verbatim)", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "API key not valid") {
		t.Errorf("body = %q, want upstream error body relayed", rec.Body.String())
	}
}

func TestProxyHandler_Handle_NoBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "keep")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/v1beta/cachedContents/abc", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body length = %d, want 0", rec.Body.Len())
	}
	if rec.Header().Get("X-Custom") != "keep" {
		t.Errorf("X-Custom = %q, want %q", rec.Header().Get("X-Custom"), "keep")
	}
}

func TestProxyHandler_Handle_StreamedChunksRoundTrip(t *testing.T) {
	// Chunks of uneven sizes, together several times larger than the
	// relay buffer, so the copy loop cannot hold the payload in memory
	// in one piece.
	chunks := [][]byte{
		bytes.Repeat([]byte("a"), 100_000),
		[]byte("data: {\"text\":\"hello\"}\n\n"),
		bytes.Repeat([]byte("b"), 70_001),
		[]byte("x"),
		bytes.Repeat([]byte("c"), 130_000),
	}
	var want bytes.Buffer
	for _, chunk := range chunks {
		want.Write(chunk)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("upstream test server does not support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, chunk := range chunks {
			_, _ = w.Write(chunk)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:streamGenerateContent?alt=sse", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !bytes.Equal(rec.Body.Bytes(), want.Bytes()) {
		t.Errorf("relayed body differs from upstream chunks: got %d bytes, want %d bytes",
			rec.Body.Len(), want.Len())
	}
	if !rec.Flushed {
		t.Error("expected response to be flushed during streaming")
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Wait until client context is done.
		<-r.Context().Done()
		// Do not write a response — the client has disconnected.
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", http.NoBody)
	// Create a pre-canceled context to simulate client disconnect.
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	// Should get a 502/504 error response, not 200.
	if rec.Code == http.StatusOK {
		t.Error("expected non-200 status for canceled context")
	}
}

func TestProxyHandler_mapError_DNSError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	dnsErr := &net.DNSError{Err: "no such host", Name: "generativelanguage.googleapis.com"}
	wrapped := fmt.Errorf("forward to upstream: %w", dnsErr)

	if err := h.mapError(c, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "upstream host unreachable" {
		t.Errorf("error = %q, want %q", body["error"], "upstream host unreachable")
	}
}

func TestProxyHandler_mapError_URLError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	urlErr := &url.Error{Op: "Get", URL: "https://generativelanguage.googleapis.com/v1beta/models", Err: fmt.Errorf("connection refused")}
	wrapped := fmt.Errorf("forward to upstream: %w", urlErr)

	if err := h.mapError(c, wrapped); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "upstream connection failed" {
		t.Errorf("error = %q, want %q", body["error"], "upstream connection failed")
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts key in URL",
			err:  `Get "https://generativelanguage.googleapis.com/v1beta/models?key=secret123&alt=sse": connection refused`,
			want: `Get "https://generativelanguage.googleapis.com/v1beta/models?key=[REDACTED]&alt=sse": connection refused`,
		},
		{
			name: "redacts key at end of URL",
			err:  `Get "https://generativelanguage.googleapis.com/v1beta/models?key=secret123": EOF`,
			want: `Get "https://generativelanguage.googleapis.com/v1beta/models?key=[REDACTED]": EOF`,
		},
		{
			name: "no key unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(fmt.Errorf("%s", tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"tilde-proxy/internal/client"
	"tilde-proxy/internal/config"
	"tilde-proxy/internal/guard"
	"tilde-proxy/internal/rewrite"
	"tilde-proxy/internal/service"
	"tilde-proxy/internal/target"
)

func testConfig(timeoutMS int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutMS:       timeoutMS,
			IdleConnections: 10,
			UserAgent:       "tilde-proxy/test",
		},
		Analytics: config.AnalyticsConfig{Backend: config.AnalyticsNone},
	}
}

// newTestHandler builds a ProxyHandler whose service accepts localhost
// targets, so httptest servers can be reached.
func newTestHandler(cfg *config.Config) *ProxyHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil, nil)
	return NewProxyHandler(service.NewProxyServiceForTest(uc, cfg, logger, nil), logger)
}

func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func TestProxyHandler_Handle_Stream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "query=test" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "query=test")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	h := newTestHandler(testConfig(5000))
	req := httptest.NewRequest(http.MethodGet, "/~/"+upstream.URL+"/api?query=test", http.NoBody)
	rec := serve(t, h, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"result":"ok"}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `{"result":"ok"}`)
	}
	if rec.Header().Get("Referrer-Policy") != "unsafe-url" {
		t.Errorf("Referrer-Policy = %q, want %q", rec.Header().Get("Referrer-Policy"), "unsafe-url")
	}
}

func TestProxyHandler_Handle_POST(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("received " + string(body)))
	}))
	defer upstream.Close()

	h := newTestHandler(testConfig(5000))
	req := httptest.NewRequest(http.MethodPost, "/~/"+upstream.URL+"/submit", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := serve(t, h, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "received hello" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "received hello")
	}
}

func TestProxyHandler_Handle_NotFoundPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("gone fishing"))
	}))
	defer upstream.Close()

	h := newTestHandler(testConfig(5000))
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/~/"+upstream.URL+"/missing", http.NoBody))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec.Body.String() != "gone fishing" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "gone fishing")
	}
}

func TestProxyHandler_Handle_RewritesHTML(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><a href="/foo">foo</a><img src="pic.png"></body></html>`))
	}))
	defer upstream.Close()

	h := newTestHandler(testConfig(5000))
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/~/"+upstream.URL+"/bar/", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`href="/~/` + upstream.URL + `/foo"`,
		`src="/~/` + upstream.URL + `/bar/pic.png"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %s:\n%s", want, body)
		}
	}
}

func TestProxyHandler_Handle_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	h := newTestHandler(testConfig(200))

	start := time.Now()
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/~/"+upstream.URL+"/slow", http.NoBody))
	elapsed := time.Since(start)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.HasPrefix(rec.Body.String(), "Transport error: ") {
		t.Errorf("body = %q, want Transport error prefix", rec.Body.String())
	}
	if elapsed > 200*time.Millisecond+time.Second {
		t.Errorf("Handle() took %v, want close to the 200ms timeout", elapsed)
	}
}

func TestProxyHandler_Handle_Unreachable(t *testing.T) {
	h := newTestHandler(testConfig(1000))
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/~/http://127.0.0.1:1/?token=secret", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "Transport error: ") {
		t.Errorf("body = %q, want Transport error prefix", body)
	}
	if strings.Contains(body, "secret") {
		t.Errorf("body = %q leaks the target query", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

func TestProxyHandler_Handle_InvalidURL(t *testing.T) {
	h := newTestHandler(testConfig(1000))
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/~/ftp://example.com/file", http.NoBody))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.HasPrefix(rec.Body.String(), "Invalid URL: ") {
		t.Errorf("body = %q, want Invalid URL prefix", rec.Body.String())
	}
}

func TestProxyHandler_Handle_Forbidden(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer upstream.Close()

	cfg := testConfig(1000)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewProxyService(client.NewUpstreamClient(cfg, logger, nil, nil), cfg, logger, nil)
	h := NewProxyHandler(svc, logger)

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/~/"+upstream.URL+"/", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if rec.Body.String() != forbiddenMessage {
		t.Errorf("body = %q, want %q", rec.Body.String(), forbiddenMessage)
	}
	if hits != 0 {
		t.Errorf("upstream hits = %d, want 0", hits)
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestHandler(testConfig(30000))
	req := httptest.NewRequest(http.MethodGet, "/~/"+upstream.URL+"/", http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := serve(t, h, req.WithContext(ctx))

	if rec.Code == http.StatusOK {
		t.Error("expected non-200 status for canceled context")
	}
}

func TestProxyHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "invalid target",
			err:        fmt.Errorf("%w: missing host", target.ErrInvalidTarget),
			wantStatus: http.StatusBadRequest,
			wantBody:   "Invalid URL: missing host",
		},
		{
			name:       "forbidden",
			err:        fmt.Errorf("%w: 10.0.0.1", guard.ErrOriginForbidden),
			wantStatus: http.StatusInternalServerError,
			wantBody:   forbiddenMessage,
		},
		{
			name:       "forbidden at dial time",
			err:        fmt.Errorf("%w: dial tcp: %w", client.ErrTransport, guard.ErrOriginForbidden),
			wantStatus: http.StatusInternalServerError,
			wantBody:   forbiddenMessage,
		},
		{
			name:       "transport",
			err:        fmt.Errorf("%w: connection refused", client.ErrTransport),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Transport error: connection refused",
		},
		{
			name:       "rewrite",
			err:        fmt.Errorf("%w: document exceeds 10 bytes", rewrite.ErrRewrite),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Rewrite error: document exceeds 10 bytes",
		},
		{
			name:       "unknown",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Proxy error",
		},
	}

	h := &ProxyHandler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/~/example.com/", http.NoBody), rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestProxyHandler_Fallback(t *testing.T) {
	h := &ProxyHandler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	t.Run("proxied referer redirects", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/static/app.js?v=2", http.NoBody)
		req.Header.Set("Referer", "http://proxy.local/~/https://example.com/docs/page")
		rec := httptest.NewRecorder()
		c := echo.New().NewContext(req, rec)

		if err := h.Fallback(c); err != nil {
			t.Fatalf("Fallback() error = %v", err)
		}
		if rec.Code != http.StatusTemporaryRedirect {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusTemporaryRedirect)
		}
		want := "/~/https://example.com/static/app.js?v=2"
		if got := rec.Header().Get("Location"); got != want {
			t.Errorf("Location = %q, want %q", got, want)
		}
	})

	t.Run("no referer is not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/static/app.js", http.NoBody)
		c := echo.New().NewContext(req, httptest.NewRecorder())

		err := h.Fallback(c)
		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code != http.StatusNotFound {
			t.Errorf("Fallback() error = %v, want 404", err)
		}
	})

	t.Run("foreign referer is not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/static/app.js", http.NoBody)
		req.Header.Set("Referer", "https://elsewhere.example/page")
		c := echo.New().NewContext(req, httptest.NewRecorder())

		if err := h.Fallback(c); !errors.Is(err, echo.ErrNotFound) {
			t.Errorf("Fallback() error = %v, want ErrNotFound", err)
		}
	})
}

package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"tilde-proxy/internal/client"
	"tilde-proxy/internal/metrics"
	"tilde-proxy/internal/middleware"
	"tilde-proxy/internal/service"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := testConfig(5000)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	uc := client.NewUpstreamClient(cfg, logger, m, nil)
	svc := service.NewProxyServiceForTest(uc, cfg, logger, m)

	proxy := NewProxyHandler(svc, logger)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	RegisterRoutes(e, cfg, m, proxy, health)

	tests := []struct {
		name       string
		method     string
		path       string
		referer    string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", "", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", "", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"GET proxied", http.MethodGet, "/~/" + upstream.URL + "/api?query=test", "", http.StatusOK},
		{"POST proxied", http.MethodPost, "/~/" + upstream.URL + "/api", "", http.StatusOK},
		{"DELETE proxied", http.MethodDelete, "/~/" + upstream.URL + "/api/1", "", http.StatusOK},
		{"invalid target", http.MethodGet, "/~/ftp://example.com/", "", http.StatusBadRequest},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", "", http.StatusNotFound},
		{"GET /unknown with proxied referer", http.MethodGet, "/unknown", "http://proxy.local/~/https://example.com/", http.StatusTemporaryRedirect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := testConfig(5000)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	svc := service.NewProxyServiceForTest(client.NewUpstreamClient(cfg, logger, m, nil), cfg, logger, m)

	e := echo.New()
	RegisterRoutes(e, cfg, m, NewProxyHandler(svc, logger), NewHealthHandler(cfg, "test"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if strings.Contains(rec.Body.String(), "tilde_proxy_") {
		t.Error("metrics served while disabled")
	}
}

func TestRegisterRoutes_ConnectionListedHeadersNotForwarded(t *testing.T) {
	got := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	cfg := testConfig(5000)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	svc := service.NewProxyServiceForTest(client.NewUpstreamClient(cfg, logger, m, nil), cfg, logger, m)

	e := echo.New()
	e.Use(middleware.SecurityHeaders())
	RegisterRoutes(e, cfg, m, NewProxyHandler(svc, logger), NewHealthHandler(cfg, "test"))

	req := httptest.NewRequest(http.MethodGet, "/~/"+upstream.URL+"/", http.NoBody)
	req.Header.Set("Connection", "keep-alive, X-Internal-Token")
	req.Header.Set("X-Internal-Token", "secret")
	req.Header.Set("X-Keep", "1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	h := <-got
	if v := h.Get("X-Internal-Token"); v != "" {
		t.Errorf("upstream X-Internal-Token = %q, want dropped", v)
	}
	if v := h.Get("X-Keep"); v != "1" {
		t.Errorf("upstream X-Keep = %q, want %q", v, "1")
	}
}

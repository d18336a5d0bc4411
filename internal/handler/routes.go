package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tilde-proxy/internal/config"
	"tilde-proxy/internal/metrics"
	"tilde-proxy/internal/target"
)

// RegisterRoutes wires all route handlers onto the Echo instance. m may be
// nil, in which case no metrics endpoint is served.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any(target.Prefix+"*", proxy.Handle)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.RouteNotFound("/*", proxy.Fallback)
}

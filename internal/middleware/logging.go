// Package middleware provides Echo middleware for logging, metrics and
// response hardening.
package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"tilde-proxy/internal/target"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Proxied requests are logged by target host only; their path and query stay
// out of the logs.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if escaped := req.URL.EscapedPath(); strings.HasPrefix(escaped, target.Prefix) {
				attrs = append(attrs, "path", target.Prefix, "target_host", target.HostOf(escaped))
			} else {
				attrs = append(attrs, "path", req.URL.Path)
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}

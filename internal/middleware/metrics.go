package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"tilde-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Proxied responses stream for as long as the
// target keeps sending, so the time to response headers and the time spent
// on the body are observed separately from the total.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			var headersAt time.Time
			res := c.Response()
			res.Before(func() { headersAt = time.Now() })

			err := next(c)
			end := time.Now()

			// An *echo.HTTPError is written by the central error handler after
			// this returns, so neither the status nor the headers are out yet.
			statusCode := res.Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}
			if headersAt.IsZero() {
				headersAt = end
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(end.Sub(start).Seconds())
			m.ResponseHeaderDuration.WithLabelValues(method, path).Observe(headersAt.Sub(start).Seconds())
			m.ResponseBodyDuration.WithLabelValues(method, path).Observe(end.Sub(headersAt).Seconds())
			m.ResponseBytes.WithLabelValues(path).Add(float64(res.Size))

			return err
		}
	}
}

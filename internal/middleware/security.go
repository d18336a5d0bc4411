package middleware

import (
	"github.com/labstack/echo/v4"

	"tilde-proxy/internal/headers"
)

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers,
// including those named in Connection, from requests and adds
// X-Content-Type-Options to responses. Framing headers are left to the
// proxied site.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			headers.StripHopByHop(c.Request().Header)

			// Set before the status line goes out; streamed responses are
			// committed long before next returns.
			res := c.Response()
			res.Before(func() {
				res.Header().Set("X-Content-Type-Options", "nosniff")
			})

			return next(c)
		}
	}
}

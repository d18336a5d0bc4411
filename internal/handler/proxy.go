package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"tilde-proxy/internal/client"
	"tilde-proxy/internal/guard"
	"tilde-proxy/internal/rewrite"
	"tilde-proxy/internal/service"
	"tilde-proxy/internal/target"
)

// forbiddenMessage is the fixed body sent when the origin guard trips.
const forbiddenMessage = "Local and private addresses are off limits."

// ProxyHandler serves /~/<target> requests.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to its target and writes the translated
// response. Nothing is written until the pipeline has either produced a
// response or failed.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	// BodyLimit reports an oversized body as an *echo.HTTPError from Read.
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}

	resp, err := h.service.Forward(req.Context(), &service.Inbound{
		Method:      req.Method,
		EscapedPath: req.URL.EscapedPath(),
		RawQuery:    req.URL.RawQuery,
		Header:      req.Header,
		Body:        body,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			out.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is out a failed copy can only truncate the response.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"host", target.HostOf(req.URL.EscapedPath()),
		)
	}

	return nil
}

// Fallback catches requests outside /~/. When the Referer is a proxied page
// the request was most likely a root-relative URL built by a script, so it is
// redirected to the same path on the referring page's origin.
func (h *ProxyHandler) Fallback(c echo.Context) error {
	req := c.Request()
	ref, ok := target.FromProxyURL(req.Header.Get("Referer"))
	if !ok {
		return echo.ErrNotFound
	}

	u := *ref
	u.Path = req.URL.Path
	u.RawPath = req.URL.RawPath
	u.RawQuery = req.URL.RawQuery
	u.Fragment = ""

	return c.Redirect(http.StatusTemporaryRedirect, target.ProxyPath(&u))
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	host := target.HostOf(c.Request().URL.EscapedPath())

	switch {
	case errors.Is(err, target.ErrInvalidTarget):
		h.logger.Info("invalid target", "err", err)
		return c.String(http.StatusBadRequest, "Invalid URL: "+describe(err, target.ErrInvalidTarget))

	// Checked before ErrTransport: a dial-time block surfaces as a dial error.
	case errors.Is(err, guard.ErrOriginForbidden):
		h.logger.Warn("origin forbidden", "host", host)
		return c.String(http.StatusInternalServerError, forbiddenMessage)

	case errors.Is(err, client.ErrTransport):
		h.logger.Error("transport error", "host", host, "err", err)
		return c.String(http.StatusInternalServerError, "Transport error: "+describe(err, client.ErrTransport))

	case errors.Is(err, rewrite.ErrRewrite):
		h.logger.Error("rewrite error", "host", host, "err", err)
		return c.String(http.StatusInternalServerError, "Rewrite error: "+describe(err, rewrite.ErrRewrite))
	}

	h.logger.Error("proxy error", "host", host, "err", err)
	return c.String(http.StatusInternalServerError, "Proxy error")
}

// describe returns the part of err's message that follows sentinel.
func describe(err, sentinel error) string {
	msg := err.Error()
	if _, after, ok := strings.Cut(msg, sentinel.Error()+": "); ok {
		return after
	}
	return msg
}

// Package service implements the proxy pipeline: resolve, guard, forward, and
// translate the response back into proxy space.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"tilde-proxy/internal/config"
	"tilde-proxy/internal/guard"
	"tilde-proxy/internal/headers"
	"tilde-proxy/internal/metrics"
	"tilde-proxy/internal/model"
	"tilde-proxy/internal/rewrite"
	"tilde-proxy/internal/target"
)

// defaultMaxHTMLBytes caps buffered HTML when the config leaves it unset.
const defaultMaxHTMLBytes = 16 << 20

// Upstream sends a resolved request to its target.
type Upstream interface {
	Do(ctx context.Context, tr *model.TargetRequest) (*model.UpstreamResponse, error)
}

// Inbound is the part of a client request the pipeline needs.
type Inbound struct {
	Method      string
	EscapedPath string
	RawQuery    string
	Header      http.Header
	Body        []byte
}

// ProxyService runs one inbound request through the pipeline.
type ProxyService struct {
	upstream     Upstream
	cfg          *config.Config
	logger       *slog.Logger
	metrics      *metrics.Metrics
	check        func(*model.TargetRequest) error
	maxHTMLBytes int64
}

// NewProxyService creates a ProxyService. m may be nil.
func NewProxyService(up Upstream, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	s := newProxyService(up, cfg, logger, m)
	s.check = func(tr *model.TargetRequest) error { return guard.Check(tr.URL) }
	return s
}

// NewProxyServiceForTest creates a ProxyService without the origin guard.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(up Upstream, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	s := newProxyService(up, cfg, logger, m)
	s.check = func(*model.TargetRequest) error { return nil }
	return s
}

func newProxyService(up Upstream, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	limit := cfg.Upstream.MaxHTMLBytes
	if limit <= 0 {
		limit = defaultMaxHTMLBytes
	}
	return &ProxyService{
		upstream:     up,
		cfg:          cfg,
		logger:       logger.With("component", "proxy_service"),
		metrics:      m,
		maxHTMLBytes: limit,
	}
}

// Resolve turns an inbound request into the request to send upstream. It
// never touches the network.
func (s *ProxyService) Resolve(in *Inbound) (*model.TargetRequest, error) {
	decoded, err := target.FromRequestPath(in.EscapedPath)
	if err != nil {
		return nil, err
	}
	u, err := target.Resolve(decoded, in.RawQuery)
	if err != nil {
		return nil, err
	}
	return &model.TargetRequest{
		URL:    u,
		Method: in.Method,
		Header: headers.Request(in.Header, u, s.cfg.Upstream.UserAgent),
		Body:   in.Body,
	}, nil
}

// Forward runs the full pipeline for in. On success the caller must close the
// response body.
//
// Errors wrap target.ErrInvalidTarget, guard.ErrOriginForbidden,
// client.ErrTransport or rewrite.ErrRewrite. Upstream error statuses are
// returned as ordinary responses.
func (s *ProxyService) Forward(ctx context.Context, in *Inbound) (*model.UpstreamResponse, error) {
	tr, err := s.Resolve(in)
	if err != nil {
		s.blocked("invalid_target")
		return nil, err
	}

	if err := s.check(tr); err != nil {
		s.blocked("origin_forbidden")
		s.logger.Warn("blocked target", "host", tr.URL.Hostname())
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", tr.Method,
		"host", tr.URL.Host,
	)

	resp, err := s.upstream.Do(ctx, tr)
	if err != nil {
		s.logger.Warn("upstream failed", "host", tr.URL.Host, "err", err)
		return nil, err
	}

	resp.Header = headers.Response(resp.Header, tr.URL)

	if !hasBody(tr.Method, resp.StatusCode) || !IsHTML(resp.Header.Get("Content-Type")) {
		return resp, nil
	}
	if err := s.rewriteBody(resp, tr); err != nil {
		return nil, err
	}
	return resp, nil
}

// rewriteBody replaces the streaming body of resp with the rewritten
// document. The original body is always closed.
func (s *ProxyService) rewriteBody(resp *model.UpstreamResponse, tr *model.TargetRequest) error {
	defer func() { _ = resp.Body.Close() }()

	doc, err := io.ReadAll(io.LimitReader(resp.Body, s.maxHTMLBytes+1))
	if err != nil {
		s.rewriteResult("read_error")
		return fmt.Errorf("%w: read body: %v", rewrite.ErrRewrite, err)
	}
	if int64(len(doc)) > s.maxHTMLBytes {
		s.rewriteResult("too_large")
		return fmt.Errorf("%w: document exceeds %d bytes", rewrite.ErrRewrite, s.maxHTMLBytes)
	}

	out, err := rewrite.Rewrite(doc, tr.URL)
	if err != nil {
		s.rewriteResult("error")
		return err
	}
	s.rewriteResult("ok")

	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Etag")
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.Buffered = true
	return nil
}

func (s *ProxyService) blocked(reason string) {
	if s.metrics != nil {
		s.metrics.BlockedRequests.WithLabelValues(reason).Inc()
	}
}

func (s *ProxyService) rewriteResult(result string) {
	if s.metrics != nil {
		s.metrics.HTMLRewrites.WithLabelValues(result).Inc()
	}
}

// hasBody reports whether a response to method with status can carry a body.
func hasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// IsHTML reports whether a Content-Type value names an HTML document.
func IsHTML(contentType string) bool {
	const prefix = "text/html"
	ct := strings.TrimSpace(contentType)
	return len(ct) >= len(prefix) && strings.EqualFold(ct[:len(prefix)], prefix)
}

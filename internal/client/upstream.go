// Package client provides the outbound HTTP client that talks to proxy targets.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"tilde-proxy/internal/analytics"
	"tilde-proxy/internal/config"
	"tilde-proxy/internal/guard"
	"tilde-proxy/internal/metrics"
	"tilde-proxy/internal/model"
)

// ErrTransport is returned when the target could not be reached or did not
// answer in time. Upstream HTTP error statuses are not transport errors.
var ErrTransport = errors.New("transport error")

// defaultTimeout applies when the configured timeout is not positive.
const defaultTimeout = 10 * time.Second

// ErrTimeout marks transport errors caused by the upstream timeout.
var ErrTimeout = errors.New("upstream timed out")

// UpstreamClient sends requests to proxy targets. Redirects are returned to
// the caller, never followed.
type UpstreamClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	recorder   analytics.Recorder
	records    sync.WaitGroup
}

// NewUpstreamClient creates an UpstreamClient from cfg. The metrics and
// recorder parameters are optional; pass nil to disable them.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, rec analytics.Recorder) *UpstreamClient {
	timeout := cfg.Upstream.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	if cfg.Guard.CheckResolved {
		dialer.Control = guard.DialControl
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: timeout,
	}

	if rec == nil {
		rec = analytics.NopRecorder{}
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:  timeout,
		logger:   logger.With("component", "upstream_client"),
		metrics:  m,
		recorder: rec,
	}
}

// Do sends tr upstream and returns the response with its body still
// streaming. The caller must close the body.
//
// The timeout covers everything up to the response headers. After that the
// body lives as long as ctx, so a client disconnect releases the upstream
// connection.
func (c *UpstreamClient) Do(ctx context.Context, tr *model.TargetRequest) (*model.UpstreamResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(c.timeout, cancel)

	req, err := http.NewRequestWithContext(ctx, tr.Method, tr.URL.String(), bytes.NewReader(tr.Body))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, fmt.Errorf("%w: build request: %w", ErrTransport, err)
	}
	req.Header = tr.Header.Clone()
	req.Host = req.Header.Get("Host")
	req.Header.Del("Host")

	c.logger.Debug("upstream request",
		"method", tr.Method,
		"host", tr.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	elapsed := time.Since(start)
	timedOut := !timer.Stop()

	method := metrics.NormalizeMethod(tr.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	}

	if err == nil && timedOut {
		// The timer fired between the response arriving and Stop.
		_ = resp.Body.Close()
		err = context.Canceled
	}
	if err != nil {
		cancel()
		err = c.transportError(err, timedOut)
		if c.metrics != nil {
			c.metrics.UpstreamErrors.WithLabelValues(errorKind(err)).Inc()
		}
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	c.record(ctx, analytics.NewEvent(tr.Method, tr.URL, resp.StatusCode, elapsed))

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// record hands ev to the recorder off the request path. The record outlives
// the request, so it does not inherit its cancellation.
func (c *UpstreamClient) record(ctx context.Context, ev analytics.Event) {
	ctx = context.WithoutCancel(ctx)
	c.records.Add(1)
	go func() {
		defer c.records.Done()
		if err := c.recorder.Record(ctx, ev); err != nil {
			c.logger.Warn("analytics record failed", "err", err)
		}
	}()
}

// Wait blocks until every analytics record started by Do has finished.
func (c *UpstreamClient) Wait() {
	c.records.Wait()
}

// transportError wraps err as ErrTransport. The *url.Error wrapper is peeled
// off so the description does not repeat the target URL and its query.
func (c *UpstreamClient) transportError(err error, timedOut bool) error {
	if timedOut {
		return fmt.Errorf("%w: %w after %s", ErrTransport, ErrTimeout, c.timeout)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func errorKind(err error) string {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &dnsErr):
		return "dns"
	default:
		return "connect"
	}
}

// cancelOnClose releases the request context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

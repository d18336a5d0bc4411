// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// TargetRequest is a client request resolved against its target and ready to
// be sent upstream. It is built once per inbound request and not modified
// afterwards.
type TargetRequest struct {
	URL    *url.URL
	Method string
	Header http.Header
	Body   []byte
}

// UpstreamResponse is the target's response on its way back to the client.
// Body is either the live upstream stream or, when Buffered is set, an
// in-memory rewritten document.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Buffered   bool
}

// Package headers classifies request and response headers crossing the proxy.
//
// Both directions are driven by static tables mapping a canonical header name
// to a rule. A rule either drops the header, passes it unchanged, or computes
// a replacement value from the resolved target URL.
package headers

import (
	"net/http"
	"net/url"
	"strings"
)

// Action is what happens to a single header.
type Action int

const (
	Pass Action = iota
	Drop
	Rewrite
)

func (a Action) String() string {
	switch a {
	case Drop:
		return "drop"
	case Rewrite:
		return "rewrite"
	default:
		return "pass"
	}
}

// Decision is the outcome of classifying one header value. Value is only
// meaningful for Rewrite.
type Decision struct {
	Action Action
	Value  string
}

func pass() Decision { return Decision{Action: Pass} }

func drop() Decision { return Decision{Action: Drop} }

func rewrite(value string) Decision { return Decision{Action: Rewrite, Value: value} }

// rule decides what to do with one header value given the resolved target.
type rule func(value string, target *url.URL) Decision

func dropRule(string, *url.URL) Decision { return drop() }

// hopByHop headers only make sense on a single connection.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func withHopByHop(m map[string]rule) map[string]rule {
	for _, h := range hopByHop {
		m[h] = dropRule
	}
	return m
}

// apply runs every value in src through table and returns the surviving
// headers. Headers named in src's Connection header are dropped too. Names
// missing from the table pass through.
func apply(src http.Header, t *url.URL, table map[string]rule) http.Header {
	listed := connectionListed(src)
	dst := make(http.Header, len(src))
	for name, vals := range src {
		key := http.CanonicalHeaderKey(name)
		if listed[key] {
			continue
		}
		r, ok := table[key]
		for _, v := range vals {
			if !ok {
				dst.Add(key, v)
				continue
			}
			switch d := r(v, t); d.Action {
			case Pass:
				dst.Add(key, v)
			case Rewrite:
				dst.Add(key, d.Value)
			}
		}
	}
	return dst
}

// StripHopByHop removes the hop-by-hop headers from h in place, including
// the ones named in its Connection header.
func StripHopByHop(h http.Header) {
	for name := range connectionListed(h) {
		h.Del(name)
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

func classify(table map[string]rule, name, value string, t *url.URL) Decision {
	r, ok := table[http.CanonicalHeaderKey(name)]
	if !ok {
		return pass()
	}
	return r(value, t)
}

// connectionListed returns the header names listed in Connection, which
// are hop-by-hop for this message (RFC 9110 §7.6.1).
func connectionListed(h http.Header) map[string]bool {
	listed := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for name := range strings.SplitSeq(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				listed[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	return listed
}

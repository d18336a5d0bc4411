package headers

import (
	"net/http"
	"net/url"

	"tilde-proxy/internal/target"
)

// requestRules covers client→upstream headers. Host and User-Agent are set
// explicitly by Request; the client's values never reach the target.
//
// Cookie passes: every cookie a target sets is scoped under that target's
// proxy path, so the browser only sends a target its own cookies.
var requestRules = withHopByHop(map[string]rule{
	"Host":       dropRule,
	"User-Agent": dropRule,

	"Forwarded":         dropRule,
	"X-Forwarded-For":   dropRule,
	"X-Forwarded-Host":  dropRule,
	"X-Forwarded-Proto": dropRule,
	"X-Forwarded-Port":  dropRule,
	"X-Real-Ip":         dropRule,
	"Via":               dropRule,

	// Recomputed from the body by the transport.
	"Content-Length": dropRule,
	// The transport negotiates compression itself and decodes the response,
	// which HTML rewriting depends on.
	"Accept-Encoding": dropRule,

	"Referer": rewriteReferer,
	"Origin":  rewriteOrigin,
})

// ClassifyRequest decides what happens to one client header on its way
// upstream.
func ClassifyRequest(name, value string, t *url.URL) Decision {
	return classify(requestRules, name, value, t)
}

// Request returns the headers to send upstream for a request to t.
func Request(src http.Header, t *url.URL, userAgent string) http.Header {
	dst := apply(src, t, requestRules)
	dst.Set("Host", t.Host)
	dst.Set("User-Agent", userAgent)
	return dst
}

// rewriteReferer turns a proxy-form referer back into the page the client was
// looking at. Any other referer points at the proxy itself and is dropped.
func rewriteReferer(value string, _ *url.URL) Decision {
	u, ok := target.FromProxyURL(value)
	if !ok {
		return drop()
	}
	u.Fragment = ""
	return rewrite(u.String())
}

func rewriteOrigin(value string, t *url.URL) Decision {
	if value == "null" {
		return pass()
	}
	return rewrite(target.Origin(t))
}

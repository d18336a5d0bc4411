package headers

import (
	"net/http"
	"net/url"
	"strings"

	"tilde-proxy/internal/target"
)

// ReferrerPolicy is added to every proxied response so the browser keeps
// sending full proxy-form referers.
const ReferrerPolicy = "unsafe-url"

var responseRules = withHopByHop(map[string]rule{
	"Location":         rewriteLocation,
	"Content-Location": rewriteLocation,
	"Refresh":          rewriteRefresh,
	"Link":             rewriteLink,
	"Set-Cookie":       rewriteSetCookie,

	// These pin or restrict the proxy's own origin based on the target's view
	// of itself.
	"Alt-Svc":                             dropRule,
	"Strict-Transport-Security":           dropRule,
	"Public-Key-Pins":                     dropRule,
	"Public-Key-Pins-Report-Only":         dropRule,
	"Content-Security-Policy":             dropRule,
	"Content-Security-Policy-Report-Only": dropRule,
	"Referrer-Policy":                     dropRule,

	"Via":              dropRule,
	"X-Backend-Server": dropRule,
})

// ClassifyResponse decides what happens to one upstream header on its way to
// the client. t is the resolved target the response came from.
func ClassifyResponse(name, value string, t *url.URL) Decision {
	return classify(responseRules, name, value, t)
}

// Response returns the headers to send to the client for a response from t.
func Response(src http.Header, t *url.URL) http.Header {
	dst := apply(src, t, responseRules)
	dst.Set("Referrer-Policy", ReferrerPolicy)
	return dst
}

func rewriteLocation(value string, t *url.URL) Decision {
	if proxied, ok := target.ProxyRef(value, t); ok {
		return rewrite(proxied)
	}
	return pass()
}

func rewriteRefresh(value string, t *url.URL) Decision {
	if proxied, ok := target.ProxyRefresh(value, t); ok {
		return rewrite(proxied)
	}
	return pass()
}

// rewriteLink rewrites every <uri-reference> in a Link header value.
func rewriteLink(value string, t *url.URL) Decision {
	var b strings.Builder
	rest := value
	changed := false
	for {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start:], '>')
		if end < 0 {
			break
		}
		end += start

		b.WriteString(rest[:start+1])
		ref := rest[start+1 : end]
		if proxied, ok := target.ProxyRef(ref, t); ok {
			b.WriteString(proxied)
			changed = true
		} else {
			b.WriteString(ref)
		}
		b.WriteByte('>')
		rest = rest[end+1:]
	}
	if !changed {
		return pass()
	}
	b.WriteString(rest)
	return rewrite(b.String())
}

// rewriteSetCookie removes the Domain attribute and scopes the cookie under
// the target's proxy path, so the browser only sends it back on requests for
// that target. A cookie without Path gets the target's default path.
func rewriteSetCookie(value string, t *url.URL) Decision {
	parts := strings.Split(value, ";")
	out := []string{parts[0]}
	scoped := false
	for _, attr := range parts[1:] {
		name, val, _ := strings.Cut(strings.TrimSpace(attr), "=")
		switch strings.ToLower(name) {
		case "domain":
			continue
		case "path":
			val = strings.TrimSpace(val)
			if val == "" || val[0] != '/' {
				val = "/"
			}
			attr = " Path=" + cookiePath(t, val)
			scoped = true
		}
		out = append(out, attr)
	}
	if !scoped {
		out = append(out, " Path="+cookiePath(t, defaultCookiePath(t.Path)))
	}
	return rewrite(strings.Join(out, ";"))
}

func cookiePath(t *url.URL, path string) string {
	return target.ProxyPath(&url.URL{Scheme: t.Scheme, Host: t.Host, Path: path})
}

// defaultCookiePath is the path a browser would give a cookie set without a
// Path attribute by a response for path (RFC 6265 §5.1.4).
func defaultCookiePath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// Package target resolves path-embedded target URLs and builds the proxy form
// that routes a URL back through the proxy.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Prefix is the path prefix every proxied URL lives under.
const Prefix = "/~/"

// ErrInvalidTarget is returned when the requested target cannot be turned into
// an absolute http(s) URL.
var ErrInvalidTarget = errors.New("invalid target URL")

// FromRequestPath extracts the target segment from an escaped request path of
// the form /~/<percent-encoded target> and percent-decodes it.
func FromRequestPath(escapedPath string) (string, error) {
	raw, ok := strings.CutPrefix(escapedPath, Prefix)
	if !ok {
		return "", fmt.Errorf("%w: path %q is not under %s", ErrInvalidTarget, escapedPath, Prefix)
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return decoded, nil
}

// Resolve turns a decoded target segment and the inbound raw query into an
// absolute URL. A segment without a scheme is treated as https, and
// "https:/host" is read as "https://host". A non-empty rawQuery replaces
// whatever query the segment carried.
func Resolve(decoded, rawQuery string) (*url.URL, error) {
	if strings.TrimSpace(decoded) == "" {
		return nil, fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}

	u, err := url.Parse(decoded)
	if err != nil || missingScheme(u, decoded) {
		u, err = url.Parse("https://" + decoded)
	} else if rest, ok := mergedSlashes(u, decoded); ok {
		u, err = url.Parse(u.Scheme + "://" + rest)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidTarget, decoded)
	}

	if rawQuery != "" {
		u.RawQuery = rawQuery
		u.ForceQuery = false
	}
	return u, nil
}

// missingScheme reports whether a successfully parsed segment really lacked a
// scheme. Go's parser reads "example.com:8080/x" as scheme "example.com", so a
// non-http scheme without "://" is treated as a bare host.
func missingScheme(u *url.URL, raw string) bool {
	if u.Scheme == "" {
		return true
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return false
	}
	return !strings.Contains(raw, "://")
}

// mergedSlashes reports whether raw is an http(s) URL whose "//" was collapsed
// to a single slash, as front proxies that merge slashes in paths do, and
// returns the part after "scheme:/".
func mergedSlashes(u *url.URL, raw string) (string, bool) {
	if u.Host != "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	rest := raw[len(u.Scheme)+1:]
	if !strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, "//") {
		return "", false
	}
	return rest[1:], true
}

// ProxyPath returns the proxy form of an absolute URL: the scheme, host and
// path percent-encoded into a path under Prefix, followed by the original
// query and fragment. Resolving the result yields u again.
func ProxyPath(u *url.URL) string {
	abs := u.Scheme + "://" + u.Host + u.EscapedPath()

	var b strings.Builder
	b.WriteString(Prefix)
	b.WriteString((&url.URL{Path: abs}).EscapedPath())
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.EscapedFragment())
	}
	return b.String()
}

// FromProxyURL resolves a proxy-form URL (absolute or path-only) back to the
// target it points at. ok is false when ref is not in proxy form.
func FromProxyURL(ref string) (u *url.URL, ok bool) {
	p, err := url.Parse(ref)
	if err != nil {
		return nil, false
	}
	decoded, err := FromRequestPath(p.EscapedPath())
	if err != nil {
		return nil, false
	}
	u, err = Resolve(decoded, p.RawQuery)
	if err != nil {
		return nil, false
	}
	u.Fragment = p.Fragment
	return u, true
}

// HostOf returns the target host named by an escaped proxy path, or "" when
// the path does not name a valid target. Used for logging.
func HostOf(escapedPath string) string {
	decoded, err := FromRequestPath(escapedPath)
	if err != nil {
		return ""
	}
	u, err := Resolve(decoded, "")
	if err != nil {
		return ""
	}
	return u.Host
}

// Origin returns scheme://host for u.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// ProxyRef resolves ref against base and returns its proxy form. ok is false
// for references that do not lead to an http(s) resource, such as fragments,
// javascript: or mailto: links.
func ProxyRef(ref string, base *url.URL) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(r)
	if (abs.Scheme != "http" && abs.Scheme != "https") || abs.Host == "" {
		return "", false
	}
	return ProxyPath(abs), true
}

// ProxyRefresh rewrites the URL inside a Refresh header or meta refresh
// content value ("5; url=https://example.com/"). ok is false when the value
// carries no rewritable URL.
func ProxyRefresh(content string, base *url.URL) (string, bool) {
	delay, rest, found := strings.Cut(content, ";")
	if !found {
		delay, rest, found = strings.Cut(content, ",")
	}
	if !found {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 3 || !strings.EqualFold(rest[:3], "url") {
		return "", false
	}
	rest, found = strings.CutPrefix(strings.TrimSpace(rest[3:]), "=")
	if !found {
		return "", false
	}
	ref := strings.Trim(strings.TrimSpace(rest), `"'`)
	proxied, ok := ProxyRef(ref, base)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(delay) + "; url=" + proxied, true
}

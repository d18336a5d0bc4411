// Package rewrite rewrites URL-bearing markup in HTML documents so that every
// link leads back through the proxy.
package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"tilde-proxy/internal/target"
)

// ErrRewrite is returned when a document cannot be parsed or serialized.
var ErrRewrite = errors.New("html rewrite failed")

// urlAttrs lists, per attribute name, the elements on which it holds a URL.
// A nil slice means the attribute is a URL on any element.
var urlAttrs = map[string][]atom.Atom{
	"href":       nil,
	"src":        nil,
	"action":     {atom.Form},
	"formaction": {atom.Button, atom.Input},
	"poster":     {atom.Video},
	"data":       {atom.Object},
	"background": {atom.Body, atom.Table, atom.Td, atom.Th},
	"cite":       {atom.Blockquote, atom.Q, atom.Del, atom.Ins},
	"longdesc":   {atom.Img, atom.Iframe, atom.Frame},
	"manifest":   {atom.Html},
	"icon":       {atom.Menuitem},
}

// Rewriter holds the state of one document rewrite.
type Rewriter struct {
	base *url.URL
}

// Rewrite parses doc, rewrites its links against base, and returns the
// serialized result.
func Rewrite(doc []byte, base *url.URL) ([]byte, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrRewrite, err)
	}

	rw := &Rewriter{base: base}
	rw.walk(root)

	var out bytes.Buffer
	out.Grow(len(doc) + len(doc)/8)
	if err := html.Render(&out, root); err != nil {
		return nil, fmt.Errorf("%w: render: %v", ErrRewrite, err)
	}
	return out.Bytes(), nil
}

func (rw *Rewriter) walk(n *html.Node) {
	switch n.Type {
	case html.ElementNode:
		rw.element(n)
	case html.TextNode:
		if n.Parent != nil && n.Parent.DataAtom == atom.Style {
			n.Data = rw.css(n.Data)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		rw.walk(c)
	}
}

func (rw *Rewriter) element(n *html.Node) {
	// <base href> changes how every later relative reference resolves.
	if n.DataAtom == atom.Base {
		if href, ok := attr(n, "href"); ok {
			if r, err := url.Parse(strings.TrimSpace(href)); err == nil {
				rw.base = rw.base.ResolveReference(r)
			}
		}
	}

	for i := range n.Attr {
		a := &n.Attr[i]
		if a.Namespace != "" {
			// SVG links still use the XLink form.
			if a.Namespace == "xlink" && a.Key == "href" {
				if v, ok := target.ProxyRef(a.Val, rw.base); ok {
					a.Val = v
				}
			}
			continue
		}
		key := strings.ToLower(a.Key)
		switch {
		case key == "style":
			a.Val = rw.css(a.Val)
		case key == "srcset" && (n.DataAtom == atom.Img || n.DataAtom == atom.Source):
			a.Val = rw.srcset(a.Val)
		case key == "content" && n.DataAtom == atom.Meta && isRefresh(n):
			if v, ok := target.ProxyRefresh(a.Val, rw.base); ok {
				a.Val = v
			}
		case isURLAttr(key, n.DataAtom):
			if v, ok := target.ProxyRef(a.Val, rw.base); ok {
				a.Val = v
			}
		}
	}
}

func isURLAttr(key string, el atom.Atom) bool {
	els, ok := urlAttrs[key]
	if !ok {
		return false
	}
	if els == nil {
		return true
	}
	for _, e := range els {
		if e == el {
			return true
		}
	}
	return false
}

func isRefresh(n *html.Node) bool {
	v, ok := attr(n, "http-equiv")
	return ok && strings.EqualFold(strings.TrimSpace(v), "refresh")
}

// srcset rewrites each candidate URL of a srcset attribute and keeps the
// separators and descriptors as written. Candidates are split the way
// browsers do: a URL runs to the next whitespace, so commas inside it are
// part of the URL, and trailing commas end the candidate. Candidates that
// are not http(s), such as data: URIs, are left alone.
func (rw *Rewriter) srcset(val string) string {
	var b strings.Builder
	b.Grow(len(val) + len(val)/2)

	i := 0
	for i < len(val) {
		start := i
		for i < len(val) && (isSpace(val[i]) || val[i] == ',') {
			i++
		}
		b.WriteString(val[start:i])
		if i == len(val) {
			break
		}

		start = i
		for i < len(val) && !isSpace(val[i]) {
			i++
		}
		ref := val[start:i]
		trimmed := strings.TrimRight(ref, ",")
		if v, ok := target.ProxyRef(trimmed, rw.base); ok {
			b.WriteString(v)
		} else {
			b.WriteString(trimmed)
		}
		if len(trimmed) < len(ref) {
			b.WriteString(ref[len(trimmed):])
			continue
		}

		// Descriptors run to the next comma outside parentheses.
		start = i
		inParens := false
	descriptors:
		for ; i < len(val); i++ {
			switch val[i] {
			case '(':
				inParens = true
			case ')':
				inParens = false
			case ',':
				if !inParens {
					break descriptors
				}
			}
		}
		b.WriteString(val[start:i])
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\f' || c == '\r'
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

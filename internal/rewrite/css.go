package rewrite

import (
	"regexp"

	"tilde-proxy/internal/target"
)

var (
	cssURL    = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^"'()\s]*))\s*\)`)
	cssImport = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)
)

// css rewrites url(...) references and string-form @import rules in a
// stylesheet or style attribute. The quoting of each reference is kept.
func (rw *Rewriter) css(s string) string {
	s = cssURL.ReplaceAllStringFunc(s, func(m string) string {
		ref, quote := cssRef(cssURL.FindStringSubmatch(m))
		v, ok := target.ProxyRef(ref, rw.base)
		if !ok {
			return m
		}
		return "url(" + quote + v + quote + ")"
	})
	return cssImport.ReplaceAllStringFunc(s, func(m string) string {
		ref, quote := cssRef(cssImport.FindStringSubmatch(m))
		v, ok := target.ProxyRef(ref, rw.base)
		if !ok {
			return m
		}
		return "@import " + quote + v + quote
	})
}

func cssRef(sub []string) (ref, quote string) {
	switch {
	case sub[1] != "":
		return sub[1], `"`
	case sub[2] != "":
		return sub[2], "'"
	case len(sub) > 3:
		return sub[3], ""
	}
	return "", ""
}

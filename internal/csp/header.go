package csp

import "strings"

const (
	HeaderEnforce    = "Content-Security-Policy"
	HeaderReportOnly = "Content-Security-Policy-Report-Only"
)

// HeaderName returns the response header used for the given mode
func HeaderName(reportOnly bool) string {
	if reportOnly {
		return HeaderReportOnly
	}
	return HeaderEnforce
}

var nonceDirectives = map[Directive]bool{
	DirectiveScriptSrc: true,
	DirectiveStyleSrc:  true,
}

// Header renders the policy as a header value. Fetch directives that merely
// repeat default-src are left out. A non-empty nonce is appended to script-src and
// style-src at render time and never persisted; it replaces 'none'.
func (p Policy) Header(nonce string) string {
	defaultValue := p.Value(DirectiveDefaultSrc)

	parts := make([]string, 0, len(p))
	emit := func(d Directive) {
		if _, ok := p[d]; !ok {
			return
		}
		withNonce := nonce != "" && nonceDirectives[d]
		if !withNonce && d.FallsBack() && p.Value(d) == defaultValue {
			return
		}
		sources := p.Sources(d)
		if withNonce {
			if p.IsNone(d) {
				sources = nil
			}
			sources = append(sources, NonceSource(nonce))
		}
		parts = append(parts, string(d)+" "+strings.Join(sources, " "))
	}

	for _, d := range Directives {
		emit(d)
	}
	return strings.Join(parts, "; ") + ";"
}

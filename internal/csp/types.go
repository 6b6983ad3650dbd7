package csp

import "strings"

// Directive is one category key of a Content-Security-Policy
type Directive string

const (
	DirectiveDefaultSrc  Directive = "default-src"
	DirectiveScriptSrc   Directive = "script-src"
	DirectiveStyleSrc    Directive = "style-src"
	DirectiveImgSrc      Directive = "img-src"
	DirectiveMediaSrc    Directive = "media-src"
	DirectiveFormAction  Directive = "form-action"
	DirectiveFrameSrc    Directive = "frame-src"
	DirectiveBaseURI     Directive = "base-uri"
	DirectiveObjectSrc   Directive = "object-src"
	DirectiveConnectSrc  Directive = "connect-src"
	DirectiveWorkerSrc   Directive = "worker-src"
	DirectiveManifestSrc Directive = "manifest-src"
	DirectiveFontSrc     Directive = "font-src"
	DirectiveReportURI   Directive = "report-uri"
)

// Directives lists every directive a Policy may carry, in header order
var Directives = []Directive{
	DirectiveDefaultSrc,
	DirectiveScriptSrc,
	DirectiveStyleSrc,
	DirectiveImgSrc,
	DirectiveFontSrc,
	DirectiveConnectSrc,
	DirectiveMediaSrc,
	DirectiveFrameSrc,
	DirectiveWorkerSrc,
	DirectiveManifestSrc,
	DirectiveObjectSrc,
	DirectiveBaseURI,
	DirectiveFormAction,
	DirectiveReportURI,
}

var knownDirectives = func() map[Directive]bool {
	m := make(map[Directive]bool, len(Directives))
	for _, d := range Directives {
		m[d] = true
	}
	return m
}()

// ParseDirective returns the directive named by s and whether it is known
func ParseDirective(s string) (Directive, bool) {
	d := Directive(strings.ToLower(strings.TrimSpace(s)))
	return d, knownDirectives[d]
}

// Fixed reports whether the directive keeps a configured value instead of
// collapsing to 'none' when no sources survive.
func (d Directive) Fixed() bool {
	return d == DirectiveDefaultSrc || d == DirectiveReportURI
}

// FallsBack reports whether a browser applies default-src when the directive
// is absent. Only fetch directives do; base-uri and form-action do not.
func (d Directive) FallsBack() bool {
	switch d {
	case DirectiveScriptSrc, DirectiveStyleSrc, DirectiveImgSrc, DirectiveFontSrc,
		DirectiveConnectSrc, DirectiveMediaSrc, DirectiveFrameSrc, DirectiveWorkerSrc,
		DirectiveManifestSrc, DirectiveObjectSrc:
		return true
	}
	return false
}

// Keyword and scheme source expressions
const (
	SourceSelf         = "'self'"
	SourceNone         = "'none'"
	SourceUnsafeInline = "'unsafe-inline'"
	SourceReportSample = "'report-sample'"

	SchemeData = "data:"
	SchemeBlob = "blob:"
)

// Kind classifies a source expression
type Kind int

const (
	KindOrigin Kind = iota
	KindKeyword
	KindHash
	KindNonce
	KindScheme
	KindPath
)

// KindOf classifies a source expression token
func KindOf(token string) Kind {
	switch {
	case strings.HasPrefix(token, "'sha256-"), strings.HasPrefix(token, "'sha384-"), strings.HasPrefix(token, "'sha512-"):
		return KindHash
	case strings.HasPrefix(token, "'nonce-"):
		return KindNonce
	case strings.HasPrefix(token, "'"):
		return KindKeyword
	case strings.HasPrefix(token, "/"):
		return KindPath
	case strings.HasSuffix(token, ":") && !strings.Contains(token, "/"):
		return KindScheme
	default:
		return KindOrigin
	}
}

// IsSpecial reports whether the token needs no reputation check
func IsSpecial(token string) bool {
	return KindOf(token) != KindOrigin
}

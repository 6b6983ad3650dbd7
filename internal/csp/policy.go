package csp

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultReportURI is where browsers post violation reports unless configured otherwise
const DefaultReportURI = "/csp-report-endpoint"

// Policy maps each directive to its set of source expressions. Token order is
// not meaningful; Sources and Value always return the canonical order.
//
// A Policy value is plain data. Shared policies are only ever changed inside
// store.Commit.
type Policy map[Directive][]string

// Baseline returns the fixed safe policy used on first start and whenever the
// persisted policy is unreadable.
func Baseline(reportURI string) Policy {
	if reportURI == "" {
		reportURI = DefaultReportURI
	}
	return Policy{
		DirectiveDefaultSrc:  {SourceSelf},
		DirectiveScriptSrc:   {SourceSelf, SourceReportSample},
		DirectiveStyleSrc:    {SourceSelf, SourceReportSample},
		DirectiveImgSrc:      {SourceNone},
		DirectiveMediaSrc:    {SourceNone},
		DirectiveFormAction:  {SourceNone},
		DirectiveFontSrc:     {SourceNone},
		DirectiveFrameSrc:    {SourceNone},
		DirectiveWorkerSrc:   {SourceSelf},
		DirectiveManifestSrc: {SourceSelf},
		DirectiveConnectSrc:  {SourceSelf},
		DirectiveObjectSrc:   {SourceNone},
		DirectiveBaseURI:     {SourceSelf},
		DirectiveReportURI:   {reportURI},
	}
}

// Clone returns a deep copy
func (p Policy) Clone() Policy {
	out := make(Policy, len(p))
	for d, tokens := range p {
		out[d] = append([]string(nil), tokens...)
	}
	return out
}

// Sources returns the directive's tokens in canonical order
func (p Policy) Sources(d Directive) []string {
	return canonical(p[d])
}

// Value returns the space-joined directive value
func (p Policy) Value(d Directive) string {
	return strings.Join(p.Sources(d), " ")
}

// Has reports whether token is present in directive d
func (p Policy) Has(d Directive, token string) bool {
	for _, t := range p[d] {
		if t == token {
			return true
		}
	}
	return false
}

// IsNone reports whether the directive is exactly 'none'
func (p Policy) IsNone(d Directive) bool {
	tokens := p[d]
	return len(tokens) == 1 && tokens[0] == SourceNone
}

// Add inserts token into directive d, clearing 'none' first. Adding 'none'
// itself resets the directive. It reports whether the policy changed.
func (p Policy) Add(d Directive, token string) bool {
	if token == "" {
		return false
	}
	if token == SourceNone {
		if p.IsNone(d) {
			return false
		}
		p[d] = []string{SourceNone}
		return true
	}
	if p.Has(d, token) {
		return false
	}
	tokens := make([]string, 0, len(p[d])+1)
	for _, t := range p[d] {
		if t != SourceNone {
			tokens = append(tokens, t)
		}
	}
	p[d] = append(tokens, token)
	return true
}

// Remove deletes token from directive d. A directive left empty collapses to
// 'none', default-src falls back to 'self' and report-uri is dropped.
func (p Policy) Remove(d Directive, token string) bool {
	if !p.Has(d, token) {
		return false
	}
	var kept []string
	for _, t := range p[d] {
		if t != token {
			kept = append(kept, t)
		}
	}
	p.Set(d, kept)
	return true
}

// Set replaces the directive's tokens, deduplicating them and applying the
// 'none' rules.
func (p Policy) Set(d Directive, tokens []string) {
	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" || t == SourceNone || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) > 0 {
		p[d] = out
		return
	}
	switch d {
	case DirectiveDefaultSrc:
		p[d] = []string{SourceSelf}
	case DirectiveReportURI:
		delete(p, d)
	default:
		p[d] = []string{SourceNone}
	}
}

// Normalize enforces the invariants on every directive: default-src is
// present and no directive mixes 'none' with other tokens.
func (p Policy) Normalize() {
	for d, tokens := range p {
		if len(tokens) == 1 && tokens[0] == SourceNone {
			continue
		}
		p.Set(d, tokens)
	}
	if len(p[DirectiveDefaultSrc]) == 0 {
		p[DirectiveDefaultSrc] = []string{SourceSelf}
	}
}

// Values returns the directive -> space-joined value form used on disk
func (p Policy) Values() map[string]string {
	out := make(map[string]string, len(p))
	for d := range p {
		out[string(d)] = p.Value(d)
	}
	return out
}

// FromValues parses the on-disk form. Unknown directives are rejected.
func FromValues(values map[string]string) (Policy, error) {
	p := make(Policy, len(values))
	for name, value := range values {
		d, ok := ParseDirective(name)
		if !ok {
			return nil, fmt.Errorf("unknown directive %q", name)
		}
		p[d] = strings.Fields(value)
	}
	p.Normalize()
	return p, nil
}

// Equal reports whether two policies carry the same token sets
func (p Policy) Equal(other Policy) bool {
	if len(p) != len(other) {
		return false
	}
	for d := range p {
		if p.Value(d) != other.Value(d) {
			return false
		}
	}
	return true
}

func rank(token string) int {
	if token == SourceSelf || token == SourceNone {
		return 0
	}
	switch KindOf(token) {
	case KindOrigin:
		return 1
	case KindScheme:
		return 2
	case KindKeyword:
		return 3
	case KindHash:
		return 4
	case KindNonce:
		return 5
	default:
		return 6
	}
}

func canonical(tokens []string) []string {
	out := append([]string(nil), tokens...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

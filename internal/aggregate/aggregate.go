// Package aggregate turns crawled resource URLs into per-directive allow-lists
// and commits them to the policy store.
package aggregate

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/Pirikara/cspgate/internal/admission"
	"github.com/Pirikara/cspgate/internal/category"
	"github.com/Pirikara/cspgate/internal/csp"
	"github.com/Pirikara/cspgate/internal/logger"
	"github.com/Pirikara/cspgate/internal/store"
	"github.com/Pirikara/cspgate/internal/threat"
)

// Gate classifies candidate origins for one directive
type Gate interface {
	Check(ctx context.Context, directive csp.Directive, candidates []threat.Candidate) []admission.Verdict
	Admission() *admission.Engine
}

// Aggregator is the bulk path from a crawl into the policy store
type Aggregator struct {
	table  *category.Table
	gate   Gate
	store  *store.Store
	logger *logger.Logger
}

// New creates an aggregator. A nil table uses category.Default.
func New(table *category.Table, gate Gate, st *store.Store, log *logger.Logger) *Aggregator {
	if table == nil {
		table = category.Default()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Aggregator{table: table, gate: gate, store: st, logger: log}
}

// Result describes one aggregation run
type Result struct {
	Snapshot store.Snapshot
	// Verdicts holds the gate's verdicts per directive
	Verdicts map[csp.Directive][]admission.Verdict
	// Skipped lists URLs that had no usable origin
	Skipped []string
}

// Rejected returns the origins the gate kept out, per directive
func (r Result) Rejected(engine *admission.Engine) map[csp.Directive][]string {
	out := make(map[csp.Directive][]string)
	for d, verdicts := range r.Verdicts {
		for _, v := range verdicts {
			if !engine.Admit(v) {
				out[d] = append(out[d], v.Origin)
			}
		}
	}
	return out
}

// collected holds the gating input for one directive
type collected struct {
	self       bool
	schemes    []string
	candidates []threat.Candidate
	index      map[string]int
}

// addCandidate records rawURL under its origin. Every distinct URL is kept
// so the gate can inspect each resource, not just the first one crawled.
func (c *collected) addCandidate(origin, rawURL string) {
	i, ok := c.index[origin]
	if !ok {
		c.index[origin] = len(c.candidates)
		c.candidates = append(c.candidates, threat.Candidate{Origin: origin, URLs: []string{rawURL}})
		return
	}
	for _, u := range c.candidates[i].URLs {
		if u == rawURL {
			return
		}
	}
	c.candidates[i].URLs = append(c.candidates[i].URLs, rawURL)
}

// Aggregate gates every resource found under base and commits the resulting
// allow-lists. Directives outside the category table keep their current
// values; crawled directives without survivors become 'none'.
func (a *Aggregator) Aggregate(ctx context.Context, base string, resources category.Resources) (Result, error) {
	baseURL, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return Result{}, fmt.Errorf("%w: base %q: %v", csp.ErrMalformedURL, base, err)
	}
	baseOrigin, err := csp.Origin(base)
	if err != nil {
		return Result{}, err
	}

	result := Result{Verdicts: make(map[csp.Directive][]admission.Verdict)}
	byDirective := make(map[csp.Directive]*collected)
	extras := make(map[csp.Directive][]string)
	for _, e := range a.table.Entries {
		if byDirective[e.Directive] == nil {
			byDirective[e.Directive] = &collected{index: make(map[string]int)}
		}
		extras[e.Directive] = append(extras[e.Directive], e.Extras...)
	}

	for id, urls := range resources {
		entry, ok := a.table.Lookup(id)
		if !ok {
			a.logger.Warn("unknown_category", "Crawler reported a category with no directive", map[string]interface{}{
				"category": string(id),
			})
			continue
		}
		c := byDirective[entry.Directive]
		for _, raw := range urls {
			if scheme, ok := schemeSource(raw); ok {
				c.schemes = appendUnique(c.schemes, scheme)
				continue
			}
			origin, err := csp.ResolveOrigin(baseURL, raw)
			if err != nil {
				a.logger.Warn("malformed_url", "Skipping URL without a usable origin", map[string]interface{}{
					"category": string(id),
					"url":      raw,
					"error":    err.Error(),
				})
				result.Skipped = append(result.Skipped, raw)
				continue
			}
			if origin == baseOrigin {
				c.self = true
				continue
			}
			c.addCandidate(origin, resolved(baseURL, raw))
		}
	}

	engine := a.gate.Admission()
	sources := make(map[csp.Directive][]string, len(byDirective))
	for _, d := range a.table.Directives() {
		c := byDirective[d]
		var tokens []string
		if c.self {
			tokens = append(tokens, csp.SourceSelf)
		}
		tokens = append(tokens, c.schemes...)

		if len(c.candidates) > 0 {
			verdicts := a.gate.Check(ctx, d, c.candidates)
			result.Verdicts[d] = verdicts
			for _, v := range verdicts {
				if engine.Admit(v) {
					tokens = append(tokens, v.Origin)
				}
			}
		}

		if len(tokens) > 0 {
			tokens = append(tokens, csp.SourceSelf)
			tokens = append(tokens, extras[d]...)
		}
		sources[d] = tokens
	}

	baseline := a.store.Baseline()
	snap, err := a.store.Commit(func(p csp.Policy) (bool, error) {
		before := p.Clone()
		for d, tokens := range sources {
			p.Set(d, tokens)
		}
		for _, d := range []csp.Directive{csp.DirectiveDefaultSrc, csp.DirectiveReportURI} {
			if len(p[d]) == 0 {
				p[d] = baseline[d]
			}
		}
		return !before.Equal(p), nil
	})
	if err != nil {
		return result, fmt.Errorf("commit aggregated policy: %w", err)
	}
	result.Snapshot = snap

	a.logger.Info("policy_aggregated", "Crawl results committed", map[string]interface{}{
		"base":     baseOrigin,
		"revision": snap.Revision,
		"skipped":  len(result.Skipped),
	})
	return result, nil
}

// schemeSource maps data: and blob: URLs to their scheme source
func schemeSource(raw string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(lower, csp.SchemeData):
		return csp.SchemeData, true
	case strings.HasPrefix(lower, csp.SchemeBlob):
		return csp.SchemeBlob, true
	}
	return "", false
}

func resolved(base *url.URL, raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	return base.ResolveReference(u).String()
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// Package threat classifies candidate origins before they enter a policy. It
// combines a JSONP heuristic for script sources with a cached, rate-limited
// reputation lookup.
package threat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Pirikara/cspgate/internal/admission"
	"github.com/Pirikara/cspgate/internal/cache"
	"github.com/Pirikara/cspgate/internal/csp"
	"github.com/Pirikara/cspgate/internal/issues"
	"github.com/Pirikara/cspgate/internal/logger"
)

// Candidate is one origin to classify. URLs are the distinct resources seen
// on that origin; each one is analysed for JSONP abuse.
type Candidate struct {
	Origin string
	URLs   []string
}

// targets returns the targets for JSONP analysis, the origin itself when no
// resource is known.
func (c Candidate) targets() []string {
	if len(c.URLs) == 0 {
		return []string{c.Origin}
	}
	return c.URLs
}

// Config wires a Gate to its collaborators. Reputation and Fetcher may be nil:
// without a reputation service every non-special origin is unknown, and
// without a fetcher the JSONP heuristic is skipped.
type Config struct {
	Admission  *admission.Engine
	Cache      *cache.VerdictCache
	Limiter    *Limiter
	Reputation Reputation
	Fetcher    Fetcher
	Logger     *logger.Logger
	// Audit receives one verdict event per classification
	Audit  *logger.Logger
	Issues *issues.Log
	// SubmitTimeout bounds background submissions of unseen URLs
	SubmitTimeout time.Duration
}

// Gate is the threat gate
type Gate struct {
	admission     *admission.Engine
	cache         *cache.VerdictCache
	limiter       *Limiter
	reputation    Reputation
	fetcher       Fetcher
	logger        *logger.Logger
	audit         *logger.Logger
	issues        *issues.Log
	submitTimeout time.Duration
	now           func() time.Time

	submissions sync.WaitGroup
}

// NewGate creates a gate. Missing cache, limiter or engine get defaults.
func NewGate(cfg Config) *Gate {
	g := &Gate{
		admission:     cfg.Admission,
		cache:         cfg.Cache,
		limiter:       cfg.Limiter,
		reputation:    cfg.Reputation,
		fetcher:       cfg.Fetcher,
		logger:        cfg.Logger,
		audit:         cfg.Audit,
		issues:        cfg.Issues,
		submitTimeout: cfg.SubmitTimeout,
		now:           time.Now,
	}
	if g.admission == nil {
		g.admission = admission.NewEngine(admission.ModeAdmit, admission.DefaultThreshold)
	}
	if g.cache == nil {
		g.cache = cache.NewVerdictCache(cache.DefaultTTL)
	}
	if g.limiter == nil {
		g.limiter = NewLimiter(4, time.Minute)
	}
	if g.logger == nil {
		g.logger = logger.Discard()
	}
	if g.audit == nil {
		g.audit = logger.Discard()
	}
	if g.submitTimeout <= 0 {
		g.submitTimeout = 30 * time.Second
	}
	return g
}

// Admission returns the decision engine the gate reports against
func (g *Gate) Admission() *admission.Engine {
	return g.admission
}

// Check classifies each distinct candidate for directive, in input order.
// Failures never abort the batch; they become unknown or error verdicts.
func (g *Gate) Check(ctx context.Context, directive csp.Directive, candidates []Candidate) []admission.Verdict {
	requestID := uuid.New().String()
	verdicts := make([]admission.Verdict, 0, len(candidates))

	for _, c := range mergeCandidates(candidates) {
		v := g.classify(ctx, directive, c)
		result := g.admission.Evaluate(v)
		g.audit.LogVerdict(v, result.Decision, g.admission.Mode(), requestID)
		verdicts = append(verdicts, v)
	}
	return verdicts
}

// mergeCandidates folds candidates sharing an origin into one, keeping the
// first-seen order and every distinct URL.
func mergeCandidates(candidates []Candidate) []Candidate {
	index := make(map[string]int, len(candidates))
	var out []Candidate
	for _, c := range candidates {
		if c.Origin == "" {
			continue
		}
		i, ok := index[c.Origin]
		if !ok {
			index[c.Origin] = len(out)
			out = append(out, Candidate{Origin: c.Origin})
			i = len(out) - 1
		}
		for _, u := range c.URLs {
			if !containsString(out[i].URLs, u) {
				out[i].URLs = append(out[i].URLs, u)
			}
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CheckOrigins is Check for bare origins
func (g *Gate) CheckOrigins(ctx context.Context, directive csp.Directive, origins []string) []admission.Verdict {
	candidates := make([]Candidate, len(origins))
	for i, o := range origins {
		candidates[i] = Candidate{Origin: o}
	}
	return g.Check(ctx, directive, candidates)
}

// Verify classifies a single origin
func (g *Gate) Verify(ctx context.Context, directive csp.Directive, origin string) admission.Verdict {
	verdicts := g.CheckOrigins(ctx, directive, []string{origin})
	if len(verdicts) == 0 {
		return admission.Verdict{Origin: origin, Directive: directive, Status: admission.StatusError, CheckedAt: g.now()}
	}
	return verdicts[0]
}

// Admitted filters verdicts down to the origins the admission engine lets in
func (g *Gate) Admitted(verdicts []admission.Verdict) []string {
	var out []string
	for _, v := range verdicts {
		if g.admission.Admit(v) {
			out = append(out, v.Origin)
		}
	}
	return out
}

// Wait blocks until background submissions have finished
func (g *Gate) Wait() {
	g.submissions.Wait()
}

func (g *Gate) classify(ctx context.Context, directive csp.Directive, c Candidate) admission.Verdict {
	v := admission.Verdict{
		Origin:    c.Origin,
		Directive: directive,
		CheckedAt: g.now(),
	}

	if csp.IsSpecial(c.Origin) {
		v.Status = admission.StatusSpecial
		return v
	}

	// a callback parameter is visible in the URL and overrides a cached verdict
	if directive == csp.DirectiveScriptSrc {
		if target, report, ok := callbackJSONP(c); ok {
			return g.flagJSONP(v, target, report)
		}
	}

	if cached, ok := g.cache.Get(c.Origin, directive); ok {
		return cached
	}

	if directive == csp.DirectiveScriptSrc && g.fetcher != nil {
		if target, report, ok := g.fetchJSONP(ctx, c); ok {
			return g.flagJSONP(v, target, report)
		}
	}

	if g.reputation == nil {
		v.Status = admission.StatusUnknown
		return v
	}

	if err := g.limiter.Wait(ctx); err != nil {
		g.logger.Warn("rate_limit_wait_aborted", "Gave up waiting for a reputation token", map[string]interface{}{
			"origin": c.Origin,
			"error":  err.Error(),
		})
		v.Status = admission.StatusError
		return v
	}

	detections, err := g.reputation.Lookup(ctx, c.Origin)
	v.CheckedAt = g.now()
	switch {
	case errors.Is(err, ErrNotFound):
		g.logger.Info("reputation_not_found", "URL unknown to reputation service, submitting for analysis", map[string]interface{}{
			"origin": c.Origin,
		})
		g.submit(c.Origin)
		v.Status = admission.StatusUnknown
		return v
	case err != nil:
		g.logger.Warn("reputation_unavailable", "Reputation lookup failed", map[string]interface{}{
			"origin": c.Origin,
			"error":  err.Error(),
		})
		v.Status = admission.StatusUnknown
		return v
	}

	v.DetectionCount = detections
	v.Status = g.admission.Classify(detections)
	g.remember(v)
	if v.Status == admission.StatusMalicious {
		g.recordIssue(fmt.Sprintf("Malicious URL found: %s in directive: %s (Detected by %d vendors)",
			c.Origin, directive, detections))
	}
	return v
}

func (g *Gate) flagJSONP(v admission.Verdict, target string, report JSONPReport) admission.Verdict {
	v.Status = admission.StatusJSONPVulnerable
	v.Reasons = report.Reasons()
	g.remember(v)
	g.recordIssue(fmt.Sprintf("Potential JSONP vulnerability in %s (%s): %s",
		target, v.Directive, strings.Join(v.Reasons, ", ")))
	return v
}

// callbackJSONP flags a candidate whose URLs carry a callback parameter
func callbackJSONP(c Candidate) (string, JSONPReport, bool) {
	for _, target := range c.targets() {
		if report := AnalyzeJSONP(target, "", nil); report.Vulnerable() {
			return target, report, true
		}
	}
	return "", JSONPReport{}, false
}

// fetchJSONP fetches each of the candidate's URLs and returns the first one
// whose response looks like a JSONP endpoint.
func (g *Gate) fetchJSONP(ctx context.Context, c Candidate) (string, JSONPReport, bool) {
	for _, target := range c.targets() {
		contentType, body, err := g.fetcher.Fetch(ctx, target)
		if err != nil {
			g.logger.Debug("jsonp_fetch_failed", "Could not fetch candidate for JSONP analysis", map[string]interface{}{
				"url":   target,
				"error": err.Error(),
			})
			continue
		}
		if report := AnalyzeJSONP(target, contentType, body); report.Vulnerable() {
			return target, report, true
		}
	}
	return "", JSONPReport{}, false
}

// submit sends target for analysis in the background. It shares the rate
// budget with lookups.
func (g *Gate) submit(target string) {
	g.submissions.Add(1)
	go func() {
		defer g.submissions.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.submitTimeout)
		defer cancel()

		if err := g.limiter.Wait(ctx); err != nil {
			return
		}
		if err := g.reputation.Submit(ctx, target); err != nil {
			g.logger.Warn("reputation_submit_failed", "Could not submit URL for analysis", map[string]interface{}{
				"url":   target,
				"error": err.Error(),
			})
		}
	}()
}

func (g *Gate) remember(v admission.Verdict) {
	if !v.Status.Cacheable() {
		return
	}
	if err := g.cache.Put(v); err != nil {
		g.logger.Warn("verdict_cache_write_failed", "Could not persist verdict", map[string]interface{}{
			"origin": v.Origin,
			"error":  err.Error(),
		})
	}
}

func (g *Gate) recordIssue(issue string) {
	if g.issues == nil {
		return
	}
	if _, err := g.issues.Record(issue); err != nil {
		g.logger.Error("issue_log_failed", "Could not record issue", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

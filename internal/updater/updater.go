// Package updater applies browser violation reports to the policy store. Each
// report yields at most one small, idempotent change.
package updater

import (
	"context"
	"fmt"
	"strings"

	"github.com/Pirikara/cspgate/internal/csp"
	"github.com/Pirikara/cspgate/internal/issues"
	"github.com/Pirikara/cspgate/internal/logger"
	"github.com/Pirikara/cspgate/internal/store"
)

// Outcome says what a report did to the policy
type Outcome string

const (
	// OutcomeAdded means a source was added to the directive
	OutcomeAdded Outcome = "added"
	// OutcomePresent means the source was already allowed
	OutcomePresent Outcome = "present"
	// OutcomeUnresolved means inline code was blocked without a sample to hash
	OutcomeUnresolved Outcome = "unresolved"
	// OutcomeSuspicious means the blocked URI had no origin and was logged as a threat
	OutcomeSuspicious Outcome = "suspicious"
)

// Result describes how one report was handled
type Result struct {
	Outcome   Outcome
	Directive csp.Directive
	// Source is the token added or found, empty when nothing was derived
	Source   string
	Snapshot store.Snapshot
	// Queued is true when the source was scheduled for re-verification
	Queued bool
}

// Updater is the live path from violation reports into the policy store
type Updater struct {
	store  *store.Store
	issues *issues.Log
	queue  *Queue
	logger *logger.Logger
}

// New creates an updater. queue may be nil to disable re-verification.
func New(st *store.Store, issueLog *issues.Log, queue *Queue, log *logger.Logger) *Updater {
	if log == nil {
		log = logger.Discard()
	}
	return &Updater{store: st, issues: issueLog, queue: queue, logger: log}
}

// Apply handles one report. Errors wrap ErrReportMalformed for unusable
// reports; store failures are returned as is.
func (u *Updater) Apply(ctx context.Context, r Report) (Result, error) {
	d, err := r.Directive()
	if err != nil {
		return Result{}, err
	}
	blocked := strings.TrimSpace(r.BlockedURI)
	if blocked == "" {
		return Result{}, fmt.Errorf("%w: no blocked-uri", ErrReportMalformed)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	switch strings.ToLower(blocked) {
	case "inline", "eval":
		return u.applyInline(d, strings.ToLower(blocked), r)
	}

	source, ok := u.sourceFor(blocked, r.DocumentURI)
	if !ok {
		u.recordIssue(fmt.Sprintf("Potential threat found: %s in directive: %s", blocked, d))
		u.logger.Warn("report_suspicious", "Blocked URI has no origin", map[string]interface{}{
			"directive":   string(d),
			"blocked_uri": blocked,
		})
		return Result{Outcome: OutcomeSuspicious, Directive: d}, nil
	}

	current, err := u.store.Read()
	if err != nil {
		return Result{}, err
	}
	if current.Policy.Has(d, source) {
		return Result{Outcome: OutcomePresent, Directive: d, Source: source, Snapshot: current}, nil
	}

	added := false
	snap, err := u.store.Commit(func(p csp.Policy) (bool, error) {
		added = p.Add(d, source)
		if !added {
			// a concurrent report got here first
			return false, nil
		}
		if !d.Fixed() {
			p.Add(d, csp.SourceSelf)
		}
		return true, nil
	})
	if err != nil {
		return Result{}, err
	}
	if !added {
		return Result{Outcome: OutcomePresent, Directive: d, Source: source, Snapshot: snap}, nil
	}

	res := Result{Outcome: OutcomeAdded, Directive: d, Source: source, Snapshot: snap}
	if u.queue != nil && !csp.IsSpecial(source) {
		res.Queued = u.queue.Enqueue(d, source)
	}
	u.logger.Info("report_applied", "Source added from violation report", map[string]interface{}{
		"directive": string(d),
		"source":    source,
		"revision":  snap.Revision,
		"queued":    res.Queued,
	})
	return res, nil
}

func (u *Updater) applyInline(d csp.Directive, kind string, r Report) (Result, error) {
	if r.ScriptSample == "" {
		u.recordIssue(fmt.Sprintf("Unresolved %s violation without sample on %s in directive: %s", kind, r.DocumentURI, d))
		u.logger.Warn("report_unresolved", "Inline violation carries no sample to hash", map[string]interface{}{
			"directive":    string(d),
			"document_uri": r.DocumentURI,
		})
		return Result{Outcome: OutcomeUnresolved, Directive: d}, nil
	}

	hash := csp.HashSource(r.ScriptSample)
	added := false
	snap, err := u.store.Commit(func(p csp.Policy) (bool, error) {
		added = p.Add(d, hash)
		return added, nil
	})
	if err != nil {
		return Result{}, err
	}
	if !added {
		return Result{Outcome: OutcomePresent, Directive: d, Source: hash, Snapshot: snap}, nil
	}
	u.logger.Info("report_applied", "Inline hash added from violation report", map[string]interface{}{
		"directive": string(d),
		"source":    hash,
		"revision":  snap.Revision,
	})
	return Result{Outcome: OutcomeAdded, Directive: d, Source: hash, Snapshot: snap}, nil
}

// sourceFor maps a blocked URI to the token that would allow it
func (u *Updater) sourceFor(blocked, documentURI string) (string, bool) {
	lower := strings.ToLower(blocked)
	switch {
	case lower == "data" || strings.HasPrefix(lower, csp.SchemeData):
		return csp.SchemeData, true
	case lower == "blob" || strings.HasPrefix(lower, csp.SchemeBlob):
		return csp.SchemeBlob, true
	}

	origin, err := csp.Origin(blocked)
	if err != nil {
		return "", false
	}
	if doc, err := csp.Origin(documentURI); err == nil && doc == origin {
		return csp.SourceSelf, true
	}
	return origin, true
}

func (u *Updater) recordIssue(issue string) {
	if u.issues == nil {
		return
	}
	if _, err := u.issues.Record(issue); err != nil {
		u.logger.Error("issue_log_failed", "Could not record issue", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

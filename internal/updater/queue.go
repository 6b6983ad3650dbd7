package updater

import (
	"context"
	"sync"
	"time"

	"github.com/Pirikara/cspgate/internal/admission"
	"github.com/Pirikara/cspgate/internal/csp"
	"github.com/Pirikara/cspgate/internal/logger"
	"github.com/Pirikara/cspgate/internal/store"
)

// DefaultInterval is how often the re-verification worker polls its queue
const DefaultInterval = 5 * time.Second

// Checker classifies one origin for a directive
type Checker interface {
	Verify(ctx context.Context, directive csp.Directive, origin string) admission.Verdict
}

type pending struct {
	directive csp.Directive
	origin    string
}

// Queue holds sources that entered the policy from reports before they were
// classified. One worker drains it; malicious sources are removed again.
type Queue struct {
	checker  Checker
	store    *store.Store
	logger   *logger.Logger
	interval time.Duration

	mu     sync.Mutex
	items  []pending
	queued map[pending]bool
}

// NewQueue creates a re-verification queue
func NewQueue(checker Checker, st *store.Store, log *logger.Logger, interval time.Duration) *Queue {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Queue{
		checker:  checker,
		store:    st,
		logger:   log,
		interval: interval,
		queued:   make(map[pending]bool),
	}
}

// Enqueue schedules origin for verification. It returns false when the pair
// is already waiting.
func (q *Queue) Enqueue(directive csp.Directive, origin string) bool {
	item := pending{directive: directive, origin: origin}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[item] {
		return false
	}
	q.queued[item] = true
	q.items = append(q.items, item)
	return true
}

// Len returns the number of waiting items
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) next() (pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return pending{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	delete(q.queued, item)
	return item, true
}

// Drain verifies every waiting item, one at a time, and returns how many
// sources were removed from the policy.
func (q *Queue) Drain(ctx context.Context) int {
	removed := 0
	for ctx.Err() == nil {
		item, ok := q.next()
		if !ok {
			break
		}
		if q.verify(ctx, item) {
			removed++
		}
	}
	return removed
}

// Run drains the queue every interval until ctx is done
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Drain(ctx)
		}
	}
}

func (q *Queue) verify(ctx context.Context, item pending) bool {
	v := q.checker.Verify(ctx, item.directive, item.origin)
	if !v.Status.Malicious() {
		q.logger.Debug("reverify_kept", "Reported source verified", map[string]interface{}{
			"directive": string(item.directive),
			"origin":    item.origin,
			"status":    string(v.Status),
		})
		return false
	}

	removed := false
	snap, err := q.store.Commit(func(p csp.Policy) (bool, error) {
		removed = p.Remove(item.directive, item.origin)
		return removed, nil
	})
	if err != nil {
		q.logger.Error("reverify_commit_failed", "Could not remove malicious source", map[string]interface{}{
			"directive": string(item.directive),
			"origin":    item.origin,
			"error":     err.Error(),
		})
		return false
	}
	if removed {
		q.logger.Warn("reverify_removed", "Malicious source removed from policy", map[string]interface{}{
			"directive": string(item.directive),
			"origin":    item.origin,
			"status":    string(v.Status),
			"revision":  snap.Revision,
		})
	}
	return removed
}

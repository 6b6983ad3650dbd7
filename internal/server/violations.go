package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Violation is one line of the violation log
type Violation struct {
	Timestamp   string `json:"ts"`
	RequestID   string `json:"request_id"`
	Directive   string `json:"directive,omitempty"`
	BlockedURI  string `json:"blocked_uri"`
	DocumentURI string `json:"document_uri"`
	Outcome     string `json:"outcome,omitempty"`
	Source      string `json:"source,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ViolationLog appends accepted reports to a JSONL file. An empty path keeps
// nothing on disk.
type ViolationLog struct {
	path string
	mu   sync.Mutex
}

// NewViolationLog creates a log at path
func NewViolationLog(path string) *ViolationLog {
	return &ViolationLog{path: path}
}

// Append writes one violation line
func (l *ViolationLog) Append(v Violation) error {
	if l == nil || l.path == "" {
		return nil
	}
	if v.Timestamp == "" {
		v.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal violation: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create violation log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open violation log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append violation: %w", err)
	}
	return nil
}

// DirectiveStats counts violations for one directive
type DirectiveStats struct {
	Violations int            `json:"violations"`
	Sources    []string       `json:"sources"`
	Outcomes   map[string]int `json:"outcomes"`
}

// Stats aggregates violations in memory
type Stats struct {
	mu         sync.Mutex
	total      int
	malformed  int
	directives map[string]*directiveCounter
}

type directiveCounter struct {
	violations int
	sources    map[string]bool
	outcomes   map[string]int
}

// NewStats creates empty counters
func NewStats() *Stats {
	return &Stats{directives: make(map[string]*directiveCounter)}
}

// Record counts one handled report
func (s *Stats) Record(directive, source, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	c := s.directives[directive]
	if c == nil {
		c = &directiveCounter{sources: make(map[string]bool), outcomes: make(map[string]int)}
		s.directives[directive] = c
	}
	c.violations++
	if source != "" {
		c.sources[source] = true
	}
	c.outcomes[outcome]++
}

// RecordMalformed counts a report that could not be used
func (s *Stats) RecordMalformed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.malformed++
}

// StatsSnapshot is the /stats document
type StatsSnapshot struct {
	Total      int                       `json:"total"`
	Malformed  int                       `json:"malformed"`
	Directives map[string]DirectiveStats `json:"directives"`
}

// Snapshot copies the counters
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{
		Total:      s.total,
		Malformed:  s.malformed,
		Directives: make(map[string]DirectiveStats, len(s.directives)),
	}
	for d, c := range s.directives {
		sources := make([]string, 0, len(c.sources))
		for src := range c.sources {
			sources = append(sources, src)
		}
		sort.Strings(sources)
		outcomes := make(map[string]int, len(c.outcomes))
		for k, v := range c.outcomes {
			outcomes[k] = v
		}
		out.Directives[d] = DirectiveStats{Violations: c.violations, Sources: sources, Outcomes: outcomes}
	}
	return out
}

// Package store is the single authoritative home of the policy. All changes go
// through Commit, which serializes writers and always derives the next
// version from the latest one on disk.
package store

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"

	"github.com/Pirikara/cspgate/internal/csp"
	"github.com/Pirikara/cspgate/internal/logger"
)

//go:embed schema.json
var policySchema []byte

// ErrPolicyCorrupt means the persisted policy could not be parsed or validated
var ErrPolicyCorrupt = errors.New("policy corrupt")

// Snapshot is one fully committed version of the policy
type Snapshot struct {
	Policy csp.Policy
	// Revision is the sha256 of the canonical serialization
	Revision string
}

// Header renders the snapshot with an optional request nonce
func (s Snapshot) Header(nonce string) string {
	return s.Policy.Header(nonce)
}

// Mutator edits a working copy of the policy and reports whether it changed
// anything. Returning an error aborts the commit.
type Mutator func(p csp.Policy) (bool, error)

// Store persists the policy in one JSON file
type Store struct {
	path      string
	reportURI string
	logger    *logger.Logger
	schema    *jsonschema.Schema

	// mu is the commit section; one writer at a time
	mu sync.Mutex
}

// New creates a store for path. reportURI seeds the baseline policy.
func New(path, reportURI string, log *logger.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("policy path is empty")
	}
	if log == nil {
		log = logger.Discard()
	}
	schema, err := jsonschema.NewCompiler().Compile(policySchema)
	if err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}
	return &Store{
		path:      path,
		reportURI: reportURI,
		logger:    log,
		schema:    schema,
	}, nil
}

// Path returns the policy file location
func (s *Store) Path() string {
	return s.path
}

// Baseline returns the safe baseline for this store's report endpoint
func (s *Store) Baseline() csp.Policy {
	return csp.Baseline(s.reportURI)
}

// Read returns the last fully committed snapshot. A missing or corrupt file
// is replaced by the baseline first.
func (s *Store) Read() (Snapshot, error) {
	snap, err := s.load()
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrPolicyCorrupt) {
		return Snapshot{}, err
	}
	return s.InitializeDefault()
}

// InitializeDefault seeds the baseline when nothing usable is persisted. An
// existing valid policy is left alone.
func (s *Store) InitializeDefault() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, ErrPolicyCorrupt) {
		return Snapshot{}, err
	}
	if errors.Is(err, ErrPolicyCorrupt) {
		s.logger.Warn("policy_corrupt", "Persisted policy unreadable, restoring baseline", map[string]interface{}{
			"path":  s.path,
			"error": err.Error(),
		})
	}
	return s.persist(s.Baseline())
}

// Commit applies fn to the freshest persisted policy and atomically writes the
// result. Concurrent commits queue on the commit section; none is lost because
// each one re-reads the file after acquiring it.
func (s *Store) Commit(fn Mutator) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load()
	fresh := false
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		current = Snapshot{Policy: s.Baseline()}
		fresh = true
	case errors.Is(err, ErrPolicyCorrupt):
		s.logger.Warn("policy_corrupt", "Persisted policy unreadable, committing on top of baseline", map[string]interface{}{
			"path":  s.path,
			"error": err.Error(),
		})
		current = Snapshot{Policy: s.Baseline()}
		fresh = true
	default:
		return Snapshot{}, err
	}

	working := current.Policy.Clone()
	changed, err := fn(working)
	if err != nil {
		return Snapshot{}, err
	}
	if !changed && !fresh {
		return current, nil
	}
	working.Normalize()

	snap, err := s.persist(working)
	if err != nil {
		return Snapshot{}, err
	}
	s.logger.Debug("policy_commit", "Policy committed", map[string]interface{}{
		"revision": snap.Revision,
		"changed":  changed,
	})
	return snap, nil
}

// load reads and validates the persisted policy. The file is only ever
// replaced by rename, so a read without the lock still sees a whole version.
func (s *Store) load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Snapshot{}, err
	}
	policy, err := s.decode(data)
	if err != nil {
		return Snapshot{}, err
	}
	_, revision, err := Encode(policy)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Policy: policy, Revision: revision}, nil
}

func (s *Store) decode(data []byte) (csp.Policy, error) {
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyCorrupt, err)
	}
	if result := s.schema.ValidateJSON(data); !result.IsValid() {
		return nil, fmt.Errorf("%w: schema validation failed: %v", ErrPolicyCorrupt, result.Errors)
	}
	policy, err := csp.FromValues(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyCorrupt, err)
	}
	return policy, nil
}

func (s *Store) persist(p csp.Policy) (Snapshot, error) {
	data, revision, err := Encode(p)
	if err != nil {
		return Snapshot{}, err
	}
	if err := writeFileAtomic(s.path, append(data, '\n'), 0o644); err != nil {
		return Snapshot{}, fmt.Errorf("persist policy: %w", err)
	}
	return Snapshot{Policy: p.Clone(), Revision: revision}, nil
}

// Encode returns the RFC 8785 canonical JSON of the policy and its sha256
// revision. Equal policies always encode to identical bytes.
func Encode(p csp.Policy) ([]byte, string, error) {
	raw, err := json.Marshal(p.Values())
	if err != nil {
		return nil, "", fmt.Errorf("marshal policy: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize policy: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

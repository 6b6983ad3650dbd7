package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Pirikara/cspgate/internal/admission"
	"github.com/Pirikara/cspgate/internal/csp"
)

// DefaultTTL is how long a verdict stays valid
const DefaultTTL = 24 * time.Hour

var verdictBucket = []byte("verdicts")

// VerdictCache holds verdicts per (origin, directive). Entries expire lazily
// when read; nothing sweeps them in the background.
type VerdictCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]admission.Verdict
	db      *bolt.DB
}

// NewVerdictCache creates an in-memory verdict cache
func NewVerdictCache(ttl time.Duration) *VerdictCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &VerdictCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]admission.Verdict),
	}
}

// OpenVerdictCache creates a cache whose entries survive restarts in a bbolt
// database at path.
func OpenVerdictCache(path string, ttl time.Duration) (*VerdictCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open verdict database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(verdictBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create verdict bucket: %w", err)
	}

	c := NewVerdictCache(ttl)
	c.db = db
	return c, nil
}

// SetClock replaces the time source, for tests
func (c *VerdictCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func key(origin string, directive csp.Directive) string {
	return origin + "|" + string(directive)
}

// Get returns a live verdict for the pair, dropping it if expired
func (c *VerdictCache) Get(origin string, directive csp.Directive) (admission.Verdict, bool) {
	k := key(origin, directive)

	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.entries[k]
	if !ok && c.db != nil {
		v, ok = c.loadLocked(k)
	}
	if !ok {
		return admission.Verdict{}, false
	}
	if c.now().Sub(v.CheckedAt) >= c.ttl {
		delete(c.entries, k)
		c.deleteLocked(k)
		return admission.Verdict{}, false
	}
	c.entries[k] = v
	v.Cached = true
	return v, true
}

// Put stores a verdict, writing through to the database when present
func (c *VerdictCache) Put(v admission.Verdict) error {
	k := key(v.Origin, v.Directive)
	v.Cached = false

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[k] = v
	if c.db == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(verdictBucket).Put([]byte(k), data)
	})
}

// Delete forgets a verdict
func (c *VerdictCache) Delete(origin string, directive csp.Directive) {
	k := key(origin, directive)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
	c.deleteLocked(k)
}

// Len returns the number of verdicts held in memory
func (c *VerdictCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases the database
func (c *VerdictCache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *VerdictCache) loadLocked(k string) (admission.Verdict, bool) {
	var v admission.Verdict
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(verdictBucket).Get([]byte(k))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		found = true
		return nil
	})
	return v, found
}

func (c *VerdictCache) deleteLocked(k string) {
	if c.db == nil {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(verdictBucket).Delete([]byte(k))
	})
}

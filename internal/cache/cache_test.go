package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Pirikara/cspgate/internal/admission"
	"github.com/Pirikara/cspgate/internal/csp"
)

func verdict(origin string, checkedAt time.Time) admission.Verdict {
	return admission.Verdict{
		Origin:         origin,
		Directive:      csp.DirectiveScriptSrc,
		Status:         admission.StatusSafe,
		DetectionCount: 0,
		CheckedAt:      checkedAt,
	}
}

func TestVerdictCache_LazyExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewVerdictCache(24 * time.Hour)
	c.SetClock(func() time.Time { return now })

	if err := c.Put(verdict("https://cdn.example.com", now)); err != nil {
		t.Fatal(err)
	}

	got, ok := c.Get("https://cdn.example.com", csp.DirectiveScriptSrc)
	if !ok {
		t.Fatal("Get() miss on fresh entry")
	}
	if !got.Cached {
		t.Error("Cached = false on a cache hit")
	}
	if _, ok := c.Get("https://cdn.example.com", csp.DirectiveImgSrc); ok {
		t.Error("Get() hit for a different directive")
	}

	now = now.Add(23 * time.Hour)
	if _, ok := c.Get("https://cdn.example.com", csp.DirectiveScriptSrc); !ok {
		t.Error("entry expired early")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	now = now.Add(time.Hour)
	if _, ok := c.Get("https://cdn.example.com", csp.DirectiveScriptSrc); ok {
		t.Error("entry still served after 24h")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not dropped on read, Len() = %d", c.Len())
	}
}

func TestVerdictCache_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verdicts.db")
	checked := time.Now().UTC().Truncate(time.Second)

	c, err := OpenVerdictCache(path, DefaultTTL)
	if err != nil {
		t.Fatalf("OpenVerdictCache() error = %v", err)
	}
	v := verdict("https://fonts.example.com", checked)
	v.Status = admission.StatusMalicious
	v.DetectionCount = 4
	if err := c.Put(v); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenVerdictCache(path, DefaultTTL)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, ok := reopened.Get("https://fonts.example.com", csp.DirectiveScriptSrc)
	if !ok {
		t.Fatal("verdict lost across reopen")
	}
	if got.Status != admission.StatusMalicious || got.DetectionCount != 4 {
		t.Errorf("Get() = %+v", got)
	}
	if !got.CheckedAt.Equal(checked) {
		t.Errorf("CheckedAt = %v, want %v", got.CheckedAt, checked)
	}
}

func TestVerdictCache_Delete(t *testing.T) {
	c, err := OpenVerdictCache(filepath.Join(t.TempDir(), "verdicts.db"), DefaultTTL)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_ = c.Put(verdict("https://a.example.com", time.Now()))
	c.Delete("https://a.example.com", csp.DirectiveScriptSrc)
	if _, ok := c.Get("https://a.example.com", csp.DirectiveScriptSrc); ok {
		t.Error("Get() hit after Delete()")
	}
}

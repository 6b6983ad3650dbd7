package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Pirikara/cspgate/internal/csp"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "csp-header.json"), "/csp-report-endpoint", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestReadSeedsBaseline(t *testing.T) {
	s := newTestStore(t)

	snap, err := s.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !snap.Policy.Equal(csp.Baseline("/csp-report-endpoint")) {
		t.Errorf("Read() = %v, want baseline", snap.Policy.Values())
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Errorf("baseline not persisted: %v", err)
	}
	if snap.Revision == "" {
		t.Error("Revision is empty")
	}
}

func TestCorruptPolicyRestoresBaseline(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "{\"script-src\": "},
		{name: "unknown directive", content: `{"default-src":"'self'","evil-src":"*"}`},
		{name: "missing default-src", content: `{"script-src":"'self'"}`},
		{name: "wrong value type", content: `{"default-src":["'self'"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			if err := os.WriteFile(s.Path(), []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}

			if _, err := s.load(); !errors.Is(err, ErrPolicyCorrupt) {
				t.Fatalf("load() error = %v, want ErrPolicyCorrupt", err)
			}

			snap, err := s.Read()
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if !snap.Policy.Equal(s.Baseline()) {
				t.Errorf("Read() = %v, want baseline", snap.Policy.Values())
			}
			if _, err := s.load(); err != nil {
				t.Errorf("file still unreadable after restore: %v", err)
			}
		})
	}
}

func TestInitializeDefaultKeepsValidPolicy(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Commit(func(p csp.Policy) (bool, error) {
		return p.Add(csp.DirectiveImgSrc, "https://img.example.com"), nil
	}); err != nil {
		t.Fatal(err)
	}

	snap, err := s.InitializeDefault()
	if err != nil {
		t.Fatalf("InitializeDefault() error = %v", err)
	}
	if !snap.Policy.Has(csp.DirectiveImgSrc, "https://img.example.com") {
		t.Errorf("InitializeDefault() overwrote a valid policy: %v", snap.Policy.Values())
	}
}

func TestCommitNoChangeSkipsWrite(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(s.Path())

	snap, err := s.Commit(func(p csp.Policy) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if snap.Revision != first.Revision {
		t.Errorf("Revision changed on a no-op commit")
	}
	after, _ := os.Stat(s.Path())
	if !after.ModTime().Equal(info.ModTime()) {
		t.Errorf("no-op commit rewrote the file")
	}
}

func TestCommitErrorAborts(t *testing.T) {
	s := newTestStore(t)
	before, _ := s.Read()

	boom := errors.New("boom")
	_, err := s.Commit(func(p csp.Policy) (bool, error) {
		p.Add(csp.DirectiveImgSrc, "https://img.example.com")
		return true, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Commit() error = %v, want boom", err)
	}

	after, _ := s.Read()
	if after.Revision != before.Revision {
		t.Error("failed commit changed the persisted policy")
	}
}

func TestConcurrentCommitsLoseNothing(t *testing.T) {
	s := newTestStore(t)
	const n = 40

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			origin := fmt.Sprintf("https://cdn%d.example.com", i)
			if _, err := s.Commit(func(p csp.Policy) (bool, error) {
				return p.Add(csp.DirectiveScriptSrc, origin), nil
			}); err != nil {
				t.Errorf("Commit() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	snap, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		origin := fmt.Sprintf("https://cdn%d.example.com", i)
		if !snap.Policy.Has(csp.DirectiveScriptSrc, origin) {
			t.Errorf("lost update: %s missing", origin)
		}
	}
}

func TestCommitLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		origin := fmt.Sprintf("https://img%d.example.com", i)
		if _, err := s.Commit(func(p csp.Policy) (bool, error) {
			return p.Add(csp.DirectiveImgSrc, origin), nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	a := csp.Policy{}
	a.Set(csp.DirectiveDefaultSrc, []string{"'self'"})
	a.Set(csp.DirectiveScriptSrc, []string{"https://b.example.com", "'self'", "https://a.example.com"})

	b := csp.Policy{}
	b.Set(csp.DirectiveScriptSrc, []string{"https://a.example.com", "https://b.example.com", "'self'"})
	b.Set(csp.DirectiveDefaultSrc, []string{"'self'"})

	da, ra, err := Encode(a)
	if err != nil {
		t.Fatal(err)
	}
	db, rb, err := Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(da) != string(db) || ra != rb {
		t.Errorf("Encode() not deterministic:\n%s\n%s", da, db)
	}
	want := `{"default-src":"'self'","script-src":"'self' https://a.example.com https://b.example.com"}`
	if string(da) != want {
		t.Errorf("Encode() = %s, want %s", da, want)
	}
}

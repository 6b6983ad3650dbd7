package issues

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestRecordDeduplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "issues.txt")
	log := New(path)

	wrote, err := log.Record("Malicious URL found: https://bad.example in directive: script-src")
	if err != nil || !wrote {
		t.Fatalf("first Record() = %v, %v", wrote, err)
	}
	wrote, err = log.Record("Malicious URL found: https://bad.example in directive: script-src")
	if err != nil || wrote {
		t.Fatalf("duplicate Record() = %v, %v", wrote, err)
	}

	entries, err := log.Entries()
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Entries() = %v, want 1 entry", entries)
	}
}

func TestRecordSeesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.txt")
	if err := os.WriteFile(path, []byte("already here\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	wrote, err := New(path).Record("already here")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if wrote {
		t.Error("Record() rewrote an issue present on disk")
	}
}

func TestRecordConcurrent(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "issues.txt"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := log.Record("same issue"); err != nil {
				t.Errorf("Record() error = %v", err)
			}
		}()
	}
	wg.Wait()

	entries, _ := log.Entries()
	if len(entries) != 1 {
		t.Errorf("Entries() = %v, want exactly one", entries)
	}
}

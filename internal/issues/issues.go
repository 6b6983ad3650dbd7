// Package issues keeps the operator-facing record of rejected and suspicious
// sources. Each issue text is written once.
package issues

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log is an append-only, text-deduplicated issue file
type Log struct {
	path string

	mu     sync.Mutex
	seen   map[string]bool
	loaded bool
}

// New returns a Log backed by path. The file is created on first write.
func New(path string) *Log {
	return &Log{path: path}
}

// Path returns the backing file
func (l *Log) Path() string {
	return l.path
}

// Record appends issue unless the same text was recorded before. It reports
// whether a line was written.
func (l *Log) Record(issue string) (bool, error) {
	issue = strings.TrimSpace(strings.ReplaceAll(issue, "\n", " "))
	if issue == "" {
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(); err != nil {
		return false, err
	}
	if l.seen[issue] {
		return false, nil
	}

	if dir := filepath.Dir(l.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return false, fmt.Errorf("create issue directory: %w", err)
		}
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return false, fmt.Errorf("open issue log: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	if _, err := file.WriteString(issue + "\n"); err != nil {
		return false, fmt.Errorf("append issue: %w", err)
	}
	if err := file.Sync(); err != nil {
		return false, fmt.Errorf("sync issue log: %w", err)
	}

	l.seen[issue] = true
	return true, nil
}

// Entries returns every recorded issue in file order
func (l *Log) Entries() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readLines(l.path)
}

func (l *Log) load() error {
	if l.loaded {
		return nil
	}
	lines, err := readLines(l.path)
	if err != nil {
		return err
	}
	l.seen = make(map[string]bool, len(lines))
	for _, line := range lines {
		l.seen[line] = true
	}
	l.loaded = true
	return nil
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open issue log: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read issue log: %w", err)
	}
	return lines, nil
}

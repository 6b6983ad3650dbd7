package threat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Pirikara/cspgate/internal/admission"
	"github.com/Pirikara/cspgate/internal/cache"
	"github.com/Pirikara/cspgate/internal/csp"
	"github.com/Pirikara/cspgate/internal/issues"
	"github.com/Pirikara/cspgate/internal/logger"
)

type fakeReputation struct {
	mu         sync.Mutex
	detections map[string]int
	errs       map[string]error
	lookups    []string
	submitted  []string
}

func (f *fakeReputation) Lookup(_ context.Context, target string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, target)
	if err, ok := f.errs[target]; ok {
		return 0, err
	}
	return f.detections[target], nil
}

func (f *fakeReputation) Submit(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, target)
	return nil
}

func (f *fakeReputation) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lookups)
}

type fakeFetcher struct {
	contentType string
	bodies      map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, target string) (string, []byte, error) {
	body, ok := f.bodies[target]
	if !ok {
		return "", nil, errors.New("no such page")
	}
	return f.contentType, []byte(body), nil
}

func newTestGate(t *testing.T, rep Reputation, fetcher Fetcher, mode admission.Mode) (*Gate, *bytes.Buffer, *issues.Log) {
	t.Helper()
	audit := &bytes.Buffer{}
	log := issues.New(filepath.Join(t.TempDir(), "issues.txt"))
	g := NewGate(Config{
		Admission:  admission.NewEngine(mode, 2),
		Cache:      cache.NewVerdictCache(time.Hour),
		Limiter:    NewLimiter(100, time.Minute),
		Reputation: rep,
		Fetcher:    fetcher,
		Audit:      logger.NewLogger(audit, logger.LevelInfo),
		Issues:     log,
	})
	return g, audit, log
}

func TestGate_Check(t *testing.T) {
	rep := &fakeReputation{
		detections: map[string]int{
			"https://cdn.example.com": 0,
			"https://bad.example.com": 5,
			"https://one.example.com": 1,
		},
		errs: map[string]error{
			"https://new.example.com":  ErrNotFound,
			"https://down.example.com": ErrServiceUnavailable,
		},
	}
	g, audit, _ := newTestGate(t, rep, nil, admission.ModeAdmit)

	verdicts := g.CheckOrigins(context.Background(), csp.DirectiveImgSrc, []string{
		"https://cdn.example.com",
		"https://bad.example.com",
		"https://one.example.com",
		"https://new.example.com",
		"https://down.example.com",
		"'self'",
		"data:",
		"https://cdn.example.com",
	})
	g.Wait()

	want := map[string]admission.Status{
		"https://cdn.example.com":  admission.StatusSafe,
		"https://bad.example.com":  admission.StatusMalicious,
		"https://one.example.com":  admission.StatusSafe,
		"https://new.example.com":  admission.StatusUnknown,
		"https://down.example.com": admission.StatusUnknown,
		"'self'":                   admission.StatusSpecial,
		"data:":                    admission.StatusSpecial,
	}
	if len(verdicts) != len(want) {
		t.Fatalf("got %d verdicts, want %d (duplicates must collapse)", len(verdicts), len(want))
	}
	for _, v := range verdicts {
		if v.Status != want[v.Origin] {
			t.Errorf("%s: status = %s, want %s", v.Origin, v.Status, want[v.Origin])
		}
	}

	if len(rep.submitted) != 1 || rep.submitted[0] != "https://new.example.com" {
		t.Errorf("submitted = %v, want the not-found origin", rep.submitted)
	}

	admitted := g.Admitted(verdicts)
	for _, o := range admitted {
		if o == "https://bad.example.com" {
			t.Error("malicious origin admitted")
		}
	}
	if len(admitted) != 6 {
		t.Errorf("Admitted() = %v, want 6 origins", admitted)
	}

	lines := 0
	sc := bufio.NewScanner(audit)
	for sc.Scan() {
		var ev logger.VerdictEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("audit line not JSON: %v", err)
		}
		if ev.Event != "verdict" || ev.RequestID == "" {
			t.Errorf("audit event = %+v", ev)
		}
		lines++
	}
	if lines != len(want) {
		t.Errorf("audit lines = %d, want one per verdict (%d)", lines, len(want))
	}
}

func TestGate_CachesDefinitiveVerdicts(t *testing.T) {
	rep := &fakeReputation{
		detections: map[string]int{"https://cdn.example.com": 0},
		errs:       map[string]error{"https://down.example.com": ErrServiceUnavailable},
	}
	g, _, _ := newTestGate(t, rep, nil, admission.ModeAdmit)
	ctx := context.Background()

	first := g.Verify(ctx, csp.DirectiveScriptSrc, "https://cdn.example.com")
	second := g.Verify(ctx, csp.DirectiveScriptSrc, "https://cdn.example.com")
	if first.Cached || !second.Cached {
		t.Errorf("Cached flags = %v, %v; want false, true", first.Cached, second.Cached)
	}

	g.Verify(ctx, csp.DirectiveScriptSrc, "https://down.example.com")
	g.Verify(ctx, csp.DirectiveScriptSrc, "https://down.example.com")

	if got := rep.lookupCount(); got != 3 {
		t.Errorf("lookups = %d, want 3 (safe cached, unknown retried)", got)
	}

	// a different directive is a different cache key
	g.Verify(ctx, csp.DirectiveImgSrc, "https://cdn.example.com")
	if got := rep.lookupCount(); got != 4 {
		t.Errorf("lookups = %d, want 4", got)
	}
}

func TestGate_JSONPOverridesCleanReputation(t *testing.T) {
	rep := &fakeReputation{detections: map[string]int{"https://api.example.com": 0}}
	fetcher := &fakeFetcher{
		contentType: "text/plain",
		bodies: map[string]string{
			"https://api.example.com/feed": `handler({"items":[]}); eval(payload)`,
		},
	}
	g, _, log := newTestGate(t, rep, fetcher, admission.ModeAdmit)

	verdicts := g.Check(context.Background(), csp.DirectiveScriptSrc, []Candidate{
		{Origin: "https://api.example.com", URLs: []string{"https://api.example.com/feed"}},
	})
	if len(verdicts) != 1 {
		t.Fatalf("got %d verdicts", len(verdicts))
	}
	v := verdicts[0]
	if v.Status != admission.StatusJSONPVulnerable || !v.Status.Malicious() {
		t.Errorf("status = %s, want jsonp_vulnerable", v.Status)
	}
	if g.Admission().Admit(v) {
		t.Error("jsonp-vulnerable origin admitted")
	}
	if rep.lookupCount() != 0 {
		t.Error("reputation consulted after the heuristic already flagged the origin")
	}
	entries, err := log.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("issues = %v, want one JSONP entry", entries)
	}

	// the heuristic only applies to script-src
	imgVerdicts := g.Check(context.Background(), csp.DirectiveImgSrc, []Candidate{
		{Origin: "https://api.example.com", URLs: []string{"https://api.example.com/feed"}},
	})
	if imgVerdicts[0].Status != admission.StatusSafe {
		t.Errorf("img-src status = %s, want safe", imgVerdicts[0].Status)
	}
}

func TestGate_JSONPChecksEveryURLOnOrigin(t *testing.T) {
	tests := []struct {
		name   string
		urls   []string
		bodies map[string]string
	}{
		{
			name: "callback parameter on a later url",
			urls: []string{"https://cdn.example.com/a.js", "https://cdn.example.com/api?callback=evil"},
			bodies: map[string]string{
				"https://cdn.example.com/a.js": "(function(){var a=1;})();",
			},
		},
		{
			name: "dynamic code in a later body",
			urls: []string{"https://cdn.example.com/a.js", "https://cdn.example.com/b.js"},
			bodies: map[string]string{
				"https://cdn.example.com/a.js": "(function(){var a=1;})();",
				"https://cdn.example.com/b.js": "new Function(code)()",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &fakeReputation{detections: map[string]int{"https://cdn.example.com": 0}}
			fetcher := &fakeFetcher{contentType: "application/javascript", bodies: tt.bodies}
			g, _, _ := newTestGate(t, rep, fetcher, admission.ModeAdmit)

			// the same origin arriving twice is merged, not dropped
			verdicts := g.Check(context.Background(), csp.DirectiveScriptSrc, []Candidate{
				{Origin: "https://cdn.example.com", URLs: tt.urls[:1]},
				{Origin: "https://cdn.example.com", URLs: tt.urls[1:]},
			})
			if len(verdicts) != 1 {
				t.Fatalf("got %d verdicts, want 1", len(verdicts))
			}
			if verdicts[0].Status != admission.StatusJSONPVulnerable {
				t.Errorf("status = %s, want jsonp_vulnerable", verdicts[0].Status)
			}
			if g.Admission().Admit(verdicts[0]) {
				t.Error("origin with a JSONP endpoint admitted")
			}
		})
	}
}

func TestGate_CallbackURLOverridesCachedSafe(t *testing.T) {
	rep := &fakeReputation{detections: map[string]int{"https://cdn.example.com": 0}}
	g, _, _ := newTestGate(t, rep, nil, admission.ModeAdmit)
	ctx := context.Background()

	if v := g.Verify(ctx, csp.DirectiveScriptSrc, "https://cdn.example.com"); v.Status != admission.StatusSafe {
		t.Fatalf("first status = %s, want safe", v.Status)
	}
	verdicts := g.Check(ctx, csp.DirectiveScriptSrc, []Candidate{
		{Origin: "https://cdn.example.com", URLs: []string{"https://cdn.example.com/api?callback=evil"}},
	})
	if verdicts[0].Status != admission.StatusJSONPVulnerable || verdicts[0].Cached {
		t.Errorf("verdict = %+v, want fresh jsonp_vulnerable", verdicts[0])
	}
}

func TestGate_MaliciousRecordsIssueOnce(t *testing.T) {
	rep := &fakeReputation{detections: map[string]int{"https://bad.example.com": 9}}
	g, _, log := newTestGate(t, rep, nil, admission.ModeAdmit)

	g.Verify(context.Background(), csp.DirectiveScriptSrc, "https://bad.example.com")
	g.cache.Delete("https://bad.example.com", csp.DirectiveScriptSrc)
	g.Verify(context.Background(), csp.DirectiveScriptSrc, "https://bad.example.com")

	entries, err := log.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("issues = %v, want one deduplicated entry", entries)
	}
}

func TestGate_UnknownHandlingMode(t *testing.T) {
	tests := []struct {
		mode      admission.Mode
		wantAdmit bool
	}{
		{admission.ModeAdmit, true},
		{admission.ModeExclude, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			g, _, _ := newTestGate(t, nil, nil, tt.mode)
			v := g.Verify(context.Background(), csp.DirectiveImgSrc, "https://img.example.com")
			if v.Status != admission.StatusUnknown {
				t.Fatalf("status = %s, want unknown without a reputation service", v.Status)
			}
			if got := g.Admission().Admit(v); got != tt.wantAdmit {
				t.Errorf("Admit() = %v, want %v", got, tt.wantAdmit)
			}
		})
	}
}

func TestGate_CancelledWaitYieldsError(t *testing.T) {
	rep := &fakeReputation{}
	g := NewGate(Config{
		Limiter:    NewLimiter(1, time.Hour),
		Reputation: rep,
	})
	ctx := context.Background()
	g.Verify(ctx, csp.DirectiveImgSrc, "https://a.example.com")

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	v := g.Verify(cctx, csp.DirectiveImgSrc, "https://b.example.com")
	if v.Status != admission.StatusError {
		t.Errorf("status = %s, want error", v.Status)
	}
}

package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/Pirikara/cspgate/internal/config"
	"github.com/Pirikara/cspgate/internal/csp"
	"github.com/Pirikara/cspgate/internal/threat"
)

type fakeReputation struct {
	detections map[string]int
}

func (f *fakeReputation) Lookup(_ context.Context, target string) (int, error) {
	for prefix, n := range f.detections {
		if strings.HasPrefix(target, prefix) {
			return n, nil
		}
	}
	return 0, threat.ErrNotFound
}

func (f *fakeReputation) Submit(context.Context, string) error { return nil }

type staticFetcher struct{}

func (staticFetcher) Fetch(context.Context, string) (string, []byte, error) {
	return "application/javascript", []byte("(function(){var a=1;})();"), nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := config.Parse([]byte("data_dir: " + t.TempDir() + "\nreverify:\n  enabled: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(cfg, Options{
		Reputation: &fakeReputation{detections: map[string]int{
			"https://cdn.example.com":  0,
			"https://evil.example.net": 7,
		}},
		Fetcher: staticFetcher{},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_Generate(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head>
<script src="https://cdn.example.com/lib.js"></script>
<script src="https://evil.example.net/e.js"></script>
<script src="/local.js"></script>
</head><body></body></html>`)
	}))
	defer site.Close()

	e := newTestEngine(t)
	res, err := e.Generate(context.Background(), site.URL)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Crawl.Pages != 1 {
		t.Errorf("pages = %d, want 1", res.Crawl.Pages)
	}

	p := res.Snapshot.Policy
	if !p.Has(csp.DirectiveScriptSrc, "https://cdn.example.com") || !p.Has(csp.DirectiveScriptSrc, csp.SourceSelf) {
		t.Errorf("script-src = %q, want self and cdn", p.Value(csp.DirectiveScriptSrc))
	}
	if p.Has(csp.DirectiveScriptSrc, "https://evil.example.net") {
		t.Errorf("script-src = %q, malicious origin admitted", p.Value(csp.DirectiveScriptSrc))
	}
	if got := p.Value(csp.DirectiveImgSrc); got != csp.SourceNone {
		t.Errorf("img-src = %q, want 'none'", got)
	}

	entries, err := e.Issues.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.Contains(entries[0], "evil.example.net") {
		t.Errorf("issues = %v", entries)
	}

	audit, err := os.ReadFile(e.Config.DataPath(AuditFile))
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(audit), `"event":"verdict"`); n != 2 {
		t.Errorf("audit verdict lines = %d, want 2", n)
	}

	stored, err := e.Store.Read()
	if err != nil {
		t.Fatal(err)
	}
	if stored.Revision != res.Snapshot.Revision {
		t.Errorf("stored revision = %s, want %s", stored.Revision, res.Snapshot.Revision)
	}
}

func TestEngine_GenerateUsesRedirectedOrigin(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><script src="/app.js"></script></head></html>`)
	}))
	defer site.Close()
	entry := httptest.NewServer(http.RedirectHandler(site.URL+"/", http.StatusMovedPermanently))
	defer entry.Close()

	e := newTestEngine(t)
	res, err := e.Generate(context.Background(), entry.URL)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Crawl.Start != site.URL+"/" {
		t.Errorf("crawl start = %q, want %q", res.Crawl.Start, site.URL+"/")
	}
	if got := res.Verdicts[csp.DirectiveScriptSrc]; len(got) != 0 {
		t.Errorf("site's own script sent to the gate: %+v", got)
	}
	if got, want := res.Snapshot.Policy.Value(csp.DirectiveScriptSrc), "'self' 'report-sample'"; got != want {
		t.Errorf("script-src = %q, want %q", got, want)
	}
}

func TestEngine_GenerateFailureKeepsBaseline(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Generate(context.Background(), "not a url"); err == nil {
		t.Fatal("Generate() accepted an invalid site")
	}
	snap, err := e.Store.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Policy.Equal(e.Store.Baseline()) {
		t.Errorf("policy = %q, want baseline", snap.Header(""))
	}
}

func TestEngine_ReportsReachStoreAndQueue(t *testing.T) {
	e := newTestEngine(t)
	body := `{"csp-report":{"document-uri":"https://site.test/","violated-directive":"img-src","blocked-uri":"https://img.example.org/a.png"}}`

	req := httptest.NewRequest(http.MethodPost, csp.DefaultReportURI, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.Server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	snap, err := e.Store.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Policy.Has(csp.DirectiveImgSrc, "https://img.example.org") {
		t.Errorf("img-src = %q", snap.Policy.Value(csp.DirectiveImgSrc))
	}
	if e.Queue.Len() != 1 {
		t.Errorf("queue length = %d, want 1", e.Queue.Len())
	}
	if _, err := os.Stat(e.Config.DataPath(ViolationsFile)); err != nil {
		t.Errorf("violation log missing: %v", err)
	}
}

package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Pirikara/cspgate/internal/csp"
)

type fakeBoundary struct {
	mu      sync.Mutex
	reports []string
}

func (b *fakeBoundary) HeaderFor(nonce string) (string, string) {
	return csp.HeaderReportOnly, "default-src 'self'; report-uri /csp-report-endpoint"
}

func (b *fakeBoundary) Ingest(ctx context.Context, body []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, string(body))
	return 1
}

func (b *fakeBoundary) ReportPath() string { return csp.DefaultReportURI }

func startLearner(t *testing.T, site string, b Boundary) *http.Client {
	t.Helper()
	l, err := New(Config{
		Addr:     "127.0.0.1:0",
		Site:     site,
		Boundary: b,
		CertDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Stop() })

	proxyURL, _ := url.Parse("http://" + l.Addr())
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
}

func TestLearner_RewritesHTMLHeaders(t *testing.T) {
	var reached atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == csp.DefaultReportURI {
			reached.Add(1)
		}
		switch r.URL.Path {
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			w.Header().Set(csp.HeaderEnforce, "script-src 'none'")
			_, _ = io.WriteString(w, "void 0")
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set(csp.HeaderEnforce, "default-src 'none'")
			_, _ = io.WriteString(w, "<html></html>")
		}
	}))
	defer origin.Close()

	b := &fakeBoundary{}
	client := startLearner(t, "127.0.0.1", b)

	tests := []struct {
		path        string
		wantEnforce string
		wantReport  string
	}{
		{"/", "", "default-src 'self'; report-uri /csp-report-endpoint"},
		{"/app.js", "script-src 'none'", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := client.Get(origin.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if got := resp.Header.Get(csp.HeaderEnforce); got != tt.wantEnforce {
				t.Errorf("%s = %q, want %q", csp.HeaderEnforce, got, tt.wantEnforce)
			}
			if got := resp.Header.Get(csp.HeaderReportOnly); got != tt.wantReport {
				t.Errorf("%s = %q, want %q", csp.HeaderReportOnly, got, tt.wantReport)
			}
		})
	}

	resp, err := client.Post(origin.URL+csp.DefaultReportURI, "application/csp-report",
		strings.NewReader(`{"csp-report":{"violated-directive":"img-src"}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("report status = %d, want 204", resp.StatusCode)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.reports) != 1 || !strings.Contains(b.reports[0], "img-src") {
		t.Errorf("ingested = %v", b.reports)
	}
	if reached.Load() != 0 {
		t.Error("report reached the origin")
	}
}

func TestLearner_OtherHostsUntouched(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set(csp.HeaderEnforce, "default-src 'none'")
	}))
	defer origin.Close()

	client := startLearner(t, "site.test", &fakeBoundary{})
	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(csp.HeaderEnforce); got != "default-src 'none'" {
		t.Errorf("header = %q, want origin's own policy", got)
	}
	if got := resp.Header.Get(csp.HeaderReportOnly); got != "" {
		t.Errorf("report-only header injected for another host: %q", got)
	}
}

func TestNewCertManager_ReusesCA(t *testing.T) {
	dir := t.TempDir()
	first, err := NewCertManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ca-key.pem")); err != nil {
		t.Fatalf("CA key not written: %v", err)
	}
	second, err := NewCertManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	if first.CA().Leaf.SerialNumber.Cmp(second.CA().Leaf.SerialNumber) != 0 {
		t.Error("second manager generated a new CA instead of loading")
	}
}

func TestNew_RequiresSite(t *testing.T) {
	if _, err := New(Config{CertDir: t.TempDir()}); err == nil {
		t.Error("New() accepted an empty site")
	}
}

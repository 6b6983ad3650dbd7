// Package server is the HTTP boundary of the policy engine. It attaches the
// current policy to responses and feeds violation reports to the updater.
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/Pirikara/cspgate/internal/csp"
	"github.com/Pirikara/cspgate/internal/logger"
	"github.com/Pirikara/cspgate/internal/store"
	"github.com/Pirikara/cspgate/internal/updater"
)

const maxReportBody = 64 << 10

// PolicySource returns the current committed policy
type PolicySource interface {
	Read() (store.Snapshot, error)
}

// Reporter applies one violation report
type Reporter interface {
	Apply(ctx context.Context, r updater.Report) (updater.Result, error)
}

// Config wires a Server
type Config struct {
	Policy     PolicySource
	Reporter   Reporter
	Logger     *logger.Logger
	ReportURI  string
	ReportOnly bool
	Violations *ViolationLog
	// Upstream serves everything that is not an engine endpoint
	Upstream http.Handler
}

// Server serves the policy endpoints
type Server struct {
	policy     PolicySource
	reporter   Reporter
	logger     *logger.Logger
	reportURI  string
	reportPath string
	reportOnly bool
	violations *ViolationLog
	stats      *Stats
	upstream   http.Handler
}

// New creates a server
func New(cfg Config) *Server {
	reportURI := cfg.ReportURI
	if reportURI == "" {
		reportURI = csp.DefaultReportURI
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	return &Server{
		policy:     cfg.Policy,
		reporter:   cfg.Reporter,
		logger:     cfg.Logger,
		reportURI:  reportURI,
		reportPath: reportPath(reportURI),
		reportOnly: cfg.ReportOnly,
		violations: cfg.Violations,
		stats:      NewStats(),
		upstream:   cfg.Upstream,
	}
}

// reportPath reduces a configured report-uri to the path this server answers
func reportPath(reportURI string) string {
	u, err := url.Parse(reportURI)
	if err != nil || u.Path == "" {
		return csp.DefaultReportURI
	}
	return u.Path
}

// ReportPath returns where reports are accepted
func (s *Server) ReportPath() string {
	return s.reportPath
}

// Stats returns the violation counters
func (s *Server) Stats() *Stats {
	return s.stats
}

// Handler routes the report, policy and stats endpoints. Other paths go to
// the upstream handler, wrapped with the policy header.
func (s *Server) Handler() http.Handler {
	upstream := s.upstream
	if upstream == nil {
		upstream = http.NotFoundHandler()
	}
	protected := s.Protect(upstream)

	mux := http.NewServeMux()
	// the report path wins over the engine endpoints it collides with
	if s.reportPath != "/policy" {
		mux.HandleFunc("/policy", s.handlePolicy)
	}
	if s.reportPath != "/stats" {
		mux.HandleFunc("/stats", s.handleStats)
	}
	if s.reportPath == "/" {
		mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/" && r.Method == http.MethodPost {
				s.handleReport(w, r)
				return
			}
			protected.ServeHTTP(w, r)
		}))
		return mux
	}
	mux.HandleFunc(s.reportPath, s.handleReport)
	mux.Handle("/", protected)
	return mux
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonResponse(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportBody))
	if err != nil {
		s.logger.Warn("report_read_failed", "Could not read report body", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		s.Ingest(r.Context(), body)
	}
	// browsers never learn what happened to their report
	w.WriteHeader(http.StatusNoContent)
}

// Ingest parses a report body and applies every report in it. It returns the
// number of reports applied without error.
func (s *Server) Ingest(ctx context.Context, body []byte) int {
	requestID := uuid.New().String()
	reports, err := updater.ParseReports(body)
	if err != nil {
		s.stats.RecordMalformed()
		s.logger.Warn("report_malformed", "Dropping unusable violation report", map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
		return 0
	}

	applied := 0
	for _, rep := range reports {
		entry := Violation{
			RequestID:   requestID,
			BlockedURI:  rep.BlockedURI,
			DocumentURI: rep.DocumentURI,
		}
		res, err := s.reporter.Apply(ctx, rep)
		if err != nil {
			entry.Error = err.Error()
			if errors.Is(err, updater.ErrReportMalformed) {
				s.stats.RecordMalformed()
			} else {
				s.logger.Error("report_apply_failed", "Could not apply violation report", map[string]interface{}{
					"request_id": requestID,
					"error":      err.Error(),
				})
			}
		} else {
			applied++
			entry.Directive = string(res.Directive)
			entry.Outcome = string(res.Outcome)
			entry.Source = res.Source
			s.stats.Record(entry.Directive, res.Source, entry.Outcome)
		}
		if err := s.violations.Append(entry); err != nil {
			s.logger.Warn("violation_log_failed", "Could not append violation", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return applied
}

type policyResponse struct {
	Revision   string            `json:"revision"`
	HeaderName string            `json:"header_name"`
	Header     string            `json:"header"`
	Policy     map[string]string `json:"policy"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonResponse(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	snap := s.snapshot()
	jsonResponse(w, http.StatusOK, policyResponse{
		Revision:   snap.Revision,
		HeaderName: csp.HeaderName(s.reportOnly),
		Header:     snap.Header(""),
		Policy:     snap.Policy.Values(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonResponse(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	jsonResponse(w, http.StatusOK, s.stats.Snapshot())
}

// snapshot reads the committed policy, falling back to the baseline when
// the store cannot be read at all.
func (s *Server) snapshot() store.Snapshot {
	snap, err := s.policy.Read()
	if err != nil {
		s.logger.Error("policy_read_failed", "Serving baseline policy", map[string]interface{}{
			"error": err.Error(),
		})
		return store.Snapshot{Policy: csp.Baseline(s.reportURI)}
	}
	return snap
}

// HeaderFor renders the header name and value for one response
func (s *Server) HeaderFor(nonce string) (string, string) {
	return csp.HeaderName(s.reportOnly), s.snapshot().Header(nonce)
}

type nonceKey struct{}

// Protect sets the policy header with a fresh nonce on every response from
// next. The nonce is available to next through NonceFromContext.
func (s *Server) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nonce, err := NewNonce()
		if err != nil {
			s.logger.Error("nonce_failed", "Could not generate nonce", map[string]interface{}{
				"error": err.Error(),
			})
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		name, value := s.HeaderFor(nonce)
		w.Header().Set(name, value)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), nonceKey{}, nonce)))
	})
}

// NonceFromContext returns the request nonce set by Protect
func NonceFromContext(ctx context.Context) string {
	nonce, _ := ctx.Value(nonceKey{}).(string)
	return nonce
}

// NewNonce returns 128 random bits, base64 encoded
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func jsonResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package updater

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Pirikara/cspgate/internal/csp"
)

// ErrReportMalformed means a violation report could not be used
var ErrReportMalformed = errors.New("malformed violation report")

// Report is one CSP violation as posted by a browser
type Report struct {
	DocumentURI        string `json:"document-uri"`
	Referrer           string `json:"referrer,omitempty"`
	ViolatedDirective  string `json:"violated-directive"`
	EffectiveDirective string `json:"effective-directive,omitempty"`
	OriginalPolicy     string `json:"original-policy,omitempty"`
	Disposition        string `json:"disposition,omitempty"`
	BlockedURI         string `json:"blocked-uri"`
	ScriptSample       string `json:"script-sample,omitempty"`
	StatusCode         int    `json:"status-code,omitempty"`
}

type reportEnvelope struct {
	Report *Report `json:"csp-report"`
}

// reportingAPIEntry is one element of a Reporting API batch
type reportingAPIEntry struct {
	Type string `json:"type"`
	Body struct {
		DocumentURL        string `json:"documentURL"`
		Referrer           string `json:"referrer"`
		BlockedURL         string `json:"blockedURL"`
		EffectiveDirective string `json:"effectiveDirective"`
		OriginalPolicy     string `json:"originalPolicy"`
		Sample             string `json:"sample"`
		Disposition        string `json:"disposition"`
		StatusCode         int    `json:"statusCode"`
	} `json:"body"`
}

// ParseReports decodes a report body. It accepts the classic
// {"csp-report": {...}} document, a bare report object, and Reporting API
// batches of csp-violation entries.
func ParseReports(data []byte) ([]Report, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrReportMalformed)
	}

	if data[0] == '[' {
		var entries []reportingAPIEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReportMalformed, err)
		}
		var out []Report
		for _, e := range entries {
			if e.Type != "csp-violation" {
				continue
			}
			out = append(out, Report{
				DocumentURI:        e.Body.DocumentURL,
				Referrer:           e.Body.Referrer,
				ViolatedDirective:  e.Body.EffectiveDirective,
				EffectiveDirective: e.Body.EffectiveDirective,
				OriginalPolicy:     e.Body.OriginalPolicy,
				Disposition:        e.Body.Disposition,
				BlockedURI:         e.Body.BlockedURL,
				ScriptSample:       e.Body.Sample,
				StatusCode:         e.Body.StatusCode,
			})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: no csp-violation entries", ErrReportMalformed)
		}
		return out, nil
	}

	var env reportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReportMalformed, err)
	}
	if env.Report != nil {
		return []Report{*env.Report}, nil
	}
	var bare Report
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReportMalformed, err)
	}
	return []Report{bare}, nil
}

// Directive returns the directive the report is about. Element and attribute
// variants such as script-src-elem fold into their base directive.
func (r Report) Directive() (csp.Directive, error) {
	name := r.ViolatedDirective
	if strings.TrimSpace(name) == "" {
		name = r.EffectiveDirective
	}
	// CSP level 2 browsers append the policy value
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: no violated directive", ErrReportMalformed)
	}
	name = strings.ToLower(fields[0])
	name = strings.TrimSuffix(name, "-elem")
	name = strings.TrimSuffix(name, "-attr")

	d, ok := csp.ParseDirective(name)
	if !ok {
		return "", fmt.Errorf("%w: unsupported directive %q", ErrReportMalformed, name)
	}
	return d, nil
}

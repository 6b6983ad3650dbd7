package threat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound means the reputation service has never analysed the URL
	ErrNotFound = errors.New("reputation: url not found")
	// ErrServiceUnavailable covers every other reputation failure
	ErrServiceUnavailable = errors.New("reputation: service unavailable")
)

// Reputation looks up how many vendors flag a URL
type Reputation interface {
	Lookup(ctx context.Context, target string) (int, error)
	// Submit queues target for analysis so a later Lookup can find it
	Submit(ctx context.Context, target string) error
}

// DefaultVirusTotalURL is the v3 API root
const DefaultVirusTotalURL = "https://www.virustotal.com/api/v3"

// VirusTotal is a Reputation backed by the VirusTotal v3 URL API
type VirusTotal struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewVirusTotal creates a client. An empty baseURL uses the public API.
func NewVirusTotal(baseURL, apiKey string, timeout time.Duration) *VirusTotal {
	if baseURL == "" {
		baseURL = DefaultVirusTotalURL
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &VirusTotal{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type urlReport struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious int `json:"malicious"`
			} `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

// urlID is the unpadded URL-safe base64 identifier VirusTotal uses for URLs
func urlID(target string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(target))
}

// Lookup returns the malicious detection count for target
func (v *VirusTotal) Lookup(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/urls/"+urlID(target), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	req.Header.Set("x-apikey", v.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, ErrNotFound
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	}

	var report urlReport
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&report); err != nil {
		return 0, fmt.Errorf("%w: decode report: %v", ErrServiceUnavailable, err)
	}
	return report.Data.Attributes.LastAnalysisStats.Malicious, nil
}

// Submit asks VirusTotal to analyse target
func (v *VirusTotal) Submit(ctx context.Context, target string) error {
	form := url.Values{"url": {target}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/urls", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	req.Header.Set("x-apikey", v.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: submit status %d", ErrServiceUnavailable, resp.StatusCode)
	}
	return nil
}

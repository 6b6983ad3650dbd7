package threat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher retrieves a candidate's response for the JSONP heuristic
type Fetcher interface {
	Fetch(ctx context.Context, target string) (contentType string, body []byte, err error)
}

// DefaultBodyLimit caps how much of a response the heuristic reads
const DefaultBodyLimit = 1 << 20

// HTTPFetcher fetches over plain HTTP GET
type HTTPFetcher struct {
	httpClient *http.Client
	limit      int64
}

// NewHTTPFetcher creates a fetcher with a timeout and a body size cap
func NewHTTPFetcher(timeout time.Duration, limit int64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return &HTTPFetcher{
		httpClient: &http.Client{Timeout: timeout},
		limit:      limit,
	}
}

// Fetch returns the content type and at most limit bytes of the body
func (f *HTTPFetcher) Fetch(ctx context.Context, target string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.limit))
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", target, err)
	}
	return resp.Header.Get("Content-Type"), body, nil
}

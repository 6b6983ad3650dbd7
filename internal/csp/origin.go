package csp

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedURL is returned when a URL has no usable origin
var ErrMalformedURL = errors.New("malformed url")

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// Origin returns the scheme://host[:port] of an absolute URL. Default ports
// are dropped so that https://a.test:443/x and https://a.test/y agree.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedURL, rawURL, err)
	}
	return originOf(u, rawURL)
}

// ResolveOrigin resolves ref against base and returns the resulting origin
func ResolveOrigin(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedURL, ref, err)
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	return originOf(u, ref)
}

func originOf(u *url.URL, raw string) (string, error) {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if scheme == "" || host == "" {
		return "", fmt.Errorf("%w: %q has no origin", ErrMalformedURL, raw)
	}
	port := u.Port()
	if port == "" || defaultPorts[scheme] == port {
		return scheme + "://" + host, nil
	}
	return scheme + "://" + host + ":" + port, nil
}

// HashSource returns the 'sha256-…' source expression for an inline sample
func HashSource(sample string) string {
	sum := sha256.Sum256([]byte(sample))
	return "'sha256-" + base64.StdEncoding.EncodeToString(sum[:]) + "'"
}

// NonceSource returns the 'nonce-…' source expression for a nonce value
func NonceSource(nonce string) string {
	return "'nonce-" + nonce + "'"
}

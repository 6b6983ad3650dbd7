// Package proxy is the learning proxy. It sits between a browser and one
// site, attaches the current policy to that site's pages, and feeds the
// resulting violation reports to the updater.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/Pirikara/cspgate/internal/csp"
	"github.com/Pirikara/cspgate/internal/logger"
)

const maxReportBody = 64 << 10

// Boundary renders headers and ingests reports for the proxied site
type Boundary interface {
	HeaderFor(nonce string) (name, value string)
	Ingest(ctx context.Context, body []byte) int
	ReportPath() string
}

// Config represents learning proxy configuration
type Config struct {
	Addr string
	// Site is the hostname whose pages receive the policy
	Site     string
	Boundary Boundary
	Logger   *logger.Logger
	CertDir  string
}

// Learner is a MITM proxy for a single site
type Learner struct {
	addr        string
	site        string
	boundary    Boundary
	logger      *logger.Logger
	certManager *CertManager
	proxy       *goproxy.ProxyHttpServer

	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a learning proxy
func New(config Config) (*Learner, error) {
	if config.Site == "" {
		return nil, fmt.Errorf("no site to learn")
	}
	if config.Logger == nil {
		config.Logger = logger.Discard()
	}
	certManager, err := NewCertManager(config.CertDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create cert manager: %w", err)
	}

	l := &Learner{
		addr:        config.Addr,
		site:        strings.ToLower(config.Site),
		boundary:    config.Boundary,
		logger:      config.Logger,
		certManager: certManager,
		proxy:       goproxy.NewProxyHttpServer(),
	}
	l.proxy.Verbose = false
	l.setupHandlers()
	return l, nil
}

func (l *Learner) setupHandlers() {
	ca := l.certManager.CA()
	mitm := &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: goproxy.TLSConfigFromCA(&ca)}
	site := goproxy.ReqHostMatches(hostMatcher(l.site))

	// Only the learned site is decrypted; other CONNECTs fall through to a tunnel
	l.proxy.OnRequest(site).HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return mitm, host
		}))

	l.proxy.OnRequest(site).DoFunc(l.handleRequest)
	l.proxy.OnResponse(site).DoFunc(l.handleResponse)
}

// hostMatcher matches host with an optional port
func hostMatcher(host string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(host) + `(:\d+)?$`)
}

// handleRequest answers report posts itself so they never reach the site
func (l *Learner) handleRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if req.Method != http.MethodPost || req.URL.Path != l.boundary.ReportPath() {
		return req, nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxReportBody))
	_ = req.Body.Close()
	if err != nil {
		l.logger.Warn("report_read_failed", "Could not read proxied report", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		reqCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		applied := l.boundary.Ingest(reqCtx, body)
		cancel()
		l.logger.Debug("proxy_report", "Report consumed by proxy", map[string]interface{}{
			"applied": applied,
		})
	}
	resp := goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusNoContent, "")
	return req, resp
}

// handleResponse replaces the site's own policy on HTML pages with ours
func (l *Learner) handleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if resp == nil || !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return resp
	}
	resp.Header.Del(csp.HeaderEnforce)
	resp.Header.Del(csp.HeaderReportOnly)
	name, value := l.boundary.HeaderFor("")
	resp.Header.Set(name, value)
	return resp
}

// Start starts the proxy listener
func (l *Learner) Start() error {
	listener, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	l.listener = listener
	l.logger.Info("proxy_start", fmt.Sprintf("Learning proxy started on %s", listener.Addr()), map[string]interface{}{
		"site":    l.site,
		"ca_cert": l.certManager.CACertPath(),
	})

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_ = http.Serve(listener, l.proxy)
	}()
	return nil
}

// Stop stops the proxy
func (l *Learner) Stop() error {
	if l.listener != nil {
		_ = l.listener.Close()
	}
	l.wg.Wait()
	l.logger.Info("proxy_stop", "Learning proxy stopped", nil)
	return nil
}

// Addr returns the address the proxy is listening on
func (l *Learner) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.addr
}

// CACertPath returns the CA certificate browsers must trust
func (l *Learner) CACertPath() string {
	return l.certManager.CACertPath()
}

// Package engine owns one policy-engine instance: the policy store, the
// verdict cache, the reputation budget and every component that shares them.
// Independent instances never share state.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Pirikara/cspgate/internal/admission"
	"github.com/Pirikara/cspgate/internal/aggregate"
	"github.com/Pirikara/cspgate/internal/cache"
	"github.com/Pirikara/cspgate/internal/config"
	"github.com/Pirikara/cspgate/internal/crawl"
	"github.com/Pirikara/cspgate/internal/issues"
	"github.com/Pirikara/cspgate/internal/logger"
	"github.com/Pirikara/cspgate/internal/server"
	"github.com/Pirikara/cspgate/internal/store"
	"github.com/Pirikara/cspgate/internal/threat"
	"github.com/Pirikara/cspgate/internal/updater"
)

// Files kept in the data directory
const (
	AuditFile      = "audit.jsonl"
	VerdictDBFile  = "verdicts.db"
	IssuesFile     = "issues.txt"
	ViolationsFile = "violations.jsonl"
)

// Options carries what the configuration file does not
type Options struct {
	// APIKey enables the VirusTotal client
	APIKey string
	Logger *logger.Logger

	// Reputation and Fetcher replace the network clients, mainly for tests
	Reputation threat.Reputation
	Fetcher    threat.Fetcher
	// CrawlClient replaces the crawler's HTTP client
	CrawlClient *http.Client
	// Upstream receives requests the server does not answer itself
	Upstream http.Handler
}

// Engine wires the components around one store
type Engine struct {
	Config *config.Config
	Logger *logger.Logger

	Store      *store.Store
	Cache      *cache.VerdictCache
	Gate       *threat.Gate
	Issues     *issues.Log
	Queue      *updater.Queue
	Updater    *updater.Updater
	Aggregator *aggregate.Aggregator
	Crawler    *crawl.Crawler
	Server     *server.Server

	audit *os.File
}

// New opens the data directory and builds every component
func New(cfg *config.Config, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	if err := os.MkdirAll(cfg.DataPath(""), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	table, err := cfg.Table()
	if err != nil {
		return nil, err
	}

	auditFile, err := os.OpenFile(cfg.DataPath(AuditFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	verdicts, err := cache.OpenVerdictCache(cfg.DataPath(VerdictDBFile), cfg.Threat.CacheTTL)
	if err != nil {
		_ = auditFile.Close()
		return nil, err
	}

	st, err := store.New(cfg.PolicyPath(), cfg.ReportURI, log)
	if err != nil {
		_ = verdicts.Close()
		_ = auditFile.Close()
		return nil, err
	}

	reputation := opts.Reputation
	if reputation == nil && opts.APIKey != "" {
		reputation = threat.NewVirusTotal(cfg.Threat.ReputationURL, opts.APIKey, cfg.Threat.Timeout)
	}
	if reputation == nil {
		log.Warn("reputation_disabled", "No reputation API key, external origins are classified unknown", map[string]interface{}{
			"unknown_mode": cfg.Threat.Unknown,
		})
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = threat.NewHTTPFetcher(cfg.Threat.Timeout, cfg.Threat.JSONPBodyLimit)
	}

	limiter := threat.NewLimiter(cfg.Threat.RateLimit, cfg.Threat.RateWindow)
	limiter.OnWait = func(d time.Duration) {
		log.Info("rate_limit_wait", "Reputation budget exhausted, waiting", map[string]interface{}{
			"wait_ms": d.Milliseconds(),
		})
	}

	issueLog := issues.New(cfg.DataPath(IssuesFile))
	gate := threat.NewGate(threat.Config{
		Admission:  admission.NewEngine(cfg.Mode(), cfg.Threat.Threshold),
		Cache:      verdicts,
		Limiter:    limiter,
		Reputation: reputation,
		Fetcher:    fetcher,
		Logger:     log,
		Audit:      logger.NewLogger(auditFile, logger.LevelInfo),
		Issues:     issueLog,
	})

	var queue *updater.Queue
	if cfg.Reverify.On() {
		queue = updater.NewQueue(gate, st, log, cfg.Reverify.Interval)
	}
	upd := updater.New(st, issueLog, queue, log)

	e := &Engine{
		Config:     cfg,
		Logger:     log,
		Store:      st,
		Cache:      verdicts,
		Gate:       gate,
		Issues:     issueLog,
		Queue:      queue,
		Updater:    upd,
		Aggregator: aggregate.New(table, gate, st, log),
		Crawler: crawl.New(crawl.Options{
			MaxPages: cfg.Crawl.MaxPages,
			Timeout:  cfg.Crawl.Timeout,
			Table:    table,
			Client:   opts.CrawlClient,
			Logger:   log,
		}),
		audit: auditFile,
	}
	e.Server = server.New(server.Config{
		Policy:     st,
		Reporter:   upd,
		Logger:     log,
		ReportURI:  cfg.ReportURI,
		ReportOnly: cfg.ReportOnly,
		Violations: server.NewViolationLog(cfg.DataPath(ViolationsFile)),
		Upstream:   opts.Upstream,
	})
	return e, nil
}

// GenerateResult is the outcome of one crawl and aggregation
type GenerateResult struct {
	aggregate.Result
	Crawl crawl.Stats
}

// Generate crawls site and commits the gated policy. When the crawl fails
// the store is left holding at least the baseline.
func (e *Engine) Generate(ctx context.Context, site string) (GenerateResult, error) {
	resources, stats, err := e.Crawler.Crawl(ctx, site)
	if err != nil {
		if _, initErr := e.Store.InitializeDefault(); initErr != nil {
			e.Logger.Error("baseline_failed", "Could not seed baseline policy", map[string]interface{}{
				"error": initErr.Error(),
			})
		}
		return GenerateResult{}, fmt.Errorf("crawl %s: %w", site, err)
	}

	// resources on the redirected-to start page belong to the site itself
	base := site
	if stats.Start != "" {
		base = stats.Start
	}
	res, err := e.Aggregator.Aggregate(ctx, base, resources)
	if err != nil {
		return GenerateResult{}, err
	}
	e.Logger.Info("policy_generated", fmt.Sprintf("Generated policy for %s", site), map[string]interface{}{
		"pages":    stats.Pages,
		"skipped":  stats.Skipped,
		"revision": res.Snapshot.Revision,
	})
	return GenerateResult{Result: res, Crawl: stats}, nil
}

// RunReverify drains the re-verification queue until ctx is done. It returns
// at once when re-verification is disabled.
func (e *Engine) RunReverify(ctx context.Context) {
	if e.Queue == nil {
		return
	}
	e.Queue.Run(ctx)
}

// Close waits for pending submissions and releases files
func (e *Engine) Close() error {
	e.Gate.Wait()
	var firstErr error
	if err := e.Cache.Close(); err != nil {
		firstErr = err
	}
	if err := e.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DataFiles lists the files this engine writes, for print-config
func (e *Engine) DataFiles() map[string]string {
	return map[string]string{
		"policy":     e.Store.Path(),
		"audit":      e.Config.DataPath(AuditFile),
		"verdicts":   e.Config.DataPath(VerdictDBFile),
		"issues":     e.Issues.Path(),
		"violations": e.Config.DataPath(ViolationsFile),
	}
}

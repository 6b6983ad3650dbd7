package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Pirikara/cspgate/internal/admission"
	"github.com/Pirikara/cspgate/internal/category"
	"github.com/Pirikara/cspgate/internal/csp"
)

// Config represents the engine configuration
type Config struct {
	PolicyFile string           `yaml:"policy_file"`
	DataDir    string           `yaml:"data_dir"`
	ReportURI  string           `yaml:"report_uri"`
	ReportOnly bool             `yaml:"report_only"`
	Threat     ThreatConfig     `yaml:"threat"`
	Reverify   ReverifyConfig   `yaml:"reverify"`
	Crawl      CrawlConfig      `yaml:"crawl"`
	Server     ServerConfig     `yaml:"server"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Categories []category.Entry `yaml:"categories"`
}

// ThreatConfig configures the threat gate
type ThreatConfig struct {
	Threshold      int           `yaml:"threshold"`
	Unknown        string        `yaml:"unknown"`
	RateLimit      int           `yaml:"rate_limit"`
	RateWindow     time.Duration `yaml:"rate_window"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	ReputationURL  string        `yaml:"reputation_url"`
	Timeout        time.Duration `yaml:"timeout"`
	JSONPBodyLimit int64         `yaml:"jsonp_body_limit"`
}

// ReverifyConfig configures the re-verification worker. Enabled is a pointer
// so an omitted key keeps the default of on.
type ReverifyConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// On reports whether reported sources are re-verified
func (r ReverifyConfig) On() bool {
	return r.Enabled == nil || *r.Enabled
}

// CrawlConfig bounds a crawl
type CrawlConfig struct {
	MaxPages int           `yaml:"max_pages"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ServerConfig configures `cspgate serve`
type ServerConfig struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`
}

// ProxyConfig configures `cspgate proxy`
type ProxyConfig struct {
	Listen  string `yaml:"listen"`
	CertDir string `yaml:"cert_dir"`
}

// Load reads configuration with 3-level fallback:
// 1. Explicit path (--config flag)
// 2. Home directory (~/.cspgate/config.yaml)
// 3. Embedded default (passed as defaultData)
func Load(path string, defaultData []byte) (*Config, string, error) {
	data, source, err := read(path, defaultData)
	if err != nil {
		return nil, "", err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", source, err)
	}
	return cfg, source, nil
}

func read(path string, defaultData []byte) ([]byte, string, error) {
	// Level 1: Explicit path
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", err
		}
		return data, path, nil
	}

	// Level 2: Home directory
	if home, err := os.UserHomeDir(); err == nil {
		homeConfig := filepath.Join(home, ".cspgate", "config.yaml")
		if data, err := os.ReadFile(homeConfig); err == nil {
			return data, homeConfig, nil
		}
	}

	// Level 3: Embedded default
	return defaultData, "embedded", nil
}

// Parse decodes YAML, fills defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "~/.cspgate"
	}
	if c.PolicyFile == "" {
		c.PolicyFile = "csp.json"
	}
	if c.ReportURI == "" {
		c.ReportURI = csp.DefaultReportURI
	}
	if c.Threat.Threshold == 0 {
		c.Threat.Threshold = admission.DefaultThreshold
	}
	if c.Threat.Unknown == "" {
		c.Threat.Unknown = string(admission.ModeAdmit)
	}
	if c.Threat.RateLimit == 0 {
		c.Threat.RateLimit = 4
	}
	if c.Threat.RateWindow == 0 {
		c.Threat.RateWindow = time.Minute
	}
	if c.Threat.CacheTTL == 0 {
		c.Threat.CacheTTL = 24 * time.Hour
	}
	if c.Threat.Timeout == 0 {
		c.Threat.Timeout = 20 * time.Second
	}
	if c.Threat.JSONPBodyLimit == 0 {
		c.Threat.JSONPBodyLimit = 1 << 20
	}
	if c.Reverify.Interval == 0 {
		c.Reverify.Interval = 5 * time.Second
	}
	if c.Crawl.MaxPages == 0 {
		c.Crawl.MaxPages = 50
	}
	if c.Crawl.Timeout == 0 {
		c.Crawl.Timeout = 15 * time.Second
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Proxy.Listen == "" {
		c.Proxy.Listen = "127.0.0.1:8081"
	}
}

// Validate checks values that have no sensible fallback
func (c *Config) Validate() error {
	if _, ok := admission.ParseMode(c.Threat.Unknown); !ok {
		return fmt.Errorf("threat.unknown must be admit or exclude, got %q", c.Threat.Unknown)
	}
	if c.Threat.Threshold < 1 {
		return fmt.Errorf("threat.threshold must be at least 1, got %d", c.Threat.Threshold)
	}
	if c.Threat.RateLimit < 1 {
		return fmt.Errorf("threat.rate_limit must be at least 1, got %d", c.Threat.RateLimit)
	}
	if c.Threat.RateWindow < 0 || c.Threat.CacheTTL < 0 || c.Reverify.Interval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if u, err := url.Parse(c.ReportURI); err != nil {
		return fmt.Errorf("report_uri: %w", err)
	} else if u.Path == "/policy" || u.Path == "/stats" {
		return fmt.Errorf("report_uri path %q collides with a server endpoint", u.Path)
	}
	if _, err := c.Table(); err != nil {
		return err
	}
	return nil
}

// Mode returns the unknown-handling mode
func (c *Config) Mode() admission.Mode {
	mode, _ := admission.ParseMode(c.Threat.Unknown)
	return mode
}

// Table returns the category table, the built-in one when none is configured
func (c *Config) Table() (*category.Table, error) {
	if len(c.Categories) == 0 {
		return category.Default(), nil
	}
	return category.NewTable(c.Categories)
}

// DataPath resolves name inside the data directory. Absolute names are kept.
func (c *Config) DataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(expandHome(c.DataDir), name)
}

// PolicyPath is where the policy store lives
func (c *Config) PolicyPath() string {
	return c.DataPath(c.PolicyFile)
}

// CertDir is where the proxy keeps its CA
func (c *Config) CertDir() string {
	if c.Proxy.CertDir != "" {
		return expandHome(c.Proxy.CertDir)
	}
	return c.DataPath("certs")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Pirikara/cspgate/internal/admission"
	"github.com/Pirikara/cspgate/internal/config"
	"github.com/Pirikara/cspgate/internal/csp"
	"github.com/Pirikara/cspgate/internal/engine"
	"github.com/Pirikara/cspgate/internal/logger"
	"github.com/Pirikara/cspgate/internal/proxy"
)

// デフォルト設定ファイルを埋め込み
//go:embed config.yaml
var defaultConfigYAML []byte

var (
	// Global flags
	configPath string
	logLevel   string
	dataDir    string
	apiKey     string
	reportOnly bool
	maxPages   int
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cspgate",
		Short: "cspgate - Content-Security-Policy generator and updater",
		Long: `cspgate builds a Content-Security-Policy for a site by crawling it and
checking every external origin against a reputation service, then keeps the
policy current from the violation reports browsers send back.`,
		Example: `  cspgate generate https://example.com
  cspgate serve --upstream http://127.0.0.1:3000
  cspgate proxy https://example.com
  cspgate check script-src https://cdn.example.com`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ~/.cspgate/config.yaml, then built-in)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory for policy, caches and logs (default: ~/.cspgate)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "VirusTotal API key (can also use VIRUSTOTAL_APIKEY env var)")
	rootCmd.PersistentFlags().BoolVar(&reportOnly, "report-only", false, "Serve Content-Security-Policy-Report-Only regardless of config")

	rootCmd.AddCommand(newGenerateCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProxyCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newHeaderCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newPrintConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	cfg, source, err := config.Load(configPath, defaultConfigYAML)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if reportOnly {
		cfg.ReportOnly = true
	}
	if maxPages > 0 {
		cfg.Crawl.MaxPages = maxPages
	}
	return cfg, source, nil
}

func resolveAPIKey() string {
	if apiKey != "" {
		return apiKey
	}
	return os.Getenv("VIRUSTOTAL_APIKEY")
}

// openEngine loads config and builds an engine logging JSON lines to stderr
func openEngine(opts engine.Options) (*engine.Engine, error) {
	cfg, source, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.NewLogger(os.Stderr, logger.ParseLevel(logLevel))
	log.Debug("config_loaded", "Configuration loaded", map[string]interface{}{
		"source": source,
	})

	opts.APIKey = resolveAPIKey()
	opts.Logger = log
	e, err := engine.New(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	return e, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <url>",
		Short: "Crawl a site and commit a gated policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(engine.Options{})
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			res, err := e.Generate(ctx, args[0])
			if err != nil {
				_, _ = red.Printf("✗ Generation failed: %v\n", err)
				_, _ = yellow.Printf("  Baseline policy kept at %s\n", e.Store.Path())
				return err
			}

			_, _ = cyan.Printf("Crawled %d pages (%d skipped)\n", res.Crawl.Pages, res.Crawl.Skipped)
			for _, u := range res.Skipped {
				_, _ = yellow.Printf("  skipped malformed url: %s\n", u)
			}
			rejected := res.Rejected(e.Gate.Admission())
			for _, d := range sortedDirectives(rejected) {
				for _, origin := range rejected[d] {
					_, _ = red.Printf("✗ %s rejected from %s\n", origin, d)
				}
			}
			_, _ = green.Printf("✓ Policy committed to %s (revision %s)\n", e.Store.Path(), shortRevision(res.Snapshot.Revision))
			fmt.Printf("\n%s: %s\n", csp.HeaderName(e.Config.ReportOnly), res.Snapshot.Header(""))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "Maximum pages to crawl (default from config)")
	return cmd
}

func newServeCmd() *cobra.Command {
	var upstream, listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the report endpoint and attach the policy to an upstream site",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if upstream == "" {
				upstream = cfg.Server.Upstream
			}
			if listen == "" {
				listen = cfg.Server.Listen
			}

			var opts engine.Options
			if upstream != "" {
				target, err := url.Parse(upstream)
				if err != nil || target.Host == "" {
					return fmt.Errorf("invalid upstream %q", upstream)
				}
				opts.Upstream = httputil.NewSingleHostReverseProxy(target)
			}
			e, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()
			go e.RunReverify(ctx)

			srv := &http.Server{
				Addr:              listen,
				Handler:           e.Server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				e.Logger.Info("signal_received", "Shutting down", nil)
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = srv.Shutdown(shutdownCtx)
			}()

			e.Logger.Info("server_start", fmt.Sprintf("Serving on %s", listen), map[string]interface{}{
				"report_path": e.Server.ReportPath(),
				"upstream":    upstream,
			})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&upstream, "upstream", "", "Site to reverse proxy (default from config)")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config)")
	return cmd
}

func newProxyCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "proxy <url>",
		Short: "Learn a policy by browsing a site through a local MITM proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			site, err := url.Parse(args[0])
			if err != nil || site.Hostname() == "" {
				return fmt.Errorf("invalid site %q", args[0])
			}
			e, err := openEngine(engine.Options{})
			if err != nil {
				return err
			}
			defer e.Close()
			if listen == "" {
				listen = e.Config.Proxy.Listen
			}

			learner, err := proxy.New(proxy.Config{
				Addr:     listen,
				Site:     site.Hostname(),
				Boundary: e.Server,
				Logger:   e.Logger,
				CertDir:  e.Config.CertDir(),
			})
			if err != nil {
				return fmt.Errorf("failed to create proxy: %w", err)
			}
			if err := learner.Start(); err != nil {
				return err
			}
			defer learner.Stop()

			ctx, cancel := signalContext()
			defer cancel()
			go e.RunReverify(ctx)

			_, _ = green.Printf("✓ Proxy listening on http://%s\n", learner.Addr())
			_, _ = cyan.Printf("  Trust %s in your browser, then browse %s\n", learner.CACertPath(), site.Hostname())
			<-ctx.Done()
			e.Logger.Info("signal_received", "Shutting down", nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <directive> <origin...>",
		Short: "Run origins through the threat gate",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			directive, ok := csp.ParseDirective(args[0])
			if !ok {
				return fmt.Errorf("unknown directive %q", args[0])
			}
			e, err := openEngine(engine.Options{})
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signalContext()
			defer cancel()

			decider := e.Gate.Admission()
			for _, v := range e.Gate.CheckOrigins(ctx, directive, args[1:]) {
				result := decider.Evaluate(v)
				line := fmt.Sprintf("%s %s (%s, %d detections)", v.Origin, result.Decision, v.Status, v.DetectionCount)
				switch {
				case result.Decision == admission.DecisionReject:
					_, _ = red.Println("✗ " + line)
				case v.Status == admission.StatusSafe || v.Status == admission.StatusSpecial:
					_, _ = green.Println("✓ " + line)
				default:
					_, _ = yellow.Println("? " + line)
				}
				for _, reason := range v.Reasons {
					fmt.Printf("    %s\n", reason)
				}
			}
			return nil
		},
	}
}

func newHeaderCmd() *cobra.Command {
	var nonce string
	cmd := &cobra.Command{
		Use:   "header",
		Short: "Print the header for the committed policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(engine.Options{})
			if err != nil {
				return err
			}
			defer e.Close()

			name, value := e.Server.HeaderFor(nonce)
			_, _ = cyan.Printf("%s: ", name)
			fmt.Println(value)
			return nil
		},
	}
	cmd.Flags().StringVar(&nonce, "nonce", "", "Nonce to render into script-src and style-src")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Seed the baseline policy when none is stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(engine.Options{})
			if err != nil {
				return err
			}
			defer e.Close()

			snap, err := e.Store.InitializeDefault()
			if err != nil {
				return err
			}
			_, _ = green.Printf("✓ Policy at %s (revision %s)\n", e.Store.Path(), shortRevision(snap.Revision))
			return nil
		},
	}
}

func newPrintConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, source, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("# source: %s\n", source)
			fmt.Printf("# policy: %s\n", cfg.PolicyPath())
			fmt.Printf("# api key: %s\n", func() string {
				if apiKey != "" {
					return "[set]"
				}
				if os.Getenv("VIRUSTOTAL_APIKEY") != "" {
					return "[from VIRUSTOTAL_APIKEY env]"
				}
				return "[not set]"
			}())
			fmt.Print(string(out))
			return nil
		},
	}
}

func sortedDirectives(m map[csp.Directive][]string) []csp.Directive {
	out := make([]csp.Directive, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

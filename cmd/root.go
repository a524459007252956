package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"llmbench/internal/banner"
	"llmbench/internal/cli"
	"llmbench/internal/config"
	"llmbench/internal/logging"
	"llmbench/internal/promquery"
	"llmbench/internal/report"
	"llmbench/internal/runner"
	"llmbench/internal/stats"
	"llmbench/internal/telemetry"
	"llmbench/internal/tui"
)

var (
	cfgFile  string
	headless bool
)

var rootCmd = &cobra.Command{
	Use:   "llmbench",
	Short: "llmbench - load testing for LLM inference servers",
	Long: `
llmbench drives an OpenAI-compatible streaming endpoint with closed-loop
(fixed concurrency) or open-loop (fixed arrival rate) traffic and reports
latency, time to first token and throughput.

It supports two display modes:
1. TUI Mode (Default on a terminal): live dashboard
2. CLI Mode (Headless): progress line, for CI/CD usage`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoadTest(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single load test (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoadTest(cmd.Context())
	},
}

func Execute() {
	// Custom Help with Banner
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(repeatCmd)
	rootCmd.AddCommand(dummyCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.llmbench.yaml)")
	pf.BoolVar(&headless, "headless", false, "Disable the TUI even on a terminal")

	pf.StringP("url", "u", "", "Target base URL, e.g. http://localhost:8000/v1")
	pf.StringP("model", "m", "", "Model name sent with every request")
	pf.String("api-key", "", "Bearer token for the target")
	pf.Bool("insecure", false, "Skip TLS certificate verification")

	pf.String("mode", "", "Traffic mode: closed or open")
	pf.UintP("concurrency", "c", 0, "Requests kept in flight (closed loop)")
	pf.Float64P("rps", "r", 0, "Requests started per second (open loop)")

	pf.UintP("requests", "n", 0, "Measured requests per run")
	pf.Uint("warmup", 0, "Warmup requests, excluded from results")
	pf.Duration("timeout", 0, "Per-request timeout")
	pf.Duration("max-duration", 0, "Wall-clock budget per run (0 = none)")
	pf.String("shutdown", "", "On cancel: drain or abandon in-flight requests")
	pf.Bool("preflight", true, "Probe the target before warmup")

	pf.String("prompt-kind", "", "Prompt source: synthetic, fixed or file")
	pf.StringP("prompt", "p", "", "Prompt text (fixed)")
	pf.Int("input-tokens", 0, "Approximate prompt length (synthetic)")
	pf.Int("output-tokens", 0, "max_tokens sent with each request")
	pf.String("prompt-file", "", "File with one prompt per line")
	pf.Int64("seed", 0, "Seed for prompt generation")

	pf.StringP("out", "o", "", "Output filename prefix for reports")
	pf.String("prometheus-url", "", "Prometheus server to pull vLLM metrics from after each run")
	pf.String("metrics-addr", "", "Expose client-side metrics on this address, e.g. :9091")

	pf.String("log-level", "", "debug, info, warn or error")
	pf.Bool("log-dev", false, "Development (console) log encoding")

	bind(pf.Lookup, map[string]string{
		"url":            "target.base_url",
		"model":          "target.model",
		"api-key":        "target.api_key",
		"insecure":       "target.insecure",
		"mode":           "traffic.mode",
		"concurrency":    "traffic.concurrency",
		"rps":            "traffic.rps",
		"requests":       "requests.total",
		"warmup":         "requests.warmup",
		"timeout":        "requests.timeout",
		"max-duration":   "run.max_duration",
		"shutdown":       "run.shutdown",
		"preflight":      "run.preflight",
		"prompt-kind":    "prompt.kind",
		"prompt":         "prompt.text",
		"input-tokens":   "prompt.input_tokens",
		"output-tokens":  "prompt.output_tokens",
		"prompt-file":    "prompt.file",
		"seed":           "prompt.seed",
		"out":            "report.out",
		"prometheus-url": "report.prometheus_url",
		"metrics-addr":   "report.metrics_addr",
		"log-level":      "log.level",
		"log-dev":        "log.development",
	})
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".llmbench")
		}
	}

	viper.SetEnvPrefix("LLMBENCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintln(os.Stderr, "❌ config:", err)
		os.Exit(1)
	}
}

// useTUI is decided once: only an interactive terminal gets the dashboard.
func useTUI() bool {
	return !headless && isatty.IsTerminal(os.Stdout.Fd())
}

func newLogger(s config.Settings, tuiMode bool) (*zap.Logger, error) {
	if tuiMode {
		// keep the alt screen clean
		return logging.New(s.Log.Level, s.Log.Development, filepath.Join(os.TempDir(), "llmbench.log"))
	}
	return logging.New(s.Log.Level, s.Log.Development)
}

func loadSettings() (config.Settings, config.LoadTestConfig, error) {
	s, err := config.Load(viper.GetViper())
	if err != nil {
		return s, config.LoadTestConfig{}, err
	}
	cfg, err := s.Resolve()
	return s, cfg, err
}

// runnerOptions wires the shared HTTP client and the optional metrics
// endpoint. The endpoint lives as long as ctx.
func runnerOptions(ctx context.Context, s config.Settings, cfg config.LoadTestConfig, log *zap.Logger) []runner.Option {
	maxConns := 2000
	if c, ok := cfg.Traffic.(config.ClosedLoop); ok && int(c.Concurrency) > maxConns {
		maxConns = int(c.Concurrency)
	}

	opts := []runner.Option{
		runner.WithHTTPClient(runner.NewHTTPClient(maxConns, s.Target.Insecure)),
		runner.WithLogger(log),
		runner.WithUpdates(make(runner.StatsUpdateChan, 100)),
	}

	if s.Report.MetricsAddr != "" {
		m := telemetry.NewMetrics()
		opts = append(opts, runner.WithObserver(m))
		go func() {
			if err := m.Serve(ctx, s.Report.MetricsAddr, log); err != nil {
				log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}
	return opts
}

func collectServerMetrics(s config.Settings, start, end time.Time, log *zap.Logger) *promquery.ServerMetrics {
	if s.Report.PrometheusURL == "" {
		return nil
	}

	c, err := promquery.NewCollector(s.Report.PrometheusURL, log)
	if err != nil {
		log.Warn("prometheus collector unavailable", zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m := c.Collect(ctx, start, end)
	return &m
}

func runLoadTest(parent context.Context) error {
	s, cfg, err := loadSettings()
	if err != nil {
		return err
	}

	tuiMode := useTUI()
	log, err := newLogger(s, tuiMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := runner.NewRunner(cfg, runnerOptions(ctx, s, cfg, log)...)
	if err != nil {
		return err
	}

	var run *runner.Run
	if tuiMode {
		run, err = tui.Run(ctx, r)
	} else {
		cli.PrintHeader(cfg)
		run, err = cli.Run(ctx, r)
	}
	if errors.Is(err, tui.ErrQuit) {
		fmt.Println("Run stopped before it finished, no summary.")
		return nil
	}
	if err != nil {
		return err
	}

	summary := run.Summary()
	cli.PrintSummary(summary, run)

	server := collectServerMetrics(s, run.StartedAt, run.EndedAt, log)
	if server != nil {
		cli.PrintServerMetrics(*server)
	}

	return writeRunReports(s.Report.Out, cfg, run, summary, server)
}

func writeRunReports(prefix string, cfg config.LoadTestConfig, run *runner.Run, summary stats.RunSummary, server *promquery.ServerMetrics) error {
	if prefix == "" {
		return nil
	}

	fmt.Printf("\n💾 Generating reports with prefix: %s\n", prefix)
	if err := report.WriteJSONFile(prefix+"_summary.json", summary); err != nil {
		return err
	}
	if err := report.ExportCSVFile(prefix+".csv", run.Results); err != nil {
		return err
	}
	if err := os.WriteFile(prefix+".md", []byte(report.RunMarkdown(cfg, summary)), 0644); err != nil {
		return err
	}
	if server != nil {
		if err := report.WriteJSONFile(prefix+"_server.json", server); err != nil {
			return err
		}
	}
	fmt.Printf("✅ Reports saved to %s{_summary.json,.csv,.md}\n", prefix)
	return nil
}

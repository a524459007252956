package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"llmbench/internal/cli"
	"llmbench/internal/repro"
	"llmbench/internal/report"
	"llmbench/internal/runner"
	"llmbench/internal/stats"
	"llmbench/internal/storage"
)

var repeatCmd = &cobra.Command{
	Use:   "repeat",
	Short: "Run the same load test several times and check run-to-run variation",
	Long: `Runs the configured load test N times with a cooldown in between and
reports mean, standard deviation and coefficient of variation of throughput,
P95 latency and P95 TTFT. The set is reproducible when every CV is below the
threshold.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cfg, err := loadSettings()
		if err != nil {
			return err
		}

		log, err := newLogger(s, false)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := storage.NewStore()
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		defer store.Close()
		log.Debug("session store", zap.String("path", store.Path()))

		var stopWatch func()
		h, err := repro.NewHarness(cfg,
			repro.WithRunnerOptions(runnerOptions(ctx, s, cfg, log)...),
			repro.WithCooldown(s.Repro.Cooldown),
			repro.WithThreshold(s.Repro.CVThreshold),
			repro.WithStore(store),
			repro.WithLogger(log),
			repro.OnRunStart(func(idx int, r *runner.Runner) {
				fmt.Printf("\n▶ Run %d/%d\n", idx+1, s.Repro.Repetitions)
				stopWatch = cli.Watch(r)
			}),
			repro.OnRunDone(func(idx int, sum stats.RunSummary) {
				stopWatch()
				stopWatch = nil
				fmt.Printf("  %.2f req/s, P95 %.1fms, %d failed\n",
					sum.ThroughputRps, sum.LatencyStats.P95, sum.FailureCount)
			}),
		)
		if err != nil {
			return err
		}

		cli.PrintHeader(cfg)
		rep, err := h.Repeat(ctx, s.Repro.Repetitions)
		if stopWatch != nil {
			stopWatch()
		}
		if err != nil {
			return err
		}

		cli.PrintRepro(rep)

		if prefix := s.Report.Out; prefix != "" {
			if err := report.WriteJSONFile(prefix+"_repro.json", rep); err != nil {
				return err
			}
			if err := os.WriteFile(prefix+"_repro.md", []byte(report.ReproMarkdown(rep)), 0644); err != nil {
				return err
			}
			fmt.Printf("✅ Reports saved to %s_repro{.json,.md}\n", prefix)
		}
		return nil
	},
}

func init() {
	f := repeatCmd.Flags()
	f.UintP("times", "t", 0, "Number of repetitions")
	f.Duration("cooldown", 0, "Pause between repetitions")
	f.Float64("cv-threshold", 0, "Maximum coefficient of variation (fraction, 0.10 = 10%)")

	bind(f.Lookup, map[string]string{
		"times":        "repro.repetitions",
		"cooldown":     "repro.cooldown",
		"cv-threshold": "repro.cv_threshold",
	})
}

// bind maps flags onto viper keys so config file and env stay in play
// for anything not set on the command line.
func bind(lookup func(string) *pflag.Flag, keys map[string]string) {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, lookup(flag)); err != nil {
			panic(err)
		}
	}
}

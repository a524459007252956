package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"llmbench/internal/config"
	"llmbench/internal/promquery"
	"llmbench/internal/repro"
	"llmbench/internal/runner"
	"llmbench/internal/stats"
)

const rule = "======================================================================"

// Watch prints a progress line for r until the returned stop is called.
func Watch(r *runner.Runner) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)

		// Start Monitor Loop
		ticker := time.NewTicker(200 * time.Millisecond) // Faster updates for progress bar
		defer ticker.Stop()

		for {
			select {
			case <-r.Updates:
				// Drain updates
			case <-ticker.C:
				fmt.Printf("\r%s", progressLine(r.Snapshot()))
			case <-done:
				fmt.Printf("\r%s\n", progressLine(r.Snapshot()))
				return
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// Run executes r while printing its progress.
func Run(ctx context.Context, r *runner.Runner) (*runner.Run, error) {
	stop := Watch(r)
	run, err := r.Run(ctx)
	stop()
	return run, err
}

func progressLine(s runner.StatsSnapshot) string {
	switch s.Phase {
	case runner.PhasePreflight:
		return "Probing target...                                                    "
	case runner.PhaseWarmup:
		pct := ratio(s.WarmupCompleted, s.WarmupTotal)
		return fmt.Sprintf("Warmup %s %3.0f%% | %d/%d | Inf: %3d          ",
			progressBar(pct, 20), pct*100, s.WarmupCompleted, s.WarmupTotal, s.Inflight)
	}

	pct := ratio(s.Requests, s.Total)
	rps := 0.0
	if s.Elapsed > 0 {
		rps = float64(s.Requests) / s.Elapsed.Seconds()
	}

	if s.Phase == runner.PhaseMeasure && s.Issued >= s.Total && s.Inflight > 0 {
		return fmt.Sprintf("%s %3.0f%% | %s | Draining: %d requests...          ",
			progressBar(pct, 20), pct*100, s.Elapsed.Round(time.Second), s.Inflight)
	}
	return fmt.Sprintf("%s %3.0f%% | %d/%d | %s | Inf: %3d | RPS: %.1f | OK: %d | Err: %d | TTFT p50: %.0fms",
		progressBar(pct, 20), pct*100,
		s.Requests, s.Total,
		s.Elapsed.Round(time.Second),
		s.Inflight, rps, s.Success, s.Fail, s.P50TTFTMs,
	)
}

func ratio(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func PrintHeader(cfg config.LoadTestConfig) {
	fmt.Printf("\n🚀 STARTING LLMBENCH LOAD TEST\n")
	fmt.Printf("%s\n", rule)
	fmt.Printf("Target URL : %s\n", cfg.Target.ChatURL())
	fmt.Printf("Model      : %s\n", cfg.Target.Model)
	fmt.Printf("Traffic    : %s\n", cfg.Traffic)
	fmt.Printf("Requests   : %d (+%d warmup)\n", cfg.TotalRequests, cfg.WarmupRequests)
	fmt.Printf("Prompt     : %s\n", cfg.Prompt.Kind)
	fmt.Printf("Timeout    : %s\n", cfg.RequestTimeout)
	fmt.Printf("%s\n\n", rule)
}

func PrintSummary(s stats.RunSummary, run *runner.Run) {
	fmt.Printf("\n📊 LOAD TEST RESULTS\n")
	fmt.Printf("%s\n", rule)
	if run != nil && run.Cancelled {
		fmt.Printf("⚠️  Run cancelled: %d of the configured requests were issued\n", run.Issued)
	}
	fmt.Printf("Duration       : %.2fs\n", s.DurationSeconds)
	fmt.Printf("Requests       : %d\n", s.Total())
	fmt.Printf("Success        : %d\n", s.SuccessCount)
	fmt.Printf("Failures       : %d\n", s.FailureCount)
	fmt.Printf("Throughput     : %.2f req/s\n", s.ThroughputRps)
	fmt.Printf("Tokens         : %.2f tok/s (%d generated)\n", s.TokenThroughput, s.TotalCompletionTokens)
	if run != nil {
		fmt.Printf("Peak in-flight : %d\n", run.PeakInFlight)
	}

	printDistribution("LATENCY", s.LatencyStats)
	printDistribution("TIME TO FIRST TOKEN", s.TTFTStats)

	if len(s.FailuresByKind) > 0 {
		fmt.Printf("\n❌ FAILURE SUMMARY\n")
		kinds := make([]string, 0, len(s.FailuresByKind))
		for k := range s.FailuresByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("   %d x %s\n", s.FailuresByKind[k], k)
		}
	}
	fmt.Printf("%s\n", rule)
}

func printDistribution(title string, d stats.Distribution) {
	fmt.Printf("\n⏱️  %s (ms) [Success Only]\n", title)
	if !d.Valid() {
		fmt.Printf("   n/a\n")
		return
	}
	fmt.Printf("   Avg : %.2f\n", d.Avg)
	fmt.Printf("   P50 : %.2f\n", d.P50)
	fmt.Printf("   P95 : %.2f\n", d.P95)
	fmt.Printf("   P99 : %.2f\n", d.P99)
	fmt.Printf("   Min : %.2f\n", d.Min)
	fmt.Printf("   Max : %.2f\n", d.Max)
}

func PrintRepro(r *repro.Report) {
	fmt.Printf("\n🔁 REPRODUCIBILITY (%d runs)\n", len(r.Runs))
	fmt.Printf("%s\n", rule)
	for i, s := range r.Runs {
		fmt.Printf("Run %-3d: %8.2f req/s | p95 %8.1fms | TTFT p95 %8.1fms | fail %d\n",
			i+1, s.ThroughputRps, s.LatencyStats.P95, s.TTFTStats.P95, s.FailureCount)
	}
	fmt.Printf("\n%-18s %10s %10s %8s\n", "", "mean", "stddev", "cv")
	printMetric("Throughput (rps)", r.Throughput)
	printMetric("Latency p95 (ms)", r.LatencyP95)
	printMetric("TTFT p95 (ms)", r.TTFTP95)

	if r.Reproducible {
		fmt.Printf("\n✅ Reproducible: throughput CV %.2f%% <= %.2f%%\n", r.Throughput.CV*100, r.CVThreshold*100)
	} else {
		fmt.Printf("\n⚠️  Variance too high: throughput CV %.2f%% > %.2f%%\n", r.Throughput.CV*100, r.CVThreshold*100)
	}
	fmt.Printf("%s\n", rule)
}

func printMetric(name string, m repro.MetricStats) {
	fmt.Printf("%-18s %10.2f %10.2f %7.2f%%\n", name, m.Mean, m.Stddev, m.CV*100)
}

func PrintServerMetrics(m promquery.ServerMetrics) {
	fmt.Printf("\n🖥️  SERVER METRICS (Prometheus)\n")
	names := make([]string, 0, len(m.Metrics))
	for k := range m.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := m.Metrics[name]; v != nil {
			fmt.Printf("   %-20s %.4f\n", name, *v)
		} else {
			fmt.Printf("   %-20s n/a\n", name)
		}
	}
}

package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"llmbench/internal/config"
	"llmbench/internal/repro"
	"llmbench/internal/result"
	"llmbench/internal/stats"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WriteJSON writes v indented. Field names come from the struct tags of
// RunSummary and repro.Report.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteJSONFile writes v to filename, or to stdout when filename is "-".
func WriteJSONFile(filename string, v any) error {
	if filename == "-" {
		return WriteJSON(os.Stdout, v)
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := WriteJSON(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ms(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func distributionRow(b *strings.Builder, name string, d stats.Distribution) {
	if !d.Valid() {
		fmt.Fprintf(b, "| %s | - | - | - | - | - | - |\n", name)
		return
	}
	fmt.Fprintf(b, "| %s | %s | %s | %s | %s | %s | %s |\n",
		name, ms(d.Avg), ms(d.P50), ms(d.P95), ms(d.P99), ms(d.Min), ms(d.Max))
}

// RunMarkdown renders one run for humans.
func RunMarkdown(cfg config.LoadTestConfig, s stats.RunSummary) string {
	var b strings.Builder

	b.WriteString("# Load test results\n\n")
	fmt.Fprintf(&b, "- Target: `%s` (model `%s`)\n", cfg.Target.ChatURL(), cfg.Target.Model)
	fmt.Fprintf(&b, "- Traffic: %s\n", cfg.Traffic)
	fmt.Fprintf(&b, "- Requests: %d measured, %d warmup\n\n", cfg.TotalRequests, cfg.WarmupRequests)

	b.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Duration (s) | %.2f |\n", s.DurationSeconds)
	fmt.Fprintf(&b, "| Success | %d |\n", s.SuccessCount)
	fmt.Fprintf(&b, "| Failures | %d |\n", s.FailureCount)
	fmt.Fprintf(&b, "| Success rate | %.1f%% |\n", s.SuccessRate*100)
	fmt.Fprintf(&b, "| Throughput (req/s) | %.2f |\n", s.ThroughputRps)
	fmt.Fprintf(&b, "| Token throughput (tok/s) | %.2f |\n\n", s.TokenThroughput)

	b.WriteString("| Latency (ms) | avg | p50 | p95 | p99 | min | max |\n|---|---|---|---|---|---|---|\n")
	distributionRow(&b, "End-to-end", s.LatencyStats)
	distributionRow(&b, "TTFT", s.TTFTStats)

	if len(s.FailuresByKind) > 0 {
		b.WriteString("\n## Failures\n\n| Kind | Count |\n|---|---|\n")
		for _, k := range sortedKeys(s.FailuresByKind) {
			fmt.Fprintf(&b, "| %s | %d |\n", k, s.FailuresByKind[k])
		}
	}
	return b.String()
}

// ReproMarkdown renders a run set and its variance.
func ReproMarkdown(r *repro.Report) string {
	var b strings.Builder

	b.WriteString("# Reproducibility report\n\n")
	fmt.Fprintf(&b, "Run set `%s`: %d runs", r.RunID, len(r.Runs))
	if r.Cancelled {
		b.WriteString(" (cancelled early)")
	}
	b.WriteString("\n\n")

	b.WriteString("| Run | Throughput (req/s) | Latency p95 (ms) | TTFT p95 (ms) | Failures |\n|---|---|---|---|---|\n")
	for i, s := range r.Runs {
		fmt.Fprintf(&b, "| %d | %.2f | %s | %s | %d |\n",
			i+1, s.ThroughputRps, p95(s.LatencyStats), p95(s.TTFTStats), s.FailureCount)
	}

	b.WriteString("\n| Metric | Mean | Stddev | CV |\n|---|---|---|---|\n")
	metricRow(&b, "Throughput (req/s)", r.Throughput)
	metricRow(&b, "Latency p95 (ms)", r.LatencyP95)
	metricRow(&b, "TTFT p95 (ms)", r.TTFTP95)

	verdict := "REPRODUCIBLE"
	if !r.Reproducible {
		verdict = "NOT REPRODUCIBLE"
	}
	fmt.Fprintf(&b, "\n**%s**: throughput CV %.2f%% (threshold %.2f%%)\n",
		verdict, r.Throughput.CV*100, r.CVThreshold*100)
	return b.String()
}

func p95(d stats.Distribution) string {
	if !d.Valid() {
		return "-"
	}
	return ms(d.P95)
}

func metricRow(b *strings.Builder, name string, m repro.MetricStats) {
	fmt.Fprintf(b, "| %s | %.2f | %.2f | %.2f%% |\n", name, m.Mean, m.Stddev, m.CV*100)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExportCSV writes one row per request in a JMeter-like layout.
func ExportCSV(w io.Writer, results []result.RequestResult) error {
	cw := csv.NewWriter(w)

	header := []string{
		"timeStamp", "elapsed", "ttft", "label", "responseCode", "success",
		"failureMessage", "promptTokens", "completionTokens", "inFlight",
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		ttft := ""
		if d, ok := r.TTFT(); ok {
			ttft = strconv.FormatInt(d.Milliseconds(), 10)
		}

		record := []string{
			strconv.FormatInt(r.SentAt.UnixMilli(), 10),
			strconv.FormatInt(r.Latency().Milliseconds(), 10),
			ttft,
			r.Outcome.Key(),
			strconv.Itoa(r.Outcome.StatusCode),
			strconv.FormatBool(r.Outcome.IsSuccess()),
			r.Err,
			strconv.Itoa(r.PromptTokens),
			strconv.Itoa(r.CompletionTokens),
			strconv.FormatInt(r.InFlightAtIssue, 10),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// ExportCSVFile is ExportCSV into a new file.
func ExportCSVFile(filename string, results []result.RequestResult) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := ExportCSV(f, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

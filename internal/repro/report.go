package repro

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"llmbench/internal/stats"
)

// DefaultCVThreshold is the largest throughput CV still called reproducible.
const DefaultCVThreshold = 0.10

// MetricStats describes one metric across repetitions. Stddev is the sample
// standard deviation; CV is Stddev/Mean as a fraction, 0 when Mean is 0.
type MetricStats struct {
	Mean   float64 `json:"mean"`
	Stddev float64 `json:"stddev"`
	CV     float64 `json:"cv"`
	N      int     `json:"n"`
}

func NewMetricStats(values []float64) MetricStats {
	m := MetricStats{N: len(values)}
	switch len(values) {
	case 0:
		return m
	case 1:
		m.Mean = values[0]
		return m
	}

	m.Mean, m.Stddev = stat.MeanStdDev(values, nil)
	if math.IsNaN(m.Stddev) {
		m.Stddev = 0
	}
	if m.Mean != 0 {
		m.CV = m.Stddev / m.Mean
	}
	return m
}

// Report is the reproducibility verdict over a run set. Reproducible is a
// diagnostic annotation only.
type Report struct {
	RunID        string             `json:"runId"`
	Runs         []stats.RunSummary `json:"runs"`
	Throughput   MetricStats        `json:"throughputRps"`
	LatencyP95   MetricStats        `json:"latencyP95"`
	TTFTP95      MetricStats        `json:"ttftP95"`
	Reproducible bool               `json:"reproducible"`
	CVThreshold  float64            `json:"cvThreshold"`
	Cancelled    bool               `json:"cancelled,omitempty"`
}

// NewReport derives the cross-run statistics. Runs without successful
// requests have no p95 and are left out of the latency metrics, but their
// zero throughput still counts. Fewer than two runs cannot show variance
// and are reported as reproducible.
func NewReport(runID string, runs []stats.RunSummary, threshold float64) *Report {
	var thr, lat, ttft []float64
	for _, s := range runs {
		thr = append(thr, s.ThroughputRps)
		if s.LatencyStats.Valid() {
			lat = append(lat, s.LatencyStats.P95)
		}
		if s.TTFTStats.Valid() {
			ttft = append(ttft, s.TTFTStats.P95)
		}
	}

	r := &Report{
		RunID:       runID,
		Runs:        runs,
		Throughput:  NewMetricStats(thr),
		LatencyP95:  NewMetricStats(lat),
		TTFTP95:     NewMetricStats(ttft),
		CVThreshold: threshold,
	}
	if r.Runs == nil {
		r.Runs = []stats.RunSummary{}
	}
	r.Reproducible = len(runs) < 2 || r.Throughput.CV <= threshold
	return r
}

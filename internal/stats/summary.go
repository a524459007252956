package stats

import (
	"encoding/json"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"llmbench/internal/result"
)

// Distribution summarizes a set of millisecond samples. With no samples
// every statistic is undefined and serializes as null.
type Distribution struct {
	Count int
	Avg   float64
	P50   float64
	P95   float64
	P99   float64
	Min   float64
	Max   float64
}

func (d Distribution) Valid() bool { return d.Count > 0 }

type distributionJSON struct {
	Count int      `json:"count"`
	Avg   *float64 `json:"avg"`
	P50   *float64 `json:"p50"`
	P95   *float64 `json:"p95"`
	P99   *float64 `json:"p99"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
}

func (d Distribution) MarshalJSON() ([]byte, error) {
	out := distributionJSON{Count: d.Count}
	if d.Valid() {
		out.Avg, out.P50, out.P95, out.P99, out.Min, out.Max = &d.Avg, &d.P50, &d.P95, &d.P99, &d.Min, &d.Max
	}
	return json.Marshal(out)
}

func (d *Distribution) UnmarshalJSON(b []byte) error {
	var in distributionJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	deref := func(v *float64) float64 {
		if v == nil {
			return 0
		}
		return *v
	}

	*d = Distribution{
		Count: in.Count,
		Avg:   deref(in.Avg),
		P50:   deref(in.P50),
		P95:   deref(in.P95),
		P99:   deref(in.P99),
		Min:   deref(in.Min),
		Max:   deref(in.Max),
	}
	return nil
}

// Percentile is the nearest-rank percentile of ascending samples: the value
// at 1-indexed rank ceil(pct/100 * n). It panics on an empty slice.
func Percentile(sorted []float64, pct int) float64 {
	n := len(sorted)
	rank := (pct*n + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// NewDistribution does not modify samples.
func NewDistribution(samples []float64) Distribution {
	if len(samples) == 0 {
		return Distribution{}
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	d := Distribution{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   Percentile(sorted, 50),
		P95:   Percentile(sorted, 95),
		P99:   Percentile(sorted, 99),
		Avg:   stat.Mean(sorted, nil),
	}

	// floating point summation may land a hair outside [min, max]
	if d.Avg < d.Min {
		d.Avg = d.Min
	}
	if d.Avg > d.Max {
		d.Avg = d.Max
	}
	return d
}

// RunSummary is produced once per driver run.
type RunSummary struct {
	DurationSeconds float64        `json:"durationSeconds"`
	SuccessCount    int            `json:"successCount"`
	FailureCount    int            `json:"failureCount"`
	FailuresByKind  map[string]int `json:"failuresByKind"`
	LatencyStats    Distribution   `json:"latencyStats"`
	TTFTStats       Distribution   `json:"ttftStats"`
	ThroughputRps   float64        `json:"throughputRps"`
	TokenThroughput float64        `json:"tokenThroughput"`

	TotalCompletionTokens int     `json:"totalCompletionTokens"`
	TotalPromptTokens     int     `json:"totalPromptTokens"`
	SuccessRate           float64 `json:"successRate"`
}

func (s RunSummary) Total() int { return s.SuccessCount + s.FailureCount }

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Summarize is a pure function of the result set: completion order does not
// matter and repeated calls give identical summaries.
func Summarize(results []result.RequestResult) RunSummary {
	s := RunSummary{FailuresByKind: make(map[string]int)}

	var (
		latencies []float64
		ttfts     []float64
		first     time.Time
		last      time.Time
	)

	for i, r := range results {
		if i == 0 || r.SentAt.Before(first) {
			first = r.SentAt
		}
		if i == 0 || r.CompletedAt.After(last) {
			last = r.CompletedAt
		}

		if !r.Outcome.IsSuccess() {
			s.FailureCount++
			s.FailuresByKind[r.Outcome.Key()]++
			continue
		}

		s.SuccessCount++
		s.TotalCompletionTokens += r.CompletionTokens
		s.TotalPromptTokens += r.PromptTokens
		latencies = append(latencies, toMs(r.Latency()))
		if ttft, ok := r.TTFT(); ok {
			ttfts = append(ttfts, toMs(ttft))
		}
	}

	if len(results) > 0 {
		s.DurationSeconds = last.Sub(first).Seconds()
	}
	s.LatencyStats = NewDistribution(latencies)
	s.TTFTStats = NewDistribution(ttfts)

	if s.DurationSeconds > 0 {
		s.ThroughputRps = float64(s.SuccessCount) / s.DurationSeconds
		s.TokenThroughput = float64(s.TotalCompletionTokens) / s.DurationSeconds
	}
	if total := s.Total(); total > 0 {
		s.SuccessRate = float64(s.SuccessCount) / float64(total)
	}
	return s
}

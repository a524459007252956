package runner

import (
	"errors"
	"time"

	"llmbench/internal/result"
	"llmbench/internal/stats"
)

// ErrAborted means the target never became measurable: the run stopped
// before the measured phase and produced no summary.
var ErrAborted = errors.New("run aborted")

type Phase int32

const (
	PhaseIdle Phase = iota
	PhasePreflight
	PhaseWarmup
	PhaseMeasure
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePreflight:
		return "preflight"
	case PhaseWarmup:
		return "warmup"
	case PhaseMeasure:
		return "measure"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// StatsSnapshot is sent over the channel
type StatsSnapshot struct {
	Phase Phase

	WarmupTotal     uint64
	WarmupCompleted uint64

	Total    uint64 // measured requests to issue
	Issued   uint64
	Requests uint64 // measured requests completed
	Success  uint64
	Fail     uint64
	Inflight int64

	CompletionTokens uint64

	// Pre-calculated percentiles for the UI (cheap copy)
	P50LatencyMs float64
	P95LatencyMs float64
	P99LatencyMs float64
	P50TTFTMs    float64
	P95TTFTMs    float64

	Elapsed time.Duration
}

// StatsUpdateChan is the channel type
type StatsUpdateChan chan StatsSnapshot

// Observer receives per-request callbacks from executor goroutines; it
// must be safe for concurrent use.
type Observer interface {
	RequestIssued(phase Phase, inflight int64)
	RequestCompleted(phase Phase, r result.RequestResult, inflight int64)
}

// Run is the measured output of one driver run.
type Run struct {
	Results []result.RequestResult

	// Duration spans the earliest SentAt to the latest CompletedAt.
	Duration     time.Duration
	Issued       uint64
	PeakInFlight int64
	Cancelled    bool
	StartedAt    time.Time
	EndedAt      time.Time
}

func (r *Run) Summary() stats.RunSummary {
	return stats.Summarize(r.Results)
}

func span(results []result.RequestResult) time.Duration {
	if len(results) == 0 {
		return 0
	}

	first, last := results[0].SentAt, results[0].CompletedAt
	for _, r := range results[1:] {
		if r.SentAt.Before(first) {
			first = r.SentAt
		}
		if r.CompletedAt.After(last) {
			last = r.CompletedAt
		}
	}
	return last.Sub(first)
}

package stats

import (
	"sync"
	"sync/atomic"

	"llmbench/internal/result"
)

// Stats holds real-time aggregated metrics for the measured phase. It is an
// online accumulator for live views; final summaries come from Summarize.
type Stats struct {
	Requests         uint64
	Success          uint64
	Fail             uint64
	CompletionTokens uint64

	// Latency histograms (microseconds), successes only
	Latency *SafeHistogram
	TTFT    *SafeHistogram

	mu       sync.Mutex
	failures map[string]uint64
}

func NewStats() *Stats {
	return &Stats{
		Latency:  NewSafeHistogram(),
		TTFT:     NewSafeHistogram(),
		failures: make(map[string]uint64),
	}
}

// Record is safe for concurrent use by executors.
func (s *Stats) Record(r result.RequestResult) {
	atomic.AddUint64(&s.Requests, 1)

	if !r.Outcome.IsSuccess() {
		atomic.AddUint64(&s.Fail, 1)
		s.mu.Lock()
		s.failures[r.Outcome.Key()]++
		s.mu.Unlock()
		return
	}

	atomic.AddUint64(&s.Success, 1)
	atomic.AddUint64(&s.CompletionTokens, uint64(r.CompletionTokens))

	s.Latency.RecordDuration(r.Latency())
	if ttft, ok := r.TTFT(); ok {
		s.TTFT.RecordDuration(ttft)
	}
}

func (s *Stats) ErrorRate() float64 {
	reqs := atomic.LoadUint64(&s.Requests)
	if reqs == 0 {
		return 0
	}
	fails := atomic.LoadUint64(&s.Fail)
	return (float64(fails) / float64(reqs)) * 100
}

// LatencyMs returns the q-th percentile (0-100) latency in milliseconds.
func (s *Stats) LatencyMs(q float64) float64 {
	return float64(s.Latency.ValueAtQuantile(q)) / 1000.0
}

// TTFTMs returns the q-th percentile (0-100) TTFT in milliseconds.
func (s *Stats) TTFTMs(q float64) float64 {
	return float64(s.TTFT.ValueAtQuantile(q)) / 1000.0
}

func (s *Stats) FailureCounts() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]uint64, len(s.failures))
	for k, v := range s.failures {
		out[k] = v
	}
	return out
}

package runner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbench/internal/config"
	"llmbench/internal/prompt"
	"llmbench/internal/result"
)

// fakeDoer simulates a server with a fixed service time.
type fakeDoer struct {
	delay time.Duration
	fail  func(p prompt.Prompt) bool

	inflight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64

	mu      sync.Mutex
	prompts []string
}

func (f *fakeDoer) Execute(ctx context.Context, id uint64, p prompt.Prompt) result.RequestResult {
	f.calls.Add(1)
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		old := f.peak.Load()
		if cur <= old || f.peak.CompareAndSwap(old, cur) {
			break
		}
	}

	f.mu.Lock()
	f.prompts = append(f.prompts, p.Text)
	f.mu.Unlock()

	res := result.RequestResult{ID: id, SentAt: time.Now()}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		res.CompletedAt = time.Now()
		res.Outcome = result.Outcome{Kind: result.ConnectionError}
		return res
	}

	first := res.SentAt.Add(f.delay / 4)
	res.FirstTokenAt = &first
	res.CompletedAt = time.Now()

	if f.fail != nil && f.fail(p) {
		res.Outcome = result.Outcome{Kind: result.ServerError, StatusCode: 500}
		return res
	}
	res.Outcome = result.Outcome{Kind: result.Success}
	res.CompletionTokens = 10
	res.PromptTokens = p.EstimatedTokens
	return res
}

func (f *fakeDoer) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.prompts...)
	sort.Strings(out)
	return out
}

type indexedPrompts struct{}

func (indexedPrompts) At(i uint64) prompt.Prompt {
	return prompt.Prompt{Text: fmt.Sprintf("p-%04d", i), EstimatedTokens: 2}
}

type countingObserver struct {
	issued    map[Phase]*atomic.Int64
	completed map[Phase]*atomic.Int64
}

func newCountingObserver() *countingObserver {
	o := &countingObserver{issued: map[Phase]*atomic.Int64{}, completed: map[Phase]*atomic.Int64{}}
	for _, p := range []Phase{PhaseWarmup, PhaseMeasure} {
		o.issued[p] = new(atomic.Int64)
		o.completed[p] = new(atomic.Int64)
	}
	return o
}

func (o *countingObserver) RequestIssued(phase Phase, _ int64) { o.issued[phase].Add(1) }

func (o *countingObserver) RequestCompleted(phase Phase, _ result.RequestResult, _ int64) {
	o.completed[phase].Add(1)
}

func driverConfig(mode config.TrafficMode, total, warmup uint) config.LoadTestConfig {
	cfg := testConfig("http://127.0.0.1:1/v1")
	cfg.Traffic = mode
	cfg.TotalRequests = total
	cfg.WarmupRequests = warmup
	return cfg
}

func TestRunner_ClosedLoop(t *testing.T) {
	doer := &fakeDoer{delay: 100 * time.Millisecond}
	obs := newCountingObserver()
	r, err := NewRunner(driverConfig(config.ClosedLoop{Concurrency: 10}, 100, 10),
		WithDoer(doer), WithPromptSource(indexedPrompts{}), WithObserver(obs))
	require.NoError(t, err)

	run, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, run.Cancelled)
	assert.Len(t, run.Results, 100)
	assert.Equal(t, uint64(100), run.Issued)
	assert.Equal(t, int64(110), doer.calls.Load())
	assert.LessOrEqual(t, doer.peak.Load(), int64(10))
	assert.LessOrEqual(t, run.PeakInFlight, int64(10))
	assert.Equal(t, int64(10), obs.completed[PhaseWarmup].Load())
	assert.Equal(t, int64(100), obs.completed[PhaseMeasure].Load())

	for _, res := range run.Results {
		assert.LessOrEqual(t, res.InFlightAtIssue, int64(10))
	}

	s := run.Summary()
	assert.Equal(t, 100, s.SuccessCount)
	assert.Equal(t, 0, s.FailureCount)
	assert.InDelta(t, 1.0, s.DurationSeconds, 0.3)
	assert.InDelta(t, 100.0, s.ThroughputRps, 25)
	assert.InDelta(t, 100.0, s.LatencyStats.P50, 30)
	assert.InDelta(t, 1000.0, s.TokenThroughput, 250)
}

func TestRunner_WarmupIsolation(t *testing.T) {
	doer := &fakeDoer{
		delay: 5 * time.Millisecond,
		fail:  func(p prompt.Prompt) bool { return p.Text < "p-0010" },
	}
	r, err := NewRunner(driverConfig(config.ClosedLoop{Concurrency: 4}, 20, 10),
		WithDoer(doer), WithPromptSource(indexedPrompts{}))
	require.NoError(t, err)

	run, err := r.Run(context.Background())
	require.NoError(t, err)

	s := run.Summary()
	assert.Equal(t, 20, s.SuccessCount)
	assert.Equal(t, 0, s.FailureCount)
	assert.Equal(t, uint64(20), r.Snapshot().Requests)

	// every prompt is used once, warmup first
	seen := doer.seen()
	require.Len(t, seen, 30)
	for i, p := range seen {
		assert.Equal(t, fmt.Sprintf("p-%04d", i), p)
	}
}

func TestRunner_RecordsFailures(t *testing.T) {
	var n atomic.Int64
	doer := &fakeDoer{
		delay: time.Millisecond,
		fail:  func(prompt.Prompt) bool { return n.Add(1)%5 == 0 },
	}
	r, err := NewRunner(driverConfig(config.ClosedLoop{Concurrency: 1}, 100, 0),
		WithDoer(doer), WithPromptSource(indexedPrompts{}))
	require.NoError(t, err)

	run, err := r.Run(context.Background())
	require.NoError(t, err)

	s := run.Summary()
	assert.Equal(t, 80, s.SuccessCount)
	assert.Equal(t, 20, s.FailureCount)
	assert.Equal(t, map[string]int{"ServerError:500": 20}, s.FailuresByKind)
	assert.Equal(t, map[string]uint64{"ServerError:500": 20}, r.Stats.FailureCounts())
}

func TestRunner_OpenLoopIssuesAtRate(t *testing.T) {
	doer := &fakeDoer{delay: 10 * time.Millisecond}
	cfg := driverConfig(config.OpenLoop{RequestsPerSecond: 50}, 10000, 0)
	cfg.MaxRunDuration = time.Second
	r, err := NewRunner(cfg, WithDoer(doer), WithPromptSource(indexedPrompts{}))
	require.NoError(t, err)

	run, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, run.Cancelled)
	assert.InDelta(t, 50, float64(run.Issued), 10)
	// drain keeps every issued request
	assert.Len(t, run.Results, int(run.Issued))
}

func TestRunner_OpenLoopIgnoresSlowServer(t *testing.T) {
	doer := &fakeDoer{delay: 300 * time.Millisecond}
	r, err := NewRunner(driverConfig(config.OpenLoop{RequestsPerSecond: 20}, 10, 0),
		WithDoer(doer), WithPromptSource(indexedPrompts{}))
	require.NoError(t, err)

	start := time.Now()
	run, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, run.Results, 10)
	assert.GreaterOrEqual(t, run.PeakInFlight, int64(4))
	// 10 starts at 20/s plus one service time, far below 10 sequential requests
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunner_CancelDrains(t *testing.T) {
	doer := &fakeDoer{delay: 50 * time.Millisecond}
	r, err := NewRunner(driverConfig(config.ClosedLoop{Concurrency: 5}, 1000, 0),
		WithDoer(doer), WithPromptSource(indexedPrompts{}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	run, err := r.Run(ctx)
	require.NoError(t, err)

	assert.True(t, run.Cancelled)
	assert.Greater(t, run.Issued, uint64(0))
	assert.Less(t, run.Issued, uint64(1000))
	assert.Len(t, run.Results, int(run.Issued))
	for _, res := range run.Results {
		assert.True(t, res.Outcome.IsSuccess())
	}
}

func TestRunner_CancelAbandons(t *testing.T) {
	doer := &fakeDoer{delay: 5 * time.Second}
	cfg := driverConfig(config.ClosedLoop{Concurrency: 3}, 10, 0)
	cfg.Shutdown = config.Abandon
	r, err := NewRunner(cfg, WithDoer(doer), WithPromptSource(indexedPrompts{}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	run, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, run.Cancelled)
	assert.Equal(t, uint64(3), run.Issued)
	assert.Empty(t, run.Results)
}

func TestRunner_CancelDuringWarmupAborts(t *testing.T) {
	doer := &fakeDoer{delay: 50 * time.Millisecond}
	r, err := NewRunner(driverConfig(config.ClosedLoop{Concurrency: 1}, 10, 100),
		WithDoer(doer), WithPromptSource(indexedPrompts{}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	run, err := r.Run(ctx)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Nil(t, run)
}

func TestRunner_UnreachableTarget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/v1"
	srv.Close()

	t.Run("preflight", func(t *testing.T) {
		cfg := testConfig(url)
		cfg.Preflight = true
		r, err := NewRunner(cfg)
		require.NoError(t, err)

		_, err = r.Run(context.Background())
		assert.ErrorIs(t, err, ErrAborted)
	})

	t.Run("warmup", func(t *testing.T) {
		cfg := testConfig(url)
		cfg.WarmupRequests = 3
		r, err := NewRunner(cfg)
		require.NoError(t, err)

		_, err = r.Run(context.Background())
		assert.ErrorIs(t, err, ErrAborted)
	})

	t.Run("no warmup", func(t *testing.T) {
		cfg := testConfig(url)
		cfg.TotalRequests = 3
		r, err := NewRunner(cfg)
		require.NoError(t, err)

		run, err := r.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"ConnectionError": 3}, run.Summary().FailuresByKind)
	})
}

func TestRunner_InvalidConfig(t *testing.T) {
	cfg := driverConfig(config.ClosedLoop{Concurrency: 0}, 10, 0)
	_, err := NewRunner(cfg, WithDoer(&fakeDoer{}))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRunner_SingleUse(t *testing.T) {
	r, err := NewRunner(driverConfig(config.ClosedLoop{Concurrency: 1}, 1, 0),
		WithDoer(&fakeDoer{}), WithPromptSource(indexedPrompts{}))
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	assert.Error(t, err)
}

func TestRunner_FinalSnapshot(t *testing.T) {
	updates := make(StatsUpdateChan, 100)
	r, err := NewRunner(driverConfig(config.ClosedLoop{Concurrency: 2}, 4, 2),
		WithDoer(&fakeDoer{delay: time.Millisecond}), WithPromptSource(indexedPrompts{}), WithUpdates(updates))
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.NoError(t, err)

	var last StatsSnapshot
	for len(updates) > 0 {
		last = <-updates
	}
	assert.Equal(t, PhaseDone, last.Phase)
	assert.Equal(t, uint64(4), last.Requests)
	assert.Equal(t, uint64(2), last.WarmupCompleted)
	assert.Equal(t, int64(0), last.Inflight)
}

func TestPatternFor(t *testing.T) {
	p, err := PatternFor(config.ClosedLoop{Concurrency: 3})
	require.NoError(t, err)
	assert.Equal(t, "closed-loop/3", p.Name())

	p, err = PatternFor(config.OpenLoop{RequestsPerSecond: 2.5})
	require.NoError(t, err)
	assert.Equal(t, "open-loop/2.5rps", p.Name())

	_, err = PatternFor(nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

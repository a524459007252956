package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"llmbench/internal/config"
	"llmbench/internal/prompt"
	"llmbench/internal/result"
	"llmbench/internal/stats"
)

// Prober checks reachability before any request is attempted.
type Prober interface {
	Probe(ctx context.Context) error
}

// Runner is the traffic driver. A Runner performs a single Run; build a new
// one per repetition.
type Runner struct {
	Cfg   config.LoadTestConfig
	Stats *stats.Stats

	// Event Channel
	Updates StatsUpdateChan

	exec      Doer
	prober    Prober
	client    *http.Client
	prompts   prompt.Source
	pattern   Pattern
	observers []Observer
	log       *zap.Logger

	started atomic.Bool
	phase   atomic.Int32
	begin   atomic.Pointer[time.Time]

	inflight atomic.Int64
	peak     atomic.Int64
	issued   atomic.Uint64

	warmupCompleted atomic.Uint64
}

type Option func(*Runner)

// WithDoer replaces the HTTP executor, e.g. with a simulated one.
func WithDoer(d Doer) Option {
	return func(r *Runner) { r.exec = d }
}

func WithProber(p Prober) Option {
	return func(r *Runner) { r.prober = p }
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.client = c }
}

func WithPromptSource(src prompt.Source) Option {
	return func(r *Runner) { r.prompts = src }
}

func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

func WithUpdates(ch StatsUpdateChan) Option {
	return func(r *Runner) { r.Updates = ch }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// NewRunner validates cfg; an invalid config never reaches the target.
func NewRunner(cfg config.LoadTestConfig, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		Cfg:   cfg,
		Stats: stats.NewStats(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.Updates == nil {
		// Avoid nil panics if not provided
		r.Updates = make(StatsUpdateChan, 10)
	}

	pattern, err := PatternFor(cfg.Traffic)
	if err != nil {
		return nil, err
	}
	r.pattern = pattern

	if r.prompts == nil {
		src, err := prompt.NewSource(cfg.Prompt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		r.prompts = src
	}

	if r.exec == nil {
		ex := NewExecutor(cfg, r.client, r.log)
		r.exec = ex
		if r.prober == nil {
			r.prober = ex
		}
	}

	return r, nil
}

// StartTickLoop starts a goroutine that pushes stats updates
func (r *Runner) StartTickLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sendUpdate()
			}
		}
	}()
}

func (r *Runner) sendUpdate() {
	// Non-blocking send
	select {
	case r.Updates <- r.Snapshot():
	default:
		// Drop update if channel full, UI acts as backpressure
	}
}

// Snapshot is safe to call at any time, including from other goroutines.
func (r *Runner) Snapshot() StatsSnapshot {
	s := r.Stats

	snap := StatsSnapshot{
		Phase:            r.Phase(),
		WarmupTotal:      uint64(r.Cfg.WarmupRequests),
		WarmupCompleted:  r.warmupCompleted.Load(),
		Total:            uint64(r.Cfg.TotalRequests),
		Issued:           r.issued.Load(),
		Requests:         atomic.LoadUint64(&s.Requests),
		Success:          atomic.LoadUint64(&s.Success),
		Fail:             atomic.LoadUint64(&s.Fail),
		Inflight:         r.inflight.Load(),
		CompletionTokens: atomic.LoadUint64(&s.CompletionTokens),
		P50LatencyMs:     s.LatencyMs(50),
		P95LatencyMs:     s.LatencyMs(95),
		P99LatencyMs:     s.LatencyMs(99),
		P50TTFTMs:        s.TTFTMs(50),
		P95TTFTMs:        s.TTFTMs(95),
	}
	if b := r.begin.Load(); b != nil {
		snap.Elapsed = time.Since(*b)
	}
	return snap
}

func (r *Runner) Phase() Phase {
	return Phase(r.phase.Load())
}

// InFlight is the live number of requests currently executing.
func (r *Runner) InFlight() int64 {
	return r.inflight.Load()
}

func (r *Runner) setPhase(p Phase) {
	r.phase.Store(int32(p))
	r.log.Debug("phase", zap.Stringer("phase", p))
}

// Run executes preflight, warmup and the measured phase. Cancelling ctx (or
// exhausting MaxRunDuration) during the measured phase still returns a Run
// over whatever completed; failing before it returns ErrAborted.
func (r *Runner) Run(ctx context.Context) (*Run, error) {
	if !r.started.CompareAndSwap(false, true) {
		return nil, errors.New("runner already used")
	}

	if r.Cfg.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Cfg.MaxRunDuration)
		defer cancel()
	}

	tickCtx, stopTicks := context.WithCancel(context.Background())
	defer stopTicks()
	// Start Tick Loop for UI
	r.StartTickLoop(tickCtx, 200*time.Millisecond)
	defer r.sendUpdate()

	// 1. Preflight
	if r.Cfg.Preflight && r.prober != nil {
		r.setPhase(PhasePreflight)
		if err := r.prober.Probe(ctx); err != nil {
			r.setPhase(PhaseDone)
			return nil, fmt.Errorf("%w: target unreachable: %v", ErrAborted, err)
		}
	}

	// 2. Warmup, fully drained before measuring
	if r.Cfg.WarmupRequests > 0 {
		r.setPhase(PhaseWarmup)
		if err := r.warmup(ctx); err != nil {
			r.setPhase(PhaseDone)
			return nil, err
		}
	}

	// 3. Measure
	r.setPhase(PhaseMeasure)
	now := time.Now()
	r.begin.Store(&now)

	sink := result.NewSink(int(r.Cfg.TotalRequests))
	if r.Cfg.Shutdown == config.Abandon {
		stop := context.AfterFunc(ctx, func() { sink.Close() })
		defer stop()
	}

	abandon := r.Cfg.Shutdown == config.Abandon
	is := r.newIssuer(ctx, PhaseMeasure, uint64(r.Cfg.TotalRequests), uint64(r.Cfg.WarmupRequests), func(res result.RequestResult) {
		// a request torn down by cancellation did not complete on its own
		if abandon && ctx.Err() != nil {
			return
		}
		if sink.Append(res) {
			r.Stats.Record(res)
		}
	})
	if err := r.pattern.Drive(ctx, is); err != nil {
		r.log.Warn("traffic pattern stopped with error", zap.Error(err))
	}

	results := sink.Close()
	r.setPhase(PhaseDone)

	run := &Run{
		Results:      results,
		Duration:     span(results),
		Issued:       r.issued.Load(),
		PeakInFlight: r.peak.Load(),
		Cancelled:    ctx.Err() != nil,
		StartedAt:    now,
		EndedAt:      time.Now(),
	}

	r.log.Info("measurement complete",
		zap.String("pattern", r.pattern.Name()),
		zap.Int("results", len(results)),
		zap.Uint64("issued", run.Issued),
		zap.Int64("peak_inflight", run.PeakInFlight),
		zap.Duration("duration", run.Duration),
		zap.Bool("cancelled", run.Cancelled),
	)
	return run, nil
}

func (r *Runner) warmup(ctx context.Context) error {
	var connErrors atomic.Uint64

	is := r.newIssuer(ctx, PhaseWarmup, uint64(r.Cfg.WarmupRequests), 0, func(res result.RequestResult) {
		if res.Outcome.Kind == result.ConnectionError {
			connErrors.Add(1)
		}
		r.warmupCompleted.Add(1)
	})
	if err := r.pattern.Drive(ctx, is); err != nil {
		r.log.Warn("warmup pattern stopped with error", zap.Error(err))
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%w: cancelled during warmup: %v", ErrAborted, ctx.Err())
	}

	completed := r.warmupCompleted.Load()
	if completed > 0 && connErrors.Load() == completed {
		return fmt.Errorf("%w: target unreachable: all %d warmup requests failed to connect", ErrAborted, completed)
	}

	r.log.Info("warmup complete",
		zap.Uint64("requests", completed),
		zap.Uint64("connection_errors", connErrors.Load()),
	)
	return nil
}

// phaseIssuer hands out the slots of one phase. Request n of the phase uses
// prompt base+n, so issuance order follows prompt order.
type phaseIssuer struct {
	r      *Runner
	phase  Phase
	limit  uint64
	base   uint64
	next   atomic.Uint64
	reqCtx context.Context
	record func(result.RequestResult)
}

func (r *Runner) newIssuer(ctx context.Context, phase Phase, limit, base uint64, record func(result.RequestResult)) *phaseIssuer {
	reqCtx := ctx
	if r.Cfg.Shutdown == config.Drain {
		// in-flight requests outlive cancellation and end on their own
		// timeout
		reqCtx = context.WithoutCancel(ctx)
	}

	return &phaseIssuer{
		r:      r,
		phase:  phase,
		limit:  limit,
		base:   base,
		reqCtx: reqCtx,
		record: record,
	}
}

func (p *phaseIssuer) Next() (uint64, bool) {
	for {
		n := p.next.Load()
		if n >= p.limit {
			return 0, false
		}
		if p.next.CompareAndSwap(n, n+1) {
			return n, true
		}
	}
}

func (p *phaseIssuer) Issue(n uint64) {
	r := p.r

	inflight := r.inflight.Add(1)
	if p.phase == PhaseMeasure {
		r.issued.Add(1)
		r.trackPeak(inflight)
	}
	for _, o := range r.observers {
		o.RequestIssued(p.phase, inflight)
	}

	res := r.exec.Execute(p.reqCtx, n, r.prompts.At(p.base+n))
	res.InFlightAtIssue = inflight

	left := r.inflight.Add(-1)
	p.record(res)
	for _, o := range r.observers {
		o.RequestCompleted(p.phase, res, left)
	}
}

func (r *Runner) trackPeak(v int64) {
	for {
		cur := r.peak.Load()
		if v <= cur || r.peak.CompareAndSwap(cur, v) {
			return
		}
	}
}

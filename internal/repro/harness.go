package repro

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"llmbench/internal/config"
	"llmbench/internal/runner"
	"llmbench/internal/stats"
)

// SummaryStore persists each repetition as it lands.
type SummaryStore interface {
	Save(runID string, idx int, summary stats.RunSummary) error
}

// Harness runs the same load test repeatedly, one driver at a time.
type Harness struct {
	cfg       config.LoadTestConfig
	opts      []runner.Option
	cooldown  time.Duration
	threshold float64
	store     SummaryStore
	log       *zap.Logger
	onStart   func(idx int, r *runner.Runner)
	onDone    func(idx int, s stats.RunSummary)
}

type Option func(*Harness)

// WithRunnerOptions are applied to every repetition's driver.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(h *Harness) { h.opts = append(h.opts, opts...) }
}

func WithCooldown(d time.Duration) Option {
	return func(h *Harness) { h.cooldown = d }
}

func WithThreshold(cv float64) Option {
	return func(h *Harness) { h.threshold = cv }
}

func WithStore(s SummaryStore) Option {
	return func(h *Harness) { h.store = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) { h.log = l }
}

// OnRunStart is called with each fresh driver before it runs, e.g. to attach
// a progress view.
func OnRunStart(fn func(idx int, r *runner.Runner)) Option {
	return func(h *Harness) { h.onStart = fn }
}

func OnRunDone(fn func(idx int, s stats.RunSummary)) Option {
	return func(h *Harness) { h.onDone = fn }
}

func NewHarness(cfg config.LoadTestConfig, opts ...Option) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Harness{
		cfg:       cfg,
		cooldown:  5 * time.Second,
		threshold: DefaultCVThreshold,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if !(h.threshold > 0) {
		return nil, fmt.Errorf("%w: cv threshold must be > 0", config.ErrInvalidConfig)
	}
	if h.cooldown < 0 {
		return nil, fmt.Errorf("%w: cooldown must be >= 0", config.ErrInvalidConfig)
	}
	return h, nil
}

// Repeat runs times repetitions sequentially with a cooldown between them.
// An aborted repetition fails the whole harness. Cancellation stops early
// and reports over the repetitions that ran to completion.
func (h *Harness) Repeat(ctx context.Context, times uint) (*Report, error) {
	if times == 0 {
		return nil, fmt.Errorf("%w: repetitions must be >= 1", config.ErrInvalidConfig)
	}

	runID := uuid.NewString()
	log := h.log.With(zap.String("run_id", runID))

	var (
		summaries []stats.RunSummary
		cancelled bool
	)

	for i := 0; i < int(times); i++ {
		if i > 0 && h.cooldown > 0 {
			log.Info("cooldown", zap.Duration("duration", h.cooldown))
			if !sleep(ctx, h.cooldown) {
				cancelled = true
				break
			}
		}

		r, err := runner.NewRunner(h.cfg, h.opts...)
		if err != nil {
			return nil, err
		}
		if h.onStart != nil {
			h.onStart(i, r)
		}

		run, err := r.Run(ctx)
		if err != nil {
			// cancellation before the measured phase is not a target fault
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			return nil, fmt.Errorf("repetition %d: %w", i+1, err)
		}
		if run.Cancelled {
			cancelled = true
			break
		}

		summary := run.Summary()
		summaries = append(summaries, summary)
		if h.store != nil {
			if err := h.store.Save(runID, i, summary); err != nil {
				log.Warn("failed to store run summary", zap.Int("repetition", i+1), zap.Error(err))
			}
		}
		if h.onDone != nil {
			h.onDone(i, summary)
		}

		log.Info("repetition complete",
			zap.Int("repetition", i+1),
			zap.Uint("of", times),
			zap.Float64("throughput_rps", summary.ThroughputRps),
			zap.Int("failures", summary.FailureCount),
		)
	}

	report := NewReport(runID, summaries, h.threshold)
	report.Cancelled = cancelled

	log.Info("reproducibility check",
		zap.Int("runs", len(summaries)),
		zap.Float64("throughput_cv", report.Throughput.CV),
		zap.Bool("reproducible", report.Reproducible),
	)
	return report, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

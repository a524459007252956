package runner

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"llmbench/internal/config"
)

// Issuer is the driver side of a phase as seen by a traffic pattern.
type Issuer interface {
	// Next claims the next request slot. It is the only coordination point
	// between workers; ok is false once the phase quota is used up.
	Next() (n uint64, ok bool)
	// Issue executes request n on the calling goroutine and records it.
	Issue(n uint64)
}

// Pattern decides when requests start. Drive returns once it will issue no
// more requests and every request it started has returned. Cancelling ctx
// stops new issuance immediately.
type Pattern interface {
	Name() string
	Drive(ctx context.Context, is Issuer) error
}

// PatternFor maps the configured traffic variant to its strategy.
func PatternFor(mode config.TrafficMode) (Pattern, error) {
	switch m := mode.(type) {
	case config.ClosedLoop:
		return ClosedLoop{Concurrency: int(m.Concurrency)}, nil
	case config.OpenLoop:
		return OpenLoop{RequestsPerSecond: m.RequestsPerSecond}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported traffic mode %T", config.ErrInvalidConfig, mode)
	}
}

// ClosedLoop models a fixed pool of synchronous clients: each worker waits
// for its response before claiming the next slot, so a slow server slows
// issuance down.
type ClosedLoop struct {
	Concurrency int
}

func (c ClosedLoop) Name() string { return fmt.Sprintf("closed-loop/%d", c.Concurrency) }

func (c ClosedLoop) Drive(ctx context.Context, is Issuer) error {
	var g errgroup.Group

	for i := 0; i < c.Concurrency; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				n, ok := is.Next()
				if !ok {
					return nil
				}
				is.Issue(n)
			}
			return nil
		})
	}
	return g.Wait()
}

// OpenLoop starts requests at a fixed rate whether or not earlier ones have
// completed, each on its own goroutine.
type OpenLoop struct {
	RequestsPerSecond float64
}

func (o OpenLoop) Name() string { return fmt.Sprintf("open-loop/%grps", o.RequestsPerSecond) }

func (o OpenLoop) Drive(ctx context.Context, is Issuer) error {
	limiter := rate.NewLimiter(rate.Limit(o.RequestsPerSecond), 1)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		// Wait also gives up early when the next slot would land past the
		// ctx deadline
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		n, ok := is.Next()
		if !ok {
			return nil
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			is.Issue(n)
		}()
	}
}

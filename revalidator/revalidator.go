// Package revalidator schedules and deduplicates background revalidations
// for stale-while-revalidate entries, so the foreground request path can
// return the stale body immediately while the origin is asked for a fresh
// one off to the side.
package revalidator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// SchedulingStrategy decides the delay before an attempt runs, keyed by
// attempt number (starting at 1). Revalidator runs each scheduled
// revalidation once and always passes 1; a failed thunk is logged and not
// retried.
type SchedulingStrategy interface {
	Schedule(attempt int) time.Duration
}

// Immediate runs every attempt with no delay.
type Immediate struct{}

func (Immediate) Schedule(int) time.Duration { return 0 }

// Exponential backs off as Base*2^(attempt-1), capped at Max (no cap when
// Max is zero).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (e Exponential) Schedule(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Base << uint(attempt-1)
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Revalidator deduplicates and schedules background revalidations per
// entry key onto a bounded worker pool. At most one revalidation is
// in-flight (or pending) per key: Revalidate records the key under mu before
// it returns, and later calls for the same key while it is outstanding are
// dropped without running their thunk. The thunk itself runs inside a
// singleflight.Group keyed by entry key.
type Revalidator struct {
	group    singleflight.Group
	pool     *errgroup.Group
	strategy SchedulingStrategy
	logger   zerolog.Logger

	mu      sync.Mutex
	attempt map[string]int
}

// New returns a Revalidator bounded to workers concurrent thunks (at least
// 1), delayed per strategy (Immediate when nil).
func New(workers int, strategy SchedulingStrategy, logger zerolog.Logger) *Revalidator {
	if workers <= 0 {
		workers = 1
	}
	if strategy == nil {
		strategy = Immediate{}
	}
	pool := &errgroup.Group{}
	pool.SetLimit(workers)
	return &Revalidator{
		pool:     pool,
		strategy: strategy,
		logger:   logger,
		attempt:  make(map[string]int),
	}
}

// Revalidate schedules thunk to run in the background under entryKey. A
// call for a key that already has a revalidation pending or in flight is
// coalesced: thunk is not invoked a second time, and this call returns
// immediately without waiting for the outcome.
//
// errgroup.Group.Go blocks once the pool's SetLimit slots are all taken, so
// the dispatch onto the pool happens on a dedicated goroutine rather than
// the caller's: the foreground request path must never be made to wait for
// a worker slot to free up, only the dispatching goroutine may.
func (r *Revalidator) Revalidate(entryKey string, thunk func() error) {
	r.mu.Lock()
	if _, pending := r.attempt[entryKey]; pending {
		r.mu.Unlock()
		return
	}
	r.attempt[entryKey] = 0
	r.mu.Unlock()

	go func() {
		r.pool.Go(func() error {
			_, _, _ = r.group.Do(entryKey, func() (interface{}, error) {
				r.mu.Lock()
				r.attempt[entryKey]++
				attempt := r.attempt[entryKey]
				r.mu.Unlock()

				if delay := r.strategy.Schedule(attempt); delay > 0 {
					time.Sleep(delay)
				}

				err := thunk()

				r.mu.Lock()
				delete(r.attempt, entryKey)
				r.mu.Unlock()

				if err != nil {
					r.logger.Warn().Err(err).Str("key", entryKey).Msg("background revalidation failed")
				}
				return nil, err
			})
			return nil
		})
	}()
}

// Shutdown waits for in-flight and already-scheduled revalidations to
// drain, or returns early if ctx is cancelled first. It never interrupts a
// thunk mid-flight; failures of thunks still in flight at shutdown are
// logged, never surfaced to the caller of Shutdown.
func (r *Revalidator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = r.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

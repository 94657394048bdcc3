// Package retry implements the per-channel retry policy: bounded attempts
// with capped exponential backoff and optional jitter. Permanent failures
// and circuit-open rejections are never retried.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/scribeworks/minuterelay/internal/breaker"
	"github.com/scribeworks/minuterelay/internal/delivery"
)

// Policy holds the retry tunables for one channel type.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	JitterRatio  float64 // bounded fraction applied multiplicatively, e.g. 0.25 for ±25%
}

// Delay returns the backoff before the retry that follows the given failed
// attempt (1-based): min(initialDelay * multiplier^(attempt-1), maxDelay),
// with jitter applied when configured.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay)
	limit := float64(p.MaxDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if limit > 0 && d >= limit {
			d = limit
			break
		}
	}
	if limit > 0 && d > limit {
		d = limit
	}
	if p.JitterRatio > 0 {
		// ±jitterRatio, same scheme for every channel so concurrent
		// requests spread out instead of retrying in lockstep.
		d *= 1 + (rand.Float64()*2-1)*p.JitterRatio
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do invokes call until it succeeds, exhausts the attempt budget, fails
// permanently, or is rejected by an open breaker. It returns the number of
// times call was admitted past the breaker (a circuit-open rejection does
// not count as an attempt).
func (p Policy) Do(ctx context.Context, call func(context.Context) error) (attempts int, err error) {
	for i := 1; ; i++ {
		err = call(ctx)
		if !errors.Is(err, breaker.ErrOpen) {
			attempts++
		}
		if err == nil {
			return attempts, nil
		}
		if errors.Is(err, breaker.ErrOpen) {
			// Retrying into an open breaker would just burn the reset
			// window; give up for this request.
			return attempts, err
		}
		if !delivery.Retryable(err) {
			return attempts, err
		}
		if i >= p.MaxAttempts {
			return attempts, delivery.Exhausted(err)
		}
		if serr := sleep(ctx, p.Delay(i)); serr != nil {
			return attempts, delivery.Timeout(serr)
		}
	}
}

// sleep waits for d but returns early if the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

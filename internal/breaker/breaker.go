// Package breaker implements a per-channel circuit breaker. Each breaker
// tracks a rolling window of recent call outcomes and fails fast while the
// downstream transport is degraded, letting a single trial call through
// after the reset timeout to probe for recovery.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scribeworks/minuterelay/internal/delivery"
)

// ErrOpen is returned when a call is rejected without invoking the adapter.
var ErrOpen = errors.New("circuit open")

// State is the breaker mode. Transitions form a strict cycle:
// Closed -> Open -> HalfOpen -> {Closed | Open}.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config holds the per-channel breaker tunables.
type Config struct {
	ErrorThresholdRatio float64       // trip when failures/total >= ratio
	MinimumRequests     int           // samples required before the ratio is evaluated
	ResetTimeout        time.Duration // time spent open before a trial is admitted
	CallTimeout         time.Duration // per-invocation bound; exceeding it counts as a failure
	Window              time.Duration // rolling window span for outcome samples
}

func (c *Config) setDefaults() {
	if c.ErrorThresholdRatio <= 0 {
		c.ErrorThresholdRatio = 0.5
	}
	if c.MinimumRequests <= 0 {
		c.MinimumRequests = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
}

// StateChange is notified synchronously on every transition. The callback
// runs under the breaker lock and must not call back into the breaker.
type StateChange func(name string, from, to State)

type sample struct {
	at time.Time
	ok bool
}

// Breaker guards a single channel adapter. All state is mutated under one
// lock; concurrent calls observe a consistent mode but may race to be the
// half-open trial, in which case only the first admitted call is the trial.
type Breaker struct {
	name     string
	cfg      Config
	onChange StateChange

	mu        sync.Mutex
	state     State
	window    []sample
	trippedAt time.Time
	trialing  bool

	nowFn func() time.Time
}

// New returns a closed breaker for the named channel.
func New(name string, cfg Config) *Breaker {
	cfg.setDefaults()
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// Name returns the channel name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// OnStateChange registers the transition observer.
func (b *Breaker) OnStateChange(fn StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// SetClock overrides the breaker clock, for tests.
func (b *Breaker) SetClock(fn func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFn = fn
}

// State returns the current mode.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs call through the breaker. While open it returns ErrOpen
// without invoking call. Every admitted call is bounded by CallTimeout;
// exceeding it records a failure and the late result is discarded.
func (b *Breaker) Execute(ctx context.Context, call func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	cctx := ctx
	cancel := context.CancelFunc(func() {})
	if b.cfg.CallTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
	}
	defer cancel()

	// Buffered so an abandoned call can still complete its send.
	done := make(chan error, 1)
	go func() { done <- call(cctx) }()

	select {
	case err := <-done:
		b.record(trial, err == nil)
		return err
	case <-cctx.Done():
		b.record(trial, false)
		if err := ctx.Err(); err != nil {
			return delivery.Timeout(err)
		}
		return delivery.Timeout(fmt.Errorf("call exceeded %s", b.cfg.CallTimeout))
	}
}

// admit decides whether a call may pass through, and whether it is the
// half-open trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.trippedAt) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			b.trialing = true
			return true, nil
		}
		return false, ErrOpen
	case StateHalfOpen:
		if !b.trialing {
			b.trialing = true
			return true, nil
		}
		return false, ErrOpen
	}
	return false, nil
}

func (b *Breaker) record(trial, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if trial {
		b.trialing = false
		if b.state != StateHalfOpen {
			return
		}
		if ok {
			b.transition(StateClosed)
		} else {
			b.trippedAt = now
			b.transition(StateOpen)
		}
		return
	}

	// A call admitted while closed may resolve after a trip; the window no
	// longer applies to it.
	if b.state != StateClosed {
		return
	}

	b.window = append(b.window, sample{at: now, ok: ok})
	b.evict(now)

	total := len(b.window)
	if total < b.cfg.MinimumRequests {
		return
	}
	failures := 0
	for _, s := range b.window {
		if !s.ok {
			failures++
		}
	}
	if float64(failures)/float64(total) >= b.cfg.ErrorThresholdRatio {
		b.trippedAt = now
		b.transition(StateOpen)
	}
}

// evict drops samples older than the rolling window.
func (b *Breaker) evict(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.window = b.window[:0]
	}
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

func (b *Breaker) now() time.Time {
	if b.nowFn != nil {
		return b.nowFn()
	}
	return time.Now()
}

// Package drain bounds the time spent finishing in-flight deliveries when
// the process is asked to terminate.
package drain

import (
	"errors"
	"sync"
	"time"
)

// ErrDraining is returned by Begin once the coordinator has stopped
// accepting new work.
var ErrDraining = errors.New("shutting down, not accepting new deliveries")

// Coordinator gates admission of new delivery requests and tracks the ones
// in flight so shutdown can wait for them within a bounded window.
type Coordinator struct {
	mu        sync.Mutex
	accepting bool
	inflight  sync.WaitGroup
	count     int
}

func NewCoordinator() *Coordinator {
	return &Coordinator{accepting: true}
}

// Begin registers one in-flight delivery. The returned done func must be
// called when the delivery resolves; calling it more than once is safe.
func (c *Coordinator) Begin() (done func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accepting {
		return nil, ErrDraining
	}
	c.inflight.Add(1)
	c.count++
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.count--
			c.mu.Unlock()
			c.inflight.Done()
		})
	}, nil
}

// Accepting reports whether new requests are still admitted. Readiness
// probes key off this.
func (c *Coordinator) Accepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepting
}

// InFlight returns the number of deliveries currently registered.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Drain stops admission and waits up to window for in-flight deliveries to
// resolve. It returns true if everything finished inside the window; on
// false the remaining work is abandoned (the process stops waiting on it,
// it is not force-cancelled).
func (c *Coordinator) Drain(window time.Duration) bool {
	c.mu.Lock()
	c.accepting = false
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(finished)
	}()

	t := time.NewTimer(window)
	defer t.Stop()
	select {
	case <-finished:
		return true
	case <-t.C:
		return false
	}
}

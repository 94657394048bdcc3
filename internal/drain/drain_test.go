package drain

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBeginAndDone(t *testing.T) {
	c := NewCoordinator()
	if !c.Accepting() {
		t.Fatal("new coordinator should accept work")
	}

	done, err := c.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if got := c.InFlight(); got != 1 {
		t.Errorf("InFlight() = %d, want 1", got)
	}

	done()
	done() // second call is a no-op
	if got := c.InFlight(); got != 0 {
		t.Errorf("InFlight() after done = %d, want 0", got)
	}
}

func TestDrainWaitsForInFlight(t *testing.T) {
	c := NewCoordinator()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		done, err := c.Begin()
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(20 * time.Millisecond)
			done()
		}()
	}

	if !c.Drain(2 * time.Second) {
		t.Error("Drain() = false, want true when work finishes inside the window")
	}
	wg.Wait()
}

func TestDrainTimesOut(t *testing.T) {
	c := NewCoordinator()

	done, err := c.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer done()

	start := time.Now()
	if c.Drain(30 * time.Millisecond) {
		t.Error("Drain() = true, want false when work outlives the window")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Drain() returned after %v, want at least the window", elapsed)
	}
}

func TestBeginAfterDrainRejected(t *testing.T) {
	c := NewCoordinator()
	c.Drain(0)

	if c.Accepting() {
		t.Error("Accepting() = true after drain")
	}
	if _, err := c.Begin(); !errors.Is(err, ErrDraining) {
		t.Errorf("Begin() error = %v, want ErrDraining", err)
	}
}

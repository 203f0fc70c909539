// Package clock abstracts the suspension points of the node loops so they can be driven
// by a virtual clock in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provides the time source and the blocking sleep used by the node loops.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, in which case it returns ctx.Err().
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the wall clock.
type Real struct{}

// Now returns the current wall time.
func (Real) Now() time.Time { return time.Now() }

// Sleep blocks for d or until ctx is done.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manual is a virtual clock. Sleep returns immediately after advancing the clock by the
// requested duration and recording it, so a test can assert the exact pacing of a loop.
type Manual struct {
	mu      sync.RWMutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration)
}

// NewManual creates a manual clock starting at the current time.
func NewManual() *Manual {
	return &Manual{now: time.Now()}
}

// NewManualAt creates a manual clock starting at t.
func NewManualAt(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now returns the virtual time.
func (c *Manual) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleep advances the virtual time by d and records the sleep.
func (c *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

// OnSleep installs a hook invoked after every Sleep, outside the clock lock. Tests use
// it to inject commands between loop suspension points or to cancel the loop.
func (c *Manual) OnSleep(fn func(d time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSleep = fn
}

// Sleeps returns a copy of every recorded sleep, in order.
func (c *Manual) Sleeps() []time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// Since returns the virtual duration elapsed since t.
func (c *Manual) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

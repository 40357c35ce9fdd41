// Package clock provides the time primitives of the outreach pipeline: an
// injectable Clock (real and fake), the daily work window, and jittered
// delay helpers.
//
// Every suspension point in the pipeline sleeps through Clock.Sleep so that
// tests can drive time deterministically and shutdown (context cancellation)
// interrupts the sleep promptly.
package clock

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Clock is the time source used by every component.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	// It returns ctx.Err() when interrupted.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake is a manually driven clock for tests. Sleep advances the fake time
// by the requested duration instead of blocking.
//
// All methods are safe for concurrent use.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

// NewFake returns a Fake clock set to now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep records d and advances the clock. It fails fast on a done context.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	f.slept = append(f.slept, d)
	return nil
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Sleeps returns a copy of every duration passed to Sleep so far.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.slept))
	copy(out, f.slept)
	return out
}

// Jitter returns a uniformly random duration in [lo, hi]. If hi <= lo, lo
// is returned.
func Jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

// SleepCapped sleeps min(d, maxSlice). A non-positive maxSlice disables the
// cap. Callers that need the full duration loop and re-check their state
// between slices, which keeps shutdown responsive.
func SleepCapped(ctx context.Context, c Clock, d, maxSlice time.Duration) error {
	if maxSlice > 0 && d > maxSlice {
		d = maxSlice
	}
	return c.Sleep(ctx, d)
}

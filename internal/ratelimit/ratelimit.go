// Package ratelimit bounds the rate of outbound outreach messages.
//
// The limiter runs two regimes:
//
//   - First run: the first MaxMessages sends go out back to back (refilled at
//     FirstRunDelay) so connectivity is validated quickly.
//   - Steady state: once a full first burst has been sent, consecutive sends
//     are spaced by Interval, a value drawn once from [IntervalMin,
//     IntervalMax] at construction.
//
// In both regimes a sliding window caps the burst: at most MaxMessages sends
// may carry a timestamp newer than now-BurstPause. When the cap is reached the
// limiter is in cooldown until the oldest send in the window ages out.
//
// If nothing was sent for longer than IdleReset the limiter drops its state
// and re-enters the first-run regime, so a process that idled overnight is not
// throttled as if it were mid-burst.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/leadflow/internal/clock"
)

// Config holds the limiter thresholds.
type Config struct {
	MaxMessages   int
	IntervalMin   time.Duration
	IntervalMax   time.Duration
	BurstPause    time.Duration
	FirstRunDelay time.Duration
	// IdleReset is raised to BurstPause when smaller.
	IdleReset time.Duration
	// MaxWaitSlice caps a single sleep inside WaitForToken.
	MaxWaitSlice time.Duration
}

// DefaultConfig returns conservative defaults for a personal account.
func DefaultConfig() Config {
	return Config{
		MaxMessages:   3,
		IntervalMin:   3 * time.Minute,
		IntervalMax:   7 * time.Minute,
		BurstPause:    time.Hour,
		FirstRunDelay: 5 * time.Second,
		IdleReset:     2 * time.Hour,
		MaxWaitSlice:  30 * time.Second,
	}
}

// Stats is a snapshot of limiter state for operators.
type Stats struct {
	FirstRun        bool          `json:"first_run"`
	InWindow        int           `json:"in_window"`
	MaxMessages     int           `json:"max_messages"`
	Interval        time.Duration `json:"interval"`
	TotalSent       int64         `json:"total_sent"`
	NextAvailableIn time.Duration `json:"next_available_in"`
}

// Limiter is the outreach rate limiter. State is process-local and never
// persisted.
//
// All methods are safe for concurrent use.
type Limiter struct {
	cfg      Config
	clk      clock.Clock
	interval time.Duration

	mu       sync.Mutex
	spacing  *rate.Limiter
	sent     []time.Time // sends newer than now-BurstPause, oldest first
	firstRun bool
	firstN   int // sends made in the current first-run regime
	lastSent time.Time
	total    int64
}

// New creates a Limiter. Zero config fields fall back to DefaultConfig.
func New(cfg Config, clk clock.Clock) *Limiter {
	def := DefaultConfig()
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.BurstPause <= 0 {
		cfg.BurstPause = def.BurstPause
	}
	if cfg.IntervalMax < cfg.IntervalMin {
		cfg.IntervalMax = cfg.IntervalMin
	}
	if cfg.IdleReset < cfg.BurstPause {
		cfg.IdleReset = cfg.BurstPause
	}
	if cfg.MaxWaitSlice <= 0 {
		cfg.MaxWaitSlice = def.MaxWaitSlice
	}
	if clk == nil {
		clk = clock.New()
	}

	l := &Limiter{
		cfg:      cfg,
		clk:      clk,
		interval: clock.Jitter(cfg.IntervalMin, cfg.IntervalMax),
	}
	l.resetLocked()
	return l
}

// Interval returns the steady-state spacing drawn at construction.
func (l *Limiter) Interval() time.Duration { return l.interval }

// TryConsume takes a token if one is available right now and records the
// send. It never blocks.
func (l *Limiter) TryConsume() bool {
	ok, _ := l.reserve()
	return ok
}

// WaitForToken blocks until a token is taken, the timeout elapses or ctx is
// done. It sleeps exactly as long as the next token needs (capped by
// MaxWaitSlice) between attempts. A false result means no token was consumed.
func (l *Limiter) WaitForToken(ctx context.Context, timeout time.Duration) bool {
	deadline := l.clk.Now().Add(timeout)
	for {
		ok, wait := l.reserve()
		if ok {
			return true
		}
		remaining := deadline.Sub(l.clk.Now())
		if remaining <= 0 {
			return false
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		if wait > remaining {
			wait = remaining
		}
		if err := clock.SleepCapped(ctx, l.clk, wait, l.cfg.MaxWaitSlice); err != nil {
			return false
		}
	}
}

// Stats returns a snapshot of the limiter.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	l.pruneLocked(now)
	return Stats{
		FirstRun:        l.firstRun,
		InWindow:        len(l.sent),
		MaxMessages:     l.cfg.MaxMessages,
		Interval:        l.interval,
		TotalSent:       l.total,
		NextAvailableIn: l.waitLocked(now),
	}
}

// reserve is the single decision point: it either records a send and
// returns true, or returns the wait before a token could be available.
func (l *Limiter) reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	if !l.lastSent.IsZero() && now.Sub(l.lastSent) > l.cfg.IdleReset {
		l.resetLocked()
	}
	l.pruneLocked(now)

	if len(l.sent) >= l.cfg.MaxMessages {
		return false, l.waitLocked(now)
	}
	if !l.spacing.AllowN(now, 1) {
		return false, l.waitLocked(now)
	}

	l.sent = append(l.sent, now)
	l.lastSent = now
	l.total++
	if l.firstRun {
		l.firstN++
		if l.firstN >= l.cfg.MaxMessages {
			l.firstRun = false
			l.spacing.SetLimitAt(now, rate.Every(l.interval))
			l.spacing.SetBurstAt(now, 1)
		}
	}
	return true, 0
}

// waitLocked computes how long until reserve could succeed.
// MUST be called with l.mu held and after pruneLocked.
func (l *Limiter) waitLocked(now time.Time) time.Duration {
	var wait time.Duration
	if len(l.sent) >= l.cfg.MaxMessages {
		wait = l.sent[0].Add(l.cfg.BurstPause).Sub(now)
	}
	if tokens := l.spacing.TokensAt(now); tokens < 1 {
		lim := float64(l.spacing.Limit())
		if lim > 0 {
			d := time.Duration((1 - tokens) / lim * float64(time.Second))
			if d > wait {
				wait = d
			}
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// pruneLocked drops sends that are no longer newer than now-BurstPause.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.BurstPause)
	i := 0
	for i < len(l.sent) && !l.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.sent = append(l.sent[:0], l.sent[i:]...)
	}
}

// resetLocked re-enters the first-run regime.
func (l *Limiter) resetLocked() {
	delay := l.cfg.FirstRunDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	l.spacing = rate.NewLimiter(rate.Every(delay), l.cfg.MaxMessages)
	l.sent = l.sent[:0]
	l.firstRun = true
	l.firstN = 0
}

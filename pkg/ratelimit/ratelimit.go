// Package ratelimit throttles pipeline calls with a token bucket.
// A full analysis run is expensive on the server, so the client keeps its
// own average rate and honors Retry-After cooldowns the server asks for.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter is a token bucket. It is safe for concurrent use.
// A zero or negative rate disables it.
type Limiter struct {
	mu            sync.Mutex
	rate          float64 // tokens per second
	burst         int
	tokens        float64
	lastRefill    time.Time
	disabled      bool
	cooldownUntil time.Time
	now           func() time.Time
}

// NewLimiter creates a limiter allowing rate calls per second with the
// given burst. The bucket starts full.
func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: now(),
		disabled:   rate <= 0,
		now:        now,
	}
	return l
}

// Wait blocks until a call may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		d := l.reserve()
		if d == 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow takes a token if one is available right now.
func (l *Limiter) Allow() bool {
	return l.reserve() == 0
}

// reserve takes a token and returns 0, or returns how long to wait before
// trying again.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.cooldownUntil) {
		return l.cooldownUntil.Sub(now)
	}
	if l.disabled {
		return 0
	}

	l.refillLocked(now)
	if l.tokens >= 1 {
		l.tokens--
		return 0
	}

	wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > float64(l.burst) {
			l.tokens = float64(l.burst)
		}
	}
	l.lastRefill = now
}

// SetRate changes the rate; zero or negative disables limiting.
// Used when the configuration is reloaded.
func (l *Limiter) SetRate(rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rate <= 0 {
		l.disabled = true
		return
	}
	if !l.disabled {
		l.refillLocked(l.now())
	} else {
		l.lastRefill = l.now()
	}
	l.disabled = false
	l.rate = rate
}

// SetBurst changes the bucket size, clamping held tokens.
func (l *Limiter) SetBurst(burst int) {
	if burst < 1 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.burst = burst
	if l.tokens > float64(burst) {
		l.tokens = float64(burst)
	}
}

// Pause blocks all calls for at least d, even when limiting is disabled.
// The pipeline client calls it with the server's Retry-After.
func (l *Limiter) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if until := l.now().Add(d); until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
}

// CooldownRemaining returns how long a Pause still applies.
func (l *Limiter) CooldownRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now := l.now(); now.Before(l.cooldownUntil) {
		return l.cooldownUntil.Sub(now)
	}
	return 0
}

// String describes the configuration for logs.
func (l *Limiter) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disabled {
		return "rate limiting disabled"
	}
	return fmt.Sprintf("%.2f req/s, burst=%d", l.rate, l.burst)
}

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often Start sweeps expired windows when no interval is given.
const DefaultCleanupInterval = 5 * time.Minute

// Clock returns the current time. Tests swap it for a controllable clock.
type Clock func() time.Time

// Option configures a limiter.
type Option func(*options)

type options struct {
	now Clock
}

// WithClock replaces time.Now as the limiter's time source.
func WithClock(now Clock) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type window struct {
	count   int
	resetAt time.Time
}

// expired reports whether the next check should open a fresh window.
func (w *window) expired(now time.Time) bool {
	return now.After(w.resetAt)
}

// Limiter admits at most N requests per identifier per fixed window.
// Windows roll over lazily on the first check after resetAt, so the
// periodic sweep only reclaims memory and never changes a decision.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*window
	now     Clock

	sweep sweeper
}

// NewLimiter creates an empty limiter.
func NewLimiter(opts ...Option) *Limiter {
	o := buildOptions(opts)
	return &Limiter{
		entries: make(map[string]*window),
		now:     o.now,
	}
}

// Check admits the request if identifier still has budget in its current window.
// The first request of a window is always admitted. A rejected request does not
// consume budget.
func (l *Limiter) Check(identifier string, maxRequests int, windowSize time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.entries[identifier]
	if !exists || w.expired(now) {
		l.entries[identifier] = &window{count: 1, resetAt: now.Add(windowSize)}
		return true
	}

	if w.count >= maxRequests {
		return false
	}

	w.count++
	return true
}

// Allow is Check with the budget taken from p.
func (l *Limiter) Allow(identifier string, p Policy) bool {
	return l.Check(identifier, p.MaxRequests, p.Window)
}

// ResetTime returns whole seconds, rounded up, until identifier's window resets.
// It returns 0 when there is no active window.
func (l *Limiter) ResetTime(identifier string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.entries[identifier]
	if !exists || w.expired(now) {
		return 0
	}
	return int(math.Ceil(w.resetAt.Sub(now).Seconds()))
}

// Remaining returns how many requests identifier may still make in its window.
func (l *Limiter) Remaining(identifier string, maxRequests int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.entries[identifier]
	if !exists || w.expired(l.now()) {
		return maxRequests
	}
	return max(0, maxRequests-w.count)
}

// Reset forgets identifier's window.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, identifier)
}

// Cleanup drops every expired window and returns how many were removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, w := range l.entries {
		if w.expired(now) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked identifiers.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Start runs Cleanup every interval until ctx is done or Stop is called.
func (l *Limiter) Start(ctx context.Context, interval time.Duration) error {
	return l.sweep.start(ctx, interval, func() { l.Cleanup() })
}

// Stop halts the periodic sweep. Safe to call more than once.
func (l *Limiter) Stop() {
	l.sweep.stop()
}

// sweeper owns the background cleanup goroutine of a limiter.
type sweeper struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *sweeper) start(ctx context.Context, interval time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrSweepAlreadyRunning
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn()
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *sweeper) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ViolationThreshold is the number of rejections within one window that blacklists a connection.
const ViolationThreshold = 3

type connWindow struct {
	window
	violations int
}

// Stats is a snapshot of a ConnectionLimiter.
type Stats struct {
	Tracked     int `json:"tracked"`
	Blacklisted int `json:"blacklisted"`
}

// ConnectionLimiter is a fixed window limiter for live connections that
// escalates repeated rejections into a blacklist. Blacklist membership is
// checked before any window and survives window expiry and Remove.
type ConnectionLimiter struct {
	mu        sync.Mutex
	windows   map[string]map[string]*connWindow // connectionID -> event scope -> window
	blacklist map[string]time.Time
	now       Clock
	logger    *log.Logger

	sweep sweeper
}

// NewConnectionLimiter creates an empty limiter. A nil logger falls back to log.Default().
func NewConnectionLimiter(logger *log.Logger, opts ...Option) *ConnectionLimiter {
	if logger == nil {
		logger = log.Default()
	}
	o := buildOptions(opts)
	return &ConnectionLimiter{
		windows:   make(map[string]map[string]*connWindow),
		blacklist: make(map[string]time.Time),
		now:       o.now,
		logger:    logger,
	}
}

// Check applies one window to the connection as a whole.
func (l *ConnectionLimiter) Check(connectionID string, maxEvents int, windowSize time.Duration) bool {
	return l.check(connectionID, "", maxEvents, windowSize)
}

// CheckEvent applies a window scoped to one event name. Violations in any
// event window blacklist the connection itself.
func (l *ConnectionLimiter) CheckEvent(connectionID, event string, p Policy) bool {
	return l.check(connectionID, event, p.MaxRequests, p.Window)
}

func (l *ConnectionLimiter) check(connectionID, scope string, maxEvents int, windowSize time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, banned := l.blacklist[connectionID]; banned {
		return false
	}

	now := l.now()
	scopes, ok := l.windows[connectionID]
	if !ok {
		scopes = make(map[string]*connWindow)
		l.windows[connectionID] = scopes
	}

	w, exists := scopes[scope]
	if !exists || w.expired(now) {
		scopes[scope] = &connWindow{window: window{count: 1, resetAt: now.Add(windowSize)}}
		return true
	}

	if w.count >= maxEvents {
		w.violations++
		if w.violations >= ViolationThreshold {
			l.blacklist[connectionID] = now
			l.logger.Warn("connection blacklisted",
				"connection", connectionID,
				"event", scope,
				"violations", w.violations)
		}
		return false
	}

	w.count++
	return true
}

// Remove forgets every window of the connection. Blacklist membership is kept.
func (l *ConnectionLimiter) Remove(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, connectionID)
}

// IsBlacklisted reports whether connectionID is refused unconditionally.
func (l *ConnectionLimiter) IsBlacklisted(connectionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, banned := l.blacklist[connectionID]
	return banned
}

// Unblacklist lifts the ban. The connection's windows start fresh.
func (l *ConnectionLimiter) Unblacklist(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, banned := l.blacklist[connectionID]; !banned {
		return
	}
	delete(l.blacklist, connectionID)
	delete(l.windows, connectionID)
	l.logger.Info("connection unblacklisted", "connection", connectionID)
}

// Stats counts tracked windows and blacklisted connections.
func (l *ConnectionLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	tracked := 0
	for _, scopes := range l.windows {
		tracked += len(scopes)
	}
	return Stats{Tracked: tracked, Blacklisted: len(l.blacklist)}
}

// Cleanup drops expired windows and returns how many were removed.
func (l *ConnectionLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for connID, scopes := range l.windows {
		for scope, w := range scopes {
			if w.expired(now) {
				delete(scopes, scope)
				removed++
			}
		}
		if len(scopes) == 0 {
			delete(l.windows, connID)
		}
	}
	return removed
}

// Start runs Cleanup every interval until ctx is done or Stop is called.
func (l *ConnectionLimiter) Start(ctx context.Context, interval time.Duration) error {
	return l.sweep.start(ctx, interval, func() {
		if n := l.Cleanup(); n > 0 {
			l.logger.Debug("expired connection windows swept", "removed", n)
		}
	})
}

// Stop halts the periodic sweep.
func (l *ConnectionLimiter) Stop() {
	l.sweep.stop()
}

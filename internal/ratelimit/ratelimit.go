/*
This file contains the fixed-window rate limiter. Requests are counted per
(caller, operation) pair inside a window; the first request after a window
expires starts a fresh one. Admins can tune per-operation limits at runtime
and exempt specific addresses entirely.
*/

package ratelimit

import (
	"sync"
	"time"

	"github.com/commitlabs/clm/internal/types"
)

// Limit is the per-operation window configuration.
type Limit struct {
	Window   time.Duration
	MaxCalls int
}

type windowState struct {
	windowStart time.Time
	calls       int
}

// Limiter is a fixed-window rate limiter keyed by (caller, operation).
// The zero Limit (MaxCalls == 0) means the operation is unlimited.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	windows map[string]*windowState
	exempt  map[types.Address]bool
	now     func() time.Time
}

// New returns a limiter with the given per-operation defaults.
func New(limits map[string]Limit) *Limiter {
	l := &Limiter{
		limits:  make(map[string]Limit, len(limits)),
		windows: make(map[string]*windowState),
		exempt:  make(map[types.Address]bool),
		now:     time.Now,
	}
	for op, lim := range limits {
		l.limits[op] = lim
	}
	return l
}

// SetNow overrides the clock. Intended for tests.
func (l *Limiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// SetLimit installs or replaces the limit for an operation.
func (l *Limiter) SetLimit(operation string, window time.Duration, maxCalls int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[operation] = Limit{Window: window, MaxCalls: maxCalls}
}

// SetExempt marks or clears an address as exempt from all limits.
func (l *Limiter) SetExempt(addr types.Address, exempt bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exempt {
		l.exempt[addr] = true
	} else {
		delete(l.exempt, addr)
	}
}

// Allow records one call for (caller, operation) and reports whether it fits
// in the current window. Rejected calls are not counted against the window.
func (l *Limiter) Allow(caller types.Address, operation string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.exempt[caller] {
		return true
	}
	lim, ok := l.limits[operation]
	if !ok || lim.MaxCalls <= 0 {
		return true
	}

	key := string(caller) + "|" + operation
	now := l.now()
	ws, ok := l.windows[key]
	if !ok || now.Sub(ws.windowStart) >= lim.Window {
		l.windows[key] = &windowState{windowStart: now, calls: 1}
		return true
	}
	if ws.calls >= lim.MaxCalls {
		return false
	}
	ws.calls++
	return true
}

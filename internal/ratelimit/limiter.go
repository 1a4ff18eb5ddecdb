// Package ratelimit bounds how often new stream connections may be opened.
package ratelimit

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// Limiter is a sliding-window admission gate: at most max grants within any
// window. Denied requests are not recorded.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	grants deque.Deque[time.Time]
}

// New creates a limiter allowing max grants per window
func New(max int, window time.Duration) *Limiter {
	return &Limiter{max: max, window: window}
}

// TryAcquire expires grants older than the window and records a new one if
// there is room. Callers must pass non-decreasing times.
func (l *Limiter) TryAcquire(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.grants.Len() > 0 && now.Sub(l.grants.Front()) >= l.window {
		l.grants.PopFront()
	}
	if l.grants.Len() >= l.max {
		return false
	}
	l.grants.PushBack(now)
	return true
}

// Window returns the sliding window length, which is also the retry hint
// for a denied caller.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// InWindow returns the number of grants currently counted against the window
func (l *Limiter) InWindow(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := 0; i < l.grants.Len(); i++ {
		if now.Sub(l.grants.At(i)) < l.window {
			n++
		}
	}
	return n
}

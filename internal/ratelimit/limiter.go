// Package ratelimit gates calls per caller identity.
//
// SlidingWindow keeps per-key timestamps in process memory; RedisWindow keeps
// them in a Redis sorted set so several instances share one budget. Both
// admit a call only if fewer than maxCalls were admitted in the trailing
// window; rejected calls are not recorded.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned by Allow when the caller is over budget.
// Recoverable: the caller may retry once older calls leave the window.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Limiter is the interface consumers depend on.
type Limiter interface {
	// Allow records a call for key and returns nil, or ErrRateLimitExceeded.
	Allow(ctx context.Context, key string) error
}

func validate(maxCalls int, window time.Duration) error {
	if maxCalls <= 0 {
		return fmt.Errorf("maxCalls must be positive, got %d", maxCalls)
	}
	if window <= 0 {
		return fmt.Errorf("window must be positive, got %s", window)
	}
	return nil
}

// SlidingWindow is an in-process sliding-window counter. Safe for concurrent use.
type SlidingWindow struct {
	maxCalls int
	window   time.Duration
	now      func() time.Time

	mu    sync.Mutex
	calls map[string][]time.Time // per key, oldest first
}

// NewSlidingWindow returns a limiter admitting maxCalls per key per window.
func NewSlidingWindow(maxCalls int, window time.Duration) (*SlidingWindow, error) {
	if err := validate(maxCalls, window); err != nil {
		return nil, err
	}
	return &SlidingWindow{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		calls:    make(map[string][]time.Time),
	}, nil
}

// WithClock replaces the time source. For tests.
func (l *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	l.now = now
	return l
}

// IsAllowed drops timestamps older than now-window for key, then admits and
// records the call if fewer than maxCalls remain.
func (l *SlidingWindow) IsAllowed(key string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.calls[key]
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	ts = ts[i:]

	if len(ts) >= l.maxCalls {
		l.calls[key] = ts
		return false
	}
	l.calls[key] = append(ts, now)
	return true
}

// Allow implements Limiter.
func (l *SlidingWindow) Allow(_ context.Context, key string) error {
	if !l.IsAllowed(key) {
		return ErrRateLimitExceeded
	}
	return nil
}

// Sweep forgets keys whose every timestamp has left the window.
// Keeps the map from growing with one-off callers.
func (l *SlidingWindow) Sweep() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, ts := range l.calls {
		if len(ts) == 0 || ts[len(ts)-1].Before(cutoff) {
			delete(l.calls, key)
			removed++
		}
	}
	return removed
}

// count reports retained timestamps for key. Test helper.
func (l *SlidingWindow) count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls[key])
}

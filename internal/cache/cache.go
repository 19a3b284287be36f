package cache

import (
	"context"
	"sync"
	"time"
)

// AttemptLimiter throttles repeated attempts at a sensitive endpoint,
// keyed by client. Allow reports whether this attempt may proceed.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryAttemptLimiter is a sliding-window limiter for single-process
// deployments.
type MemoryAttemptLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	max      int
	attempts map[string][]time.Time
	now      func() time.Time
}

func NewMemoryAttemptLimiter(max int, window time.Duration) *MemoryAttemptLimiter {
	return &MemoryAttemptLimiter{
		window:   window,
		max:      max,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

func (l *MemoryAttemptLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.attempts[key][:0]
	for _, at := range l.attempts[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= l.max {
		l.attempts[key] = kept
		return false, nil
	}
	l.attempts[key] = append(kept, now)
	return true, nil
}

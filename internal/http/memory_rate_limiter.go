package httpx

import (
	"sync"
	"time"
)

// sweepEvery bounds how many Allow calls pass between purges of expired
// windows.
const sweepEvery = 1024

// memoryRateLimiter keeps fixed windows in process memory. Expired windows
// are purged lazily from Allow so the limiter owns no goroutine.
type memoryRateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*rateWindow
	calls   int
}

type rateWindow struct {
	count int
	end   time.Time
}

// NewMemoryRateLimiter returns a process-local fixed window limiter.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{now: now, windows: make(map[string]*rateWindow)}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.calls++
	if rl.calls >= sweepEvery {
		rl.calls = 0
		for k, w := range rl.windows {
			if !now.Before(w.end) {
				delete(rl.windows, k)
			}
		}
	}

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.end) {
		w = &rateWindow{end: now.Add(window)}
		rl.windows[key] = w
	}
	if w.count >= limit {
		return rateDecision{allowed: false, count: w.count, windowEnd: w.end}
	}
	w.count++
	return rateDecision{allowed: true, count: w.count, windowEnd: w.end}
}

func (rl *memoryRateLimiter) Close() {
	rl.mu.Lock()
	rl.windows = make(map[string]*rateWindow)
	rl.mu.Unlock()
}

package scheduler

import (
	"sync"
	"time"
)

// SlidingWindow is a per-key sliding-window rate limiter. A hit exactly
// one window old has rolled out and no longer counts.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]int64
	now    func() int64
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		hits:   make(map[string][]int64),
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Allow records a hit for key if it is under the limit.
func (w *SlidingWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	nowMs := w.now()
	kept := w.pruneLocked(key, nowMs)
	if len(kept) >= w.limit {
		return false
	}
	w.hits[key] = append(kept, nowMs)
	return true
}

// Remaining reports how many hits key has left in the current window.
func (w *SlidingWindow) Remaining(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.pruneLocked(key, w.now())
	w.hits[key] = kept
	if n := w.limit - len(kept); n > 0 {
		return n
	}
	return 0
}

func (w *SlidingWindow) pruneLocked(key string, nowMs int64) []int64 {
	cutoff := nowMs - w.window.Milliseconds()
	hits := w.hits[key]
	i := 0
	for i < len(hits) && hits[i] <= cutoff {
		i++
	}
	if i == len(hits) {
		delete(w.hits, key)
		return nil
	}
	return hits[i:]
}

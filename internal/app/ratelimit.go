package app

import (
	"sync"
	"time"
)

type window struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// FixedWindowLimiter admits at most limit calls per key within each
// window. A window opens on the first call for a key and a rejection
// does not reset it. Keys lock independently.
type FixedWindowLimiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewFixedWindowLimiter(limit int, interval time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		windows:  make(map[string]*window),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// WithClock replaces the time source; tests use it to step time.
func (l *FixedWindowLimiter) WithClock(now func() time.Time) *FixedWindowLimiter {
	l.now = now
	return l
}

func (l *FixedWindowLimiter) entry(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	return w
}

// Allow counts one call for key. When the call is rejected it also
// returns how long until the window resets.
func (l *FixedWindowLimiter) Allow(key string) (bool, time.Duration) {
	w := l.entry(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	if w.start.IsZero() || now.Sub(w.start) >= l.interval {
		w.start = now
		w.count = 1
		return true, 0
	}
	if w.count < l.limit {
		w.count++
		return true, 0
	}
	retry := w.start.Add(l.interval).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return false, retry
}

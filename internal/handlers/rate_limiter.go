package handlers

import (
	"strings"
	"sync"
	"time"
)

// rateLimiter bounds how often a single callback source may hit the webhook.
type rateLimiter interface {
	Allow(key string) bool
}

// callbackThrottle counts hits per source inside a fixed window. The gateway
// retries failed callbacks aggressively, so one NAT'd egress IP must not be
// able to starve the others.
type callbackThrottle struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	sources map[string]callbackWindow
}

type callbackWindow struct {
	hits     int
	resetsAt time.Time
}

func newCallbackThrottle(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &callbackThrottle{
		limit:   limit,
		window:  window,
		clock:   clock,
		sources: make(map[string]callbackWindow),
	}
}

func (t *callbackThrottle) Allow(key string) bool {
	if t == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	win, ok := t.sources[key]
	if !ok || now.After(win.resetsAt) {
		t.dropStaleLocked(now)
		t.sources[key] = callbackWindow{hits: 1, resetsAt: now.Add(t.window)}
		return true
	}
	if win.hits >= t.limit {
		return false
	}
	win.hits++
	t.sources[key] = win
	return true
}

// dropStaleLocked evicts sources whose window elapsed so the map stays
// bounded by the set of currently active callers.
func (t *callbackThrottle) dropStaleLocked(now time.Time) {
	for key, win := range t.sources {
		if now.After(win.resetsAt) {
			delete(t.sources, key)
		}
	}
}

package handler

import (
	"sync"
	"time"

	"github.com/memtree/memengine/internal/config"
)

// rateLimiter applies a per-agent request limit with a fixed-window
// counter per agent, reset every Window. There is no global cap across
// agents.
type rateLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	counts    map[string]int
	windowEnd map[string]time.Time
}

func newRateLimiter(cfg config.RateLimit) *rateLimiter {
	limit := cfg.RequestsPerWindow
	if limit <= 0 {
		limit = 1 << 30 // effectively unbounded when unconfigured
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		limit:     limit,
		window:    window,
		counts:    make(map[string]int),
		windowEnd: make(map[string]time.Time),
	}
}

// allow reports whether agentID may make one more request in the current
// window, incrementing its counter as a side effect.
func (r *rateLimiter) allow(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if end, ok := r.windowEnd[agentID]; !ok || now.After(end) {
		r.counts[agentID] = 0
		r.windowEnd[agentID] = now.Add(r.window)
	}
	if r.counts[agentID] >= r.limit {
		return false
	}
	r.counts[agentID]++
	return true
}

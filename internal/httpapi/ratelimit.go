package httpapi

import (
	"sync"
	"time"
)

// RateLimiter enforces a minimum spacing between requests per source.
// A zero spacing disables limiting.
type RateLimiter struct {
	lastSeen map[string]time.Time
	mu       sync.Mutex
	spacing  time.Duration
}

// NewRateLimiter creates a rate limiter with the given minimum spacing.
func NewRateLimiter(spacing time.Duration) *RateLimiter {
	return &RateLimiter{
		lastSeen: make(map[string]time.Time),
		spacing:  spacing,
	}
}

// Allow reports whether a request from the source may proceed now, and
// records it if so.
func (r *RateLimiter) Allow(source string) bool {
	if r.spacing <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if last, seen := r.lastSeen[source]; seen && now.Sub(last) < r.spacing {
		return false
	}
	r.lastSeen[source] = now
	return true
}

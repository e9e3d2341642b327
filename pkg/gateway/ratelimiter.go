package gateway

import (
	"errors"
	"sync"
	"time"
)

// Default per-client limits.
const (
	DefaultRequestsPerMinute = 60
	DefaultMaxConcurrent     = 10
)

var (
	// ErrRateLimited is returned when a client exceeds its request rate.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooManyConcurrent is returned when a client has too many requests in flight.
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
)

// ClientRateLimiter implements sliding window rate limiting per client.
type ClientRateLimiter struct {
	mu            sync.Mutex
	limit         int
	maxConcurrent int
	window        time.Duration
	requests      []time.Time
	inFlight      int
	now           func() time.Time
}

// NewClientRateLimiter creates a limiter with the default limits.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerMinute, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a limiter allowing requestsPerMinute
// requests per sliding minute and maxConcurrent in flight.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limit:         requestsPerMinute,
		maxConcurrent: maxConcurrent,
		window:        time.Minute,
		now:           time.Now,
	}
}

// Acquire admits a request or returns ErrTooManyConcurrent / ErrRateLimited.
// Every successful Acquire must be paired with Release.
func (r *ClientRateLimiter) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return ErrTooManyConcurrent
	}

	now := r.now()
	r.pruneLocked(now)
	if len(r.requests) >= r.limit {
		return ErrRateLimited
	}

	r.requests = append(r.requests, now)
	r.inFlight++
	return nil
}

// Release marks an admitted request as finished.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.limit = requestsPerMinute
	r.maxConcurrent = maxConcurrent
}

// Stats returns the requests in the current window and those in flight.
func (r *ClientRateLimiter) Stats() (requests, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	return len(r.requests), r.inFlight
}

func (r *ClientRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.window)
	kept := r.requests[:0]
	for _, at := range r.requests {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	r.requests = kept
}

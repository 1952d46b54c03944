// Copyright 2025 Joseph Cumines
//
// Token bucket rate limiter for HTTP transport

package transport

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket over golang.org/x/time/rate with an
// injectable clock. When the bucket is empty, requests are rejected with
// HTTP 429 Too Many Requests.
type RateLimiter struct {
	limiter *rate.Limiter
	clock   func() time.Time
	// OnLimited is called for every rejected request, if set.
	OnLimited func()
}

// NewRateLimiter creates a new rate limiter with the specified rate.
// The rate is in requests per second. The burst size is 2x the rate, at least 1.
// Returns nil if rate is 0 or negative (disabling rate limiting).
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	return NewRateLimiterWithClock(requestsPerSecond, time.Now)
}

// NewRateLimiterWithClock creates a rate limiter with an injectable clock.
func NewRateLimiterWithClock(requestsPerSecond float64, clock func() time.Time) *RateLimiter {
	if requestsPerSecond <= 0 {
		return nil
	}
	burst := int(requestsPerSecond * 2)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		clock:   clock,
	}
}

// Allow reports whether a request may proceed, consuming a token if so.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.limiter.AllowN(r.clock(), 1)
}

// Tokens returns the currently available tokens, or -1 if r is nil.
func (r *RateLimiter) Tokens() float64 {
	if r == nil {
		return -1
	}
	return r.limiter.TokensAt(r.clock())
}

// RateLimitMiddleware creates HTTP middleware that applies rate limiting.
// The /health and /metrics endpoints are exempt. Returns 429 when rate limited.
// If limiter is nil, the middleware is a passthrough.
func RateLimitMiddleware(limiter *RateLimiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// load balancers and scrapers must always get through
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if !limiter.Allow() {
			if limiter.OnLimited != nil {
				limiter.OnLimited()
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

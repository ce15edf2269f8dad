package sip

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sourceRateLimiter enforces a per-source-IP sliding request rate, ahead
// of and independent from the brute-force guard: it exists to shed load
// from a single noisy source before that source ever reaches the auth
// layer, not to punish bad credentials.
type sourceRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// newSourceRateLimiter builds a limiter that allows maxRequests per window
// per source IP, bursting up to maxRequests at once.
func newSourceRateLimiter(maxRequests int, window time.Duration) *sourceRateLimiter {
	var rps rate.Limit
	if window > 0 {
		rps = rate.Limit(float64(maxRequests) / window.Seconds())
	} else {
		rps = rate.Inf
	}
	return &sourceRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    maxRequests,
	}
}

// Allow reports whether a request from source may proceed.
func (l *sourceRateLimiter) Allow(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		ip = source
	}

	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// Forget drops the limiter state for an IP, e.g. on brute-force unblock,
// so a previously hammering source does not stay penalized after the
// operator resets it.
func (l *sourceRateLimiter) Forget(ip string) {
	l.mu.Lock()
	delete(l.limiters, ip)
	l.mu.Unlock()
}

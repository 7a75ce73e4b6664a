package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/keyward/server/internal/apperr"
	"golang.org/x/time/rate"
)

const (
	maxTrackedKeys = 10000
	bucketIdleTTL  = 10 * time.Minute
)

// RateLimiter keeps one token bucket per key. Buckets idle for longer than
// bucketIdleTTL are evicted.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   *expirable.LRU[string, *rate.Limiter]
	perSecond rate.Limit
	burst     int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(perSecond, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:   expirable.NewLRU[string, *rate.Limiter](maxTrackedKeys, nil, bucketIdleTTL),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
	}
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	lim, ok := rl.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rl.perSecond, rl.burst)
	}
	// re-adding refreshes the idle TTL
	rl.buckets.Add(key, lim)
	rl.mu.Unlock()
	return lim.Allow()
}

// RateLimitMiddleware creates a rate limiting middleware
func RateLimitMiddleware(limiter *RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(keyFunc(r)) {
				respondWithError(w, apperr.RateLimited("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetIPKey extracts IP address from request for rate limiting
func GetIPKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return "ip:" + strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

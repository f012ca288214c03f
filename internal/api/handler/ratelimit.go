package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces per-IP token-bucket rate limiting. It is an
// explicitly constructed value with an owned lifetime: the caller wires
// its Middleware into the router and drives cleanup through Run.
type RateLimiter struct {
	rps   int
	burst int

	mu       sync.Mutex
	limiters map[string]*ipLimiter
}

// NewRateLimiter creates a RateLimiter. rps is the steady-state requests
// per second per client IP; burst is the bucket size.
func NewRateLimiter(rps, burst int) *RateLimiter {
	return &RateLimiter{
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*ipLimiter),
	}
}

// Middleware returns the gin middleware enforcing the limit.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		r.mu.Lock()
		l, ok := r.limiters[ip]
		if !ok {
			l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(r.rps), r.burst)}
			r.limiters[ip] = l
		}
		l.lastSeen = time.Now()
		r.mu.Unlock()

		if !l.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Run evicts limiters idle for more than ten minutes, every five minutes,
// until ctx is cancelled.
func (r *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			for ip, l := range r.limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(r.limiters, ip)
				}
			}
			r.mu.Unlock()
		}
	}
}

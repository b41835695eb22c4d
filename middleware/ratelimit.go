package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	visitorIdleTTL  = 10 * time.Minute
	visitorGCPeriod = 5 * time.Minute
)

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

type visitorTable struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

func (t *visitorTable) get(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(t.rps, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.bucket
}

func (t *visitorTable) evictIdle() {
	cutoff := time.Now().Add(-visitorIdleTTL)
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, v := range t.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(t.visitors, ip)
		}
	}
}

// RateLimit enforces a per-client-IP token bucket across all routes it wraps.
// r is the sustained refill rate, b the burst allowance.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	table := &visitorTable{
		visitors: make(map[string]*visitor),
		rps:      r,
		burst:    b,
	}

	go func() {
		for range time.Tick(visitorGCPeriod) {
			table.evictIdle()
		}
	}()

	return func(c *gin.Context) {
		if !table.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

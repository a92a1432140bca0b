package web

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPRateLimiter is a per-client-IP token bucket limiter, grounded on
// the NewRateLimiter/RateLimitMiddleware pair web/router.go wires up
// (10 req/s global, 5 req/s on ActivityPub routes); those definitions
// were not part of this snapshot, so the limiter map below is the
// standard golang.org/x/time/rate per-client idiom used in their
// place, with idle entries swept so long-lived servers don't leak
// memory per distinct visitor.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*visitor
	r        rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(r rate.Limit, burst int) *IPRateLimiter {
	l := &IPRateLimiter{limiters: map[string]*visitor{}, r: r, burst: burst}
	go l.sweep()
	return l
}

func (l *IPRateLimiter) sweep() {
	for range time.Tick(time.Minute) {
		l.mu.Lock()
		for ip, v := range l.limiters {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}

func (l *IPRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.limiters[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.r, l.burst)}
		l.limiters[ip] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// RateLimitMiddleware rejects requests over the limiter's rate with
// 429, keyed by the request's remote IP.
func RateLimitMiddleware(l *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
				ip = host
			}
		}
		if !l.allow(ip) {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}

// MaxBytesMiddleware caps request bodies, matching the 1MB ceiling
// the teacher applies to ActivityPub routes in web/router.go.
func MaxBytesMiddleware(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
)

// Admission verdicts for the inference-forwarding endpoint.
type Verdict int

const (
	Allowed Verdict = iota
	// Throttled means the client re-fired before the minimum interval
	// elapsed, regardless of how much window quota is left.
	Throttled
	// Exceeded means the sliding-window quota is used up.
	Exceeded
)

const (
	// MinInterval guards against accidental rapid-fire from a tight
	// client capture loop.
	MinInterval = 1500 * time.Millisecond
	// Window is the sliding-window length.
	Window = 60 * time.Second
	// WindowLimit is the number of admitted requests per window.
	WindowLimit = 30

	// Entries whose window is more than twice stale get evicted so the
	// store stays bounded under many distinct clients.
	staleFactor = 2
)

type clientWindow struct {
	windowStart time.Time
	count       int
	lastRequest time.Time
}

// RateLimiter implements per-client sliding-window plus minimum-interval
// admission control. State is in-memory only; it protects a single serving
// process from abusive bursts and resets on restart.
type RateLimiter struct {
	clients map[string]*clientWindow
	mutex   sync.Mutex
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientWindow),
		now:     time.Now,
	}
}

// Allow decides whether a request from the given key is admitted. On
// admission it counts the request and records its timestamp.
func (rl *RateLimiter) Allow(key string) Verdict {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	rl.evictStale(now)

	cw, ok := rl.clients[key]
	if !ok {
		cw = &clientWindow{windowStart: now}
		rl.clients[key] = cw
	}

	if !cw.lastRequest.IsZero() && now.Sub(cw.lastRequest) < MinInterval {
		return Throttled
	}

	if now.Sub(cw.windowStart) > Window {
		cw.windowStart = now
		cw.count = 0
	}

	if cw.count >= WindowLimit {
		return Exceeded
	}

	cw.count++
	cw.lastRequest = now
	return Allowed
}

// RetryAfter returns a client hint in seconds for the given verdict.
func (rl *RateLimiter) RetryAfter(key string, v Verdict) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cw, ok := rl.clients[key]
	if !ok {
		return int(MinInterval.Seconds()) + 1
	}
	now := rl.now()
	switch v {
	case Throttled:
		remaining := MinInterval - now.Sub(cw.lastRequest)
		if remaining < 0 {
			remaining = 0
		}
		return int(remaining.Seconds()) + 1
	case Exceeded:
		remaining := Window - now.Sub(cw.windowStart)
		if remaining < 0 {
			remaining = 0
		}
		return int(remaining.Seconds()) + 1
	default:
		return 0
	}
}

func (rl *RateLimiter) evictStale(now time.Time) {
	for key, cw := range rl.clients {
		if now.Sub(cw.windowStart) > staleFactor*Window {
			delete(rl.clients, key)
		}
	}
}

// ClientKey derives the admission key from the forwarded IP and a prefix of
// the user agent, so distinct apps behind one NAT do not share a bucket.
func ClientKey(ip, userAgent string) string {
	if len(userAgent) > 32 {
		userAgent = userAgent[:32]
	}
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return hex.EncodeToString(sum[:16])
}

// RateLimitMiddleware applies the limiter to inference submissions. The two
// rejection classes carry distinct codes so clients can tell "slow down"
// from "quota exhausted".
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ClientKey(c.ClientIP(), c.Request.UserAgent())

		verdict := limiter.Allow(key)
		if verdict == Allowed {
			c.Next()
			return
		}

		code := "RATE_LIMITED"
		message := "Too many requests, try again later"
		if verdict == Throttled {
			code = "TOO_FAST"
			message = "Requests are arriving too quickly"
		}
		log.Warnf("Rate limit %s for client %s", code, key)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"ok": false,
			"error": gin.H{
				"code":        code,
				"message":     message,
				"retry_after": limiter.RetryAfter(key, verdict),
			},
		})
		c.Abort()
	}
}

package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/talgya/mars-colony/internal/clock"
)

// RateLimiter keeps one token bucket per client address. Each bucket
// holds burst tokens and refills burst tokens per window.
type RateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	limit   rate.Limit
	burst   int
	idle    time.Duration
	clients map[string]*client
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows burst requests per client per window. A nil clock
// uses clock.Real().
func NewRateLimiter(burst int, window time.Duration, c clock.Clock) *RateLimiter {
	if c == nil {
		c = clock.Real()
	}
	return &RateLimiter{
		clock:   c,
		limit:   rate.Limit(float64(burst) / window.Seconds()),
		burst:   burst,
		idle:    2 * window,
		clients: make(map[string]*client),
	}
}

// Reserve takes a token for key. With the bucket empty it returns false
// and how long until the next token.
func (rl *RateLimiter) Reserve(key string) (bool, time.Duration) {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[key]
	if !ok {
		c = &client{bucket: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	if c.bucket.AllowN(now, 1) {
		return true, 0
	}
	res := c.bucket.ReserveN(now, 1)
	wait := res.DelayFrom(now)
	res.CancelAt(now)
	return false, wait
}

// Cleanup forgets clients idle for more than two windows.
func (rl *RateLimiter) Cleanup() {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idle {
			delete(rl.clients, key)
		}
	}
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// clientIP prefers the first X-Forwarded-For hop, then the remote host.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware answers 429 with Retry-After once a client's
// bucket is empty.
func RateLimitMiddleware(rl *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := rl.Reserve(clientIP(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

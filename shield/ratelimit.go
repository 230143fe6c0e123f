package shield

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a client keeps its bucket without requests.
const idleAfter = 10 * time.Minute

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter provides per-client token-bucket rate limiting. Clients are
// keyed by IP. Buckets of idle clients are dropped by StartJanitor.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	exclude []string // path prefixes excluded from rate limiting
	now     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter allows perSecond sustained requests per client with
// bursts of burst. Paths starting with one of excludePrefixes are never
// limited.
func NewRateLimiter(perSecond float64, burst int, excludePrefixes ...string) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		exclude:  excludePrefixes,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// StartJanitor drops idle client buckets every minute until ctx is done.
func (rl *RateLimiter) StartJanitor(ctx context.Context) {
	tick := time.NewTicker(time.Minute)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() int {
	cutoff := rl.now().Add(-idleAfter)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for ip, v := range rl.visitors {
		if v.seen.Before(cutoff) {
			delete(rl.visitors, ip)
			n++
		}
	}
	return n
}

// reserve takes a token for ip. It returns the wait before the next token
// when the bucket is empty.
func (rl *RateLimiter) reserve(ip string) (bool, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.seen = now
	rl.mu.Unlock()

	r := v.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Middleware rejects requests over the limit with 429 and a JSON error.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		ok, wait := rl.reserve(ip)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "path", r.URL.Path, "retry_in", wait)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "rate limit exceeded",
		})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

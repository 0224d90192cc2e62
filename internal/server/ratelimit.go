package server

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/logging"
)

// bucketExpiry is how long an untouched bucket is kept. A full bucket carries
// no state, so dropping it is invisible to the client.
const bucketExpiry = 10 * time.Minute

// ErrRateLimited is returned when a client has no tokens left.
var ErrRateLimited = errors.NewProtocolError(errors.ErrCodeRateLimited, "rate limit exceeded")

// RateLimiter implements token bucket rate limiting per client key
type RateLimiter struct {
	buckets     map[string]*TokenBucket
	bucketMutex sync.Mutex
	burst       float64
	rate        float64 // tokens per second
	now         func() time.Time
	logger      logging.Logger
}

// TokenBucket holds the tokens of one client
type TokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimitResult represents the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// NewRateLimiter creates a limiter whose buckets hold burst tokens and refill
// at rate tokens per second.
func NewRateLimiter(burst int, rate float64, logger logging.Logger) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		burst:   float64(burst),
		rate:    rate,
		now:     time.Now,
		logger:  logging.OrNop(logger).WithComponent("ratelimit"),
	}
}

// Check takes one token for key if available.
func (rl *RateLimiter) Check(key string) RateLimitResult {
	rl.bucketMutex.Lock()
	defer rl.bucketMutex.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &TokenBucket{tokens: rl.burst, lastRefill: now}
		rl.buckets[key] = bucket
	}
	rl.refill(bucket, now)

	if bucket.tokens >= 1 {
		bucket.tokens--

		return RateLimitResult{Allowed: true, Remaining: int(bucket.tokens)}
	}

	missing := 1 - bucket.tokens
	retryAfter := time.Duration(math.Ceil(missing / rl.rate * float64(time.Second)))

	return RateLimitResult{Allowed: false, RetryAfter: retryAfter}
}

func (rl *RateLimiter) refill(bucket *TokenBucket, now time.Time) {
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	bucket.tokens = math.Min(rl.burst, bucket.tokens+elapsed*rl.rate)
	bucket.lastRefill = now
}

// Run drops idle buckets periodically until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.performCleanup()
		}
	}
}

// performCleanup removes expired buckets
func (rl *RateLimiter) performCleanup() {
	rl.bucketMutex.Lock()
	defer rl.bucketMutex.Unlock()

	now := rl.now()
	for key, bucket := range rl.buckets {
		if now.Sub(bucket.lastRefill) > bucketExpiry {
			delete(rl.buckets, key)
		}
	}
}

// Buckets returns the number of tracked clients.
func (rl *RateLimiter) Buckets() int {
	rl.bucketMutex.Lock()
	defer rl.bucketMutex.Unlock()

	return len(rl.buckets)
}

// RateLimitMiddleware rejects requests over the limit with 429 and Retry-After.
func RateLimitMiddleware(limiter *RateLimiter, clientIP func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			result := limiter.Check(ip)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				secs := int(math.Ceil(result.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				limiter.logger.Warn(r.Context(), ErrRateLimited, "Rate limit exceeded",
					"client_ip", ip,
					"path", r.URL.Path,
					"method", r.Method)
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the key used for rate limiting. Behind the production
// proxy it is the first X-Forwarded-For entry; otherwise the peer address.
func ClientIP(production bool) func(*http.Request) string {
	return func(r *http.Request) string {
		if production {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}

		return host
	}
}

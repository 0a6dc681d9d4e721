package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/labnotify/internal/metrics"
	"github.com/lalithlochan/labnotify/internal/ratelimit"
)

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request (e.g. client IP).
// Limiter backend failures let the request through.
func RateLimitMiddleware(limiter ratelimit.Admitter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			err := limiter.CheckAndRecord(r.Context(), key)
			var limited *ratelimit.Error
			switch {
			case err == nil:
			case errors.As(err, &limited):
				metrics.RecordRateLimitRejection("api")
				w.Header().Set("Retry-After", strconv.Itoa(max(limited.WaitSeconds(), 1)))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Please retry after the specified time.",
				})
				return
			default:
				logger.Warn("rate limit check failed", zap.Error(err))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

// LocalLimiter is a per-key token bucket used when no shared Redis limiter
// is configured. Limits are per process.
type LocalLimiter struct {
	mu      sync.Mutex
	perMin  int
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

func NewLocalLimiter(perMinute int) *LocalLimiter {
	if perMinute <= 0 {
		perMinute = 300
	}
	return &LocalLimiter{
		perMin:  perMinute,
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

func (l *LocalLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(l.perMin)/60), l.perMin)
		l.buckets[key] = b
	}
	return b
}

// CheckAndRecord takes one token for key or returns *ratelimit.Error with
// the time until the next token.
func (l *LocalLimiter) CheckAndRecord(_ context.Context, key string) error {
	now := l.now()
	res := l.bucket(key).ReserveN(now, 1)
	if !res.OK() {
		return &ratelimit.Error{Identifier: key, Wait: time.Minute}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return &ratelimit.Error{Identifier: key, Wait: delay}
	}
	return nil
}

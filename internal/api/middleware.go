package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/eventhub/internal/metrics"
	"github.com/lalithlochan/eventhub/internal/redis"
)

// RateLimitMiddleware charges each request to the limiter's budget. The
// keyFunc extracts the caller key from the request (e.g., user id, IP). A nil
// limiter or a Redis error lets the request through.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
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

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.String("budget", limiter.Name()), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				scope, _, _ := strings.Cut(key, ":")
				metrics.RecordRateLimitRejection(limiter.Name(), scope)

				retryAfter := result.RetryAfter(time.Now())
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
				writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					fmt.Sprintf("The %s rate limit is exhausted. Retry after %d seconds.", limiter.Name(), int(retryAfter.Seconds())))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserKeyFunc keys on the authenticated subject.
func UserKeyFunc(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		return "user:" + claims.Subject
	}
	return ""
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

// CallerKeyFunc keys on the user when authenticated and on the IP otherwise.
func CallerKeyFunc(r *http.Request) string {
	if key := UserKeyFunc(r); key != "" {
		return key
	}
	return IPKeyFunc(r)
}

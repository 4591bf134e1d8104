package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/eventhub/internal/redis"
)

func withClaims(r *http.Request, claims *Claims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims))
}

func TestUserKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	if got := UserKeyFunc(req); got != "" {
		t.Errorf("expected empty key without claims, got %q", got)
	}

	req = withClaims(req, &Claims{RegisteredClaims: jwtSubject("u1")})
	if got := UserKeyFunc(req); got != "user:u1" {
		t.Errorf("expected %q, got %q", "user:u1", got)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestCallerKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "5.6.7.8:1234"

	if got := CallerKeyFunc(req); got != "ip:5.6.7.8:1234" {
		t.Errorf("anonymous caller should key on IP, got %q", got)
	}

	req = withClaims(req, &Claims{RegisteredClaims: jwtSubject("u1")})
	if got := CallerKeyFunc(req); got != "user:u1" {
		t.Errorf("authenticated caller should key on user, got %q", got)
	}
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	middleware := RateLimitMiddleware(nil, nil, CallerKeyFunc)
	wrapped := middleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// newTestLimiter returns a named budget backed by miniredis.
func newTestLimiter(t *testing.T, name string, limit int) *redis.RateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	port, _ := strconv.Atoi(mr.Port())
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{Name: name, Limit: limit, Window: time.Minute})
}

func TestRateLimitMiddleware_BlocksOverLimit(t *testing.T) {
	limiter := newTestLimiter(t, redis.BudgetInbox, 2)
	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), IPKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "9.9.9.9:1"
		last = httptest.NewRecorder()
		wrapped.ServeHTTP(last, req)
		codes = append(codes, last.Code)

		if last.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("expected X-RateLimit-Limit 2, got %q", last.Header().Get("X-RateLimit-Limit"))
		}
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected 200, 200, 429, got %v", codes)
	}

	retryAfter, err := strconv.Atoi(last.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 60 {
		t.Errorf("expected Retry-After within the window, got %q", last.Header().Get("Retry-After"))
	}
	problem := decodeProblem(t, last)
	if problem.Type != "rate_limit_exceeded" || !strings.Contains(problem.Detail, "inbox") {
		t.Errorf("expected the inbox budget to be named, got %+v", problem)
	}
}

func TestRateLimitMiddleware_RedisDownFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	port, _ := strconv.Atoi(mr.Port())
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()
	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{Name: redis.BudgetDispatch, Limit: 1, Window: time.Minute})
	mr.Close()

	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), IPKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/test", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected request through when redis is down, got %d", rec.Code)
	}
}

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	return &Client{rdb: rdb, logger: zap.NewNop()}, mr
}

// fixedClock returns a limiter clock and a function that moves it forward.
func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestRateLimiter_DispatchBudget(t *testing.T) {
	client, mr := setupTestClient(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Name: BudgetDispatch, Limit: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "user:billing-service")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 2-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 2-i, result.Remaining)
		}
	}

	result, err := limiter.Allow(ctx, "user:billing-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed || result.Remaining != 0 {
		t.Errorf("fourth dispatch should be rejected with nothing left, got %+v", result)
	}

	if !mr.Exists("ratelimit:dispatch:user:billing-service") {
		t.Errorf("expected window stored under the dispatch budget, keys: %v", mr.Keys())
	}
}

func TestRateLimiter_BudgetsAreIndependent(t *testing.T) {
	client, _ := setupTestClient(t)
	dispatch := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Name: BudgetDispatch, Limit: 1, Window: time.Minute})
	inbox := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Name: BudgetInbox, Limit: 2, Window: time.Minute})
	ctx := context.Background()

	if r, _ := dispatch.Allow(ctx, "user:u1"); !r.Allowed {
		t.Fatal("first dispatch should be allowed")
	}
	if r, _ := dispatch.Allow(ctx, "user:u1"); r.Allowed {
		t.Fatal("dispatch budget should be spent")
	}

	r, err := inbox.Allow(ctx, "user:u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Allowed || r.Remaining != 1 {
		t.Errorf("inbox reads must not be charged for dispatches, got %+v", r)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	client, _ := setupTestClient(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Name: BudgetInbox, Limit: 2, Window: time.Minute})
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock, advance := fixedClock(start)
	limiter.now = clock
	ctx := context.Background()

	limiter.Allow(ctx, "user:u1")
	advance(30 * time.Second)
	limiter.Allow(ctx, "user:u1")

	rejected, err := limiter.Allow(ctx, "user:u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rejected.Allowed {
		t.Fatal("third read inside the window should be rejected")
	}
	// The slot frees when the first read leaves the window, not a full window from now.
	if want := start.Add(time.Minute); !rejected.ResetAt.Equal(want) {
		t.Errorf("expected reset at %v, got %v", want, rejected.ResetAt)
	}
	if got := rejected.RetryAfter(clock()); got != 30*time.Second {
		t.Errorf("expected retry after 30s, got %v", got)
	}

	advance(31 * time.Second)
	result, err := limiter.Allow(ctx, "user:u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed || result.Remaining != 0 {
		t.Errorf("expected the expired slot to be reusable, got %+v", result)
	}
}

func TestRateLimiter_AllowNIsAllOrNothing(t *testing.T) {
	client, mr := setupTestClient(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Name: BudgetDispatch, Limit: 10, Window: time.Minute})
	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "ip:10.0.0.1", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed || result.Remaining != 3 {
		t.Fatalf("expected 7 admitted with 3 left, got %+v", result)
	}

	result, _ = limiter.AllowN(ctx, "ip:10.0.0.1", 4)
	if result.Allowed {
		t.Fatal("batch larger than the remaining budget should be rejected")
	}

	members, err := mr.ZMembers("ratelimit:dispatch:ip:10.0.0.1")
	if err != nil {
		t.Fatalf("read window: %v", err)
	}
	if len(members) != 7 {
		t.Errorf("rejected batch must not be counted, window has %d entries", len(members))
	}
}

func TestRateLimiter_WindowKeyExpires(t *testing.T) {
	client, mr := setupTestClient(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Name: BudgetInbox, Limit: 5, Window: time.Minute})

	if _, err := limiter.Allow(context.Background(), "user:u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ttl := mr.TTL("ratelimit:inbox:user:u1")
	if ttl <= time.Minute || ttl > time.Minute+2*time.Second {
		t.Errorf("expected ttl just over the window, got %v", ttl)
	}
}

func TestRateLimiter_RedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	client := &Client{rdb: rdb, logger: zap.NewNop()}
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Name: BudgetDispatch, Limit: 5, Window: time.Minute})
	mr.Close()

	if _, err := limiter.Allow(context.Background(), "user:u1"); err == nil {
		t.Error("expected error when redis is down")
	}
}

func TestRateLimiter_Accessors(t *testing.T) {
	client, _ := setupTestClient(t)

	named := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Name: BudgetInbox, Limit: 42, Window: time.Minute})
	if named.Name() != BudgetInbox || named.Limit() != 42 {
		t.Errorf("unexpected accessors: %s/%d", named.Name(), named.Limit())
	}

	unnamed := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: 1, Window: time.Minute})
	if unnamed.Name() != "default" {
		t.Errorf("expected default budget name, got %q", unnamed.Name())
	}
}

func TestRateLimitResult_RetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		resetAt time.Time
		want    time.Duration
	}{
		{"future", now.Add(12 * time.Second), 12 * time.Second},
		{"sub-second", now.Add(200 * time.Millisecond), time.Second},
		{"past", now.Add(-time.Second), time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &RateLimitResult{ResetAt: tt.resetAt}
			if got := r.RetryAfter(now); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

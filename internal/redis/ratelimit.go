package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Budget names used by the gateway. Dispatch calls come from trusted services
// in bursts; inbox calls come from devices polling their own notifications.
const (
	BudgetDispatch = "dispatch"
	BudgetInbox    = "inbox"
)

// slidingWindow trims expired entries, admits cost requests if they fit and
// reports the remaining budget and when the oldest entry leaves the window.
// Scores are microseconds so the whole check runs as one atomic step.
//
// KEYS[1] window key
// ARGV    now (us), window (us), limit, cost, member prefix
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local allowed = 0
if count + cost <= limit then
	for i = 1, cost do
		redis.call('ZADD', key, now, ARGV[5] .. ':' .. i)
	end
	count = count + cost
	allowed = 1
end

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end
if count > 0 then
	redis.call('PEXPIRE', key, math.ceil(window / 1000) + 1000)
end

return {allowed, limit - count, reset}
`)

// RateLimitConfig is one named budget: Limit requests per caller per Window.
type RateLimitConfig struct {
	Name   string
	Limit  int
	Window time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a rejected caller should wait, rounded up to a whole
// second and never below one.
func (r *RateLimitResult) RetryAfter(now time.Time) time.Duration {
	wait := r.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Round(time.Second)
}

// RateLimiter enforces one named sliding-window budget per caller. Limiters
// with different names share a Redis client without sharing counters.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Name == "" {
		config.Name = "default"
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Name returns the budget name, used for keys and metric labels.
func (r *RateLimiter) Name() string {
	return r.config.Name
}

// Limit returns the configured request budget per window.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

// Allow takes one request from caller's budget.
func (r *RateLimiter) Allow(ctx context.Context, caller string) (*RateLimitResult, error) {
	return r.AllowN(ctx, caller, 1)
}

// AllowN takes n requests at once; either all fit or none are counted.
func (r *RateLimiter) AllowN(ctx context.Context, caller string, n int) (*RateLimitResult, error) {
	now := r.now()
	key := r.key(caller)

	vals, err := slidingWindow.Run(ctx, r.client.rdb, []string{key},
		now.UnixMicro(),
		r.config.Window.Microseconds(),
		r.config.Limit,
		n,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", r.config.Name, err)
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("rate limit %s: unexpected reply %v", r.config.Name, vals)
	}

	result := &RateLimitResult{
		Allowed:   vals[0] == 1,
		Remaining: max(0, int(vals[1])),
		ResetAt:   time.UnixMicro(vals[2]),
	}

	if !result.Allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("budget", r.config.Name),
			zap.String("caller", caller),
			zap.Int("limit", r.config.Limit),
			zap.Time("reset_at", result.ResetAt),
		)
	}

	return result, nil
}

func (r *RateLimiter) key(caller string) string {
	return fmt.Sprintf("ratelimit:%s:%s", r.config.Name, caller)
}

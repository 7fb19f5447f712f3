package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/helphut/ticket-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// claimBudgetScript spends one claim from the actor's budget for the current
// window. A rejected attempt does not spend anything, so a caller hammering the
// endpoint is not pushed further out than the window it already exhausted.
//
// KEYS[1] budget key, ARGV[1] claims per window, ARGV[2] window in ms.
// Returns {allowed (0|1), remaining, ttl ms}.
var claimBudgetScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local spent = tonumber(redis.call("GET", KEYS[1]) or "0")
if spent >= limit then
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], window)
    ttl = window
  end
  return {0, 0, ttl}
end
spent = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end
return {1, limit - spent, ttl}
`)

const (
	defaultRateLimitPrefix = "helphut:rate_limit"
	claimBudgetWindow      = time.Minute
)

// ClaimDecision is the outcome of spending one claim from an actor's budget.
type ClaimDecision struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int
}

// RedisClaimRateLimiter gives every claimant a fixed per-minute claim budget
// shared by all service instances.
type RedisClaimRateLimiter struct {
	client    redis.UniversalClient
	prefix    string
	perMinute int
	window    time.Duration
}

func NewRedisClaimRateLimiter(client redis.UniversalClient, prefix string, perMinute int) *RedisClaimRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = defaultRateLimitPrefix
	}
	return &RedisClaimRateLimiter{
		client:    client,
		prefix:    trimmedPrefix,
		perMinute: perMinute,
		window:    claimBudgetWindow,
	}
}

// budgetKey separates partner and volunteer budgets; the two roles claim
// different fields and never compete for the same one.
func (r *RedisClaimRateLimiter) budgetKey(actor domain.Actor) string {
	return fmt.Sprintf("%s:claim:%s:%s", r.prefix, actor.Role, actor.ID)
}

// AllowClaim spends one claim for actor. A limiter without a client or a
// positive budget allows everything.
func (r *RedisClaimRateLimiter) AllowClaim(ctx context.Context, actor domain.Actor) (ClaimDecision, error) {
	if r == nil || r.client == nil || r.perMinute <= 0 {
		return ClaimDecision{Allowed: true}, nil
	}

	windowMs := r.window.Milliseconds()
	raw, err := claimBudgetScript.Run(ctx, r.client, []string{r.budgetKey(actor)}, r.perMinute, windowMs).Int64Slice()
	if err != nil {
		return ClaimDecision{}, fmt.Errorf("claim budget for %s %s: %w", actor.Role, actor.ID, err)
	}
	if len(raw) != 3 {
		return ClaimDecision{}, fmt.Errorf("claim budget for %s %s: unexpected reply %v", actor.Role, actor.ID, raw)
	}

	ttlMs := raw[2]
	if ttlMs <= 0 {
		ttlMs = windowMs
	}
	decision := ClaimDecision{
		Allowed:           raw[0] == 1,
		Remaining:         int(raw[1]),
		RetryAfterSeconds: int(math.Ceil(float64(ttlMs) / 1000.0)),
	}
	if decision.Allowed {
		decision.RetryAfterSeconds = 0
	}
	return decision, nil
}

// Package budget enforces the global and per-user daily call caps
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/metrics"
	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/redis/go-redis/v9"
)

// KeyTTL outlives a calendar day so a key surviving midnight still expires by itself.
const KeyTTL = 48 * time.Hour

const (
	allowed       = 0
	globalReached = 1
	userReached   = 2
)

// checkAndIncr increments both counters in one server-side step. A counter pushed past its
// cap is decremented again before returning, so a rejected call consumes no quota.
var checkAndIncr = redis.NewScript(`
local g = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
if g > tonumber(ARGV[1]) then
	redis.call('DECR', KEYS[1])
	return 1
end
local u = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], ARGV[3])
if u > tonumber(ARGV[2]) then
	redis.call('DECR', KEYS[2])
	redis.call('DECR', KEYS[1])
	return 2
end
return 0
`)

type Guard struct {
	client    redis.Scripter
	globalCap int64
	userQuota int64
	now       func() time.Time
}

func NewGuard(client redis.Scripter, globalCap, userQuota int64) *Guard {
	return &Guard{
		client:    client,
		globalCap: globalCap,
		userQuota: userQuota,
		now:       time.Now,
	}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// CheckAndIncrement counts one provider call for userID today. It returns
// model.ErrDailyBudget or model.ErrUserQuota when a cap is already reached.
func (g *Guard) CheckAndIncrement(ctx context.Context, userID string) error {
	day := g.now().UTC().Format(time.DateOnly)
	keys := []string{GlobalKey(day), UserKey(userID, day)}

	res, err := checkAndIncr.Run(ctx, g.client, keys, g.globalCap, g.userQuota, int64(KeyTTL/time.Second)).Int()
	if err != nil {
		return fmt.Errorf("budget counter script: %w", err)
	}

	switch res {
	case allowed:
		return nil
	case globalReached:
		metrics.BudgetRejections.WithLabelValues("global").Inc()
		return model.ErrDailyBudget
	case userReached:
		metrics.BudgetRejections.WithLabelValues("user").Inc()
		return model.ErrUserQuota
	default:
		return fmt.Errorf("budget counter script returned unexpected %d", res)
	}
}

func GlobalKey(day string) string {
	return "budget:global:" + day
}

func UserKey(userID, day string) string {
	return "budget:user:" + userID + ":" + day
}

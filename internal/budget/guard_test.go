package budget

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var fixedDay = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newGuard(t *testing.T, globalCap, userQuota int64) (*Guard, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	g := NewGuard(client, globalCap, userQuota)
	g.now = func() time.Time { return fixedDay }
	return g, mr
}

func counter(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()

	if !mr.Exists(key) {
		return ""
	}
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestGuard_UserQuotaBoundary(t *testing.T) {
	g, mr := newGuard(t, 1000, 50)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, g.CheckAndIncrement(ctx, "alice"), "call %d", i+1)
	}

	require.ErrorIs(t, g.CheckAndIncrement(ctx, "alice"), model.ErrUserQuota)

	// the rejected call was rolled back on both counters
	require.Equal(t, "50", counter(t, mr, UserKey("alice", "2026-03-14")))
	require.Equal(t, "50", counter(t, mr, GlobalKey("2026-03-14")))

	// another user is unaffected
	require.NoError(t, g.CheckAndIncrement(ctx, "bob"))
}

func TestGuard_GlobalCap(t *testing.T) {
	g, mr := newGuard(t, 3, 50)
	ctx := context.Background()

	require.NoError(t, g.CheckAndIncrement(ctx, "a"))
	require.NoError(t, g.CheckAndIncrement(ctx, "b"))
	require.NoError(t, g.CheckAndIncrement(ctx, "c"))

	require.ErrorIs(t, g.CheckAndIncrement(ctx, "d"), model.ErrDailyBudget)
	require.Equal(t, "3", counter(t, mr, GlobalKey("2026-03-14")))
	require.Equal(t, "", counter(t, mr, UserKey("d", "2026-03-14")))
}

func TestGuard_ZeroCapsRejectEverything(t *testing.T) {
	g, _ := newGuard(t, 0, 0)

	require.ErrorIs(t, g.CheckAndIncrement(context.Background(), "alice"), model.ErrDailyBudget)

	g.globalCap = 10
	require.ErrorIs(t, g.CheckAndIncrement(context.Background(), "alice"), model.ErrUserQuota)
}

func TestGuard_KeysExpire(t *testing.T) {
	g, mr := newGuard(t, 10, 10)

	require.NoError(t, g.CheckAndIncrement(context.Background(), "alice"))
	require.Equal(t, KeyTTL, mr.TTL(GlobalKey("2026-03-14")))
	require.Equal(t, KeyTTL, mr.TTL(UserKey("alice", "2026-03-14")))

	mr.FastForward(KeyTTL + time.Second)
	require.False(t, mr.Exists(GlobalKey("2026-03-14")))
}

func TestGuard_NewDayStartsFresh(t *testing.T) {
	g, _ := newGuard(t, 1000, 1)
	ctx := context.Background()

	require.NoError(t, g.CheckAndIncrement(ctx, "alice"))
	require.ErrorIs(t, g.CheckAndIncrement(ctx, "alice"), model.ErrUserQuota)

	g.now = func() time.Time { return fixedDay.Add(24 * time.Hour) }
	require.NoError(t, g.CheckAndIncrement(ctx, "alice"))
}

func TestGuard_ConcurrentCallsNeverOvershoot(t *testing.T) {
	g, mr := newGuard(t, 1000, 5)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.CheckAndIncrement(context.Background(), "alice") == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(5), ok.Load())
	require.Equal(t, "5", counter(t, mr, UserKey("alice", "2026-03-14")))
}

func TestGuard_RedisDown(t *testing.T) {
	g, mr := newGuard(t, 10, 10)
	mr.Close()

	err := g.CheckAndIncrement(context.Background(), "alice")
	require.Error(t, err)
	require.NotErrorIs(t, err, model.ErrUserQuota)
	require.NotErrorIs(t, err, model.ErrDailyBudget)
}

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/interleads/travelagency-system-sub000/metrics"
	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/store/memory"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) *memory.Memory {
	t.Helper()
	store := memory.New()
	lot, err := miles.NewLot("smiles", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 10000, decimal.NewFromInt(20), "")
	require.NoError(t, err)
	require.NoError(t, store.CreateLot(context.Background(), lot))
	return store
}

func TestBalanceWithoutRedisIsPassthrough(t *testing.T) {
	c := New(seed(t), nil, 0)

	b, err := c.Balance(context.Background(), "smiles")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), b.Available)
	assert.True(t, decimal.NewFromInt(200).Equal(b.RemainingValue))

	assert.NoError(t, c.InvalidatePrograms(context.Background(), []miles.ProgramID{"smiles"}))
}

func TestBalanceFallsBackWhenRedisIsDown(t *testing.T) {
	// GIVEN: a client pointed at a port nobody listens on
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	c := New(seed(t), rdb, time.Minute)
	errorsBefore, storeErrorsBefore := lookups(t, "error"), lookups(t, "store_error")

	// WHEN: reading a balance
	b, err := c.Balance(context.Background(), "smiles")

	// THEN: the lots answer; the cache error is not the caller's problem
	require.NoError(t, err)
	assert.Equal(t, int64(10000), b.Available)

	// AND: the failed read is counted and no write-back is attempted
	assert.Equal(t, errorsBefore+1, lookups(t, "error"))
	assert.Equal(t, storeErrorsBefore, lookups(t, "store_error"))

	// AND: invalidation reports the failure
	assert.Error(t, c.InvalidatePrograms(context.Background(), []miles.ProgramID{"smiles"}))
}

func TestBalanceKey(t *testing.T) {
	assert.Equal(t, "miles:balance:latam", balanceKey("latam"))
}

func lookups(t *testing.T, result string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.CacheLookups.WithLabelValues(result).Write(&m))
	return m.GetCounter().GetValue()
}

// liveRedis connects to REDIS_URL and clears the keys of programID.
// Tests are skipped when no Redis is configured.
func liveRedis(t *testing.T, programID miles.ProgramID) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	rdb, err := Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Del(context.Background(), balanceKey(programID), generationKey(programID)).Err())
	return rdb
}

func TestBalance_CachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	rdb := liveRedis(t, "smiles")
	store := seed(t)
	c := New(store, rdb, time.Minute)

	// GIVEN: a cached balance
	_, err := c.Balance(ctx, "smiles")
	require.NoError(t, err)
	hitsBefore := lookups(t, "hit")

	// WHEN: a new lot arrives and the program is invalidated
	lot, err := miles.NewLot("smiles", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), 5000, decimal.NewFromInt(20), "")
	require.NoError(t, err)
	require.NoError(t, store.CreateLot(ctx, lot))
	b, err := c.Balance(ctx, "smiles")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), b.Available, "still served from cache")
	assert.Equal(t, hitsBefore+1, lookups(t, "hit"))

	require.NoError(t, c.InvalidatePrograms(ctx, []miles.ProgramID{"smiles"}))

	// THEN: the next read sees the lot
	b, err = c.Balance(ctx, "smiles")
	require.NoError(t, err)
	assert.Equal(t, int64(15000), b.Available)
}

func TestBalance_StaleWriteBackIsDropped(t *testing.T) {
	ctx := context.Background()
	rdb := liveRedis(t, "smiles")
	c := New(seed(t), rdb, time.Minute)

	// GIVEN: a reader that looked up the generation and computed a balance
	_, gen, hit, writable := c.lookup(ctx, "smiles")
	require.False(t, hit)
	require.True(t, writable)
	computed, err := miles.BalanceFor(ctx, c.lots, "smiles")
	require.NoError(t, err)

	// WHEN: a sale invalidates the program before the reader writes back
	require.NoError(t, c.InvalidatePrograms(ctx, []miles.ProgramID{"smiles"}))
	staleBefore := lookups(t, "stale")
	c.store(ctx, "smiles", gen, computed)

	// THEN: nothing was cached
	assert.Equal(t, staleBefore+1, lookups(t, "stale"))
	_, err = rdb.Get(ctx, balanceKey("smiles")).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

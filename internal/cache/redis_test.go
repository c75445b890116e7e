package cache

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warehouse-allocator/internal/models"
)

// newTestCache connects to REDIS_TEST_ADDR and skips when it is unset.
func newTestCache(t *testing.T) *RedisCache {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	c := NewRedisCacheFromClient(client, nil, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRecentKey(t *testing.T) {
	assert.Equal(t, "alloc:recent:42", recentKey(42))
}

func TestIdempotentResponse_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := uuid.NewString()

	got, err := c.GetIdempotentResponse(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	first := &CachedResponse{Status: 200, Body: json.RawMessage(`{"productWarehouseId":1}`)}
	require.NoError(t, c.SaveIdempotentResponse(ctx, key, first, time.Minute))

	second := &CachedResponse{Status: 409, Body: json.RawMessage(`{}`)}
	require.NoError(t, c.SaveIdempotentResponse(ctx, key, second, time.Minute))

	got, err = c.GetIdempotentResponse(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 200, got.Status)
	assert.JSONEq(t, `{"productWarehouseId":1}`, string(got.Body))
}

func TestIdempotencyLock(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := uuid.NewString()

	locked, err := c.LockIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)

	locked, err = c.LockIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, c.UnlockIdempotencyKey(ctx, key))
	locked, err = c.LockIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, locked)
	require.NoError(t, c.UnlockIdempotencyKey(ctx, key))
}

func TestRecentAllocations_NewestFirst(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	warehouseID := time.Now().UnixNano()

	for i := 1; i <= 3; i++ {
		c.OnAllocated(ctx, &models.Allocation{
			ID:          int64(i),
			WarehouseID: warehouseID,
			ProductID:   1,
			OrderID:     int64(i),
			Amount:      5,
			Price:       decimal.NewFromInt(50),
			CreatedAt:   time.Now().UTC(),
		})
	}

	got, err := c.GetRecentAllocations(ctx, warehouseID, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(2), got[1].ID)
}

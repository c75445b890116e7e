package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"warehouse-allocator/internal/config"
	"warehouse-allocator/internal/metrics"
	"warehouse-allocator/internal/models"
)

const (
	idempotencyPrefix     = "idem:"
	idempotencyLockPrefix = "idem:lock:"
	recentPrefix          = "alloc:recent:"

	// DefaultRecentLimit is how many allocations the per-warehouse feed keeps.
	DefaultRecentLimit = 100
	recentTTL          = 24 * time.Hour
)

// RedisCache backs idempotent request replay and the per-warehouse feed of
// recent allocations. The database stays the source of truth; a cache failure
// never fails an allocation.
type RedisCache struct {
	client  *redis.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// CachedResponse is a stored HTTP response replayed for a repeated
// Idempotency-Key.
type CachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// NewRedisCache initializes a Redis connection.
func NewRedisCache(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return NewRedisCacheFromClient(client, logger, m), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, logger *zap.Logger, m *metrics.Metrics) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, logger: logger, metrics: m}
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetIdempotentResponse returns the response stored under key, or nil when
// there is none.
func (c *RedisCache) GetIdempotentResponse(ctx context.Context, key string) (*CachedResponse, error) {
	data, err := c.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.recordMiss()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	c.recordHit()
	return &resp, nil
}

// SaveIdempotentResponse stores resp under key. An existing entry is kept.
func (c *RedisCache) SaveIdempotentResponse(ctx context.Context, key string, resp *CachedResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.client.SetNX(ctx, idempotencyPrefix+key, data, ttl).Err()
}

// LockIdempotencyKey marks key as in flight. It reports false when another
// request holds it. The lock expires after ttl if it is never released.
func (c *RedisCache) LockIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, idempotencyLockPrefix+key, 1, ttl).Result()
}

func (c *RedisCache) UnlockIdempotencyKey(ctx context.Context, key string) error {
	return c.client.Del(ctx, idempotencyLockPrefix+key).Err()
}

func recentKey(warehouseID int64) string {
	return recentPrefix + strconv.FormatInt(warehouseID, 10)
}

// AddRecentAllocation pushes a onto its warehouse feed.
func (c *RedisCache) AddRecentAllocation(ctx context.Context, a *models.Allocation) error {
	key := recentKey(a.WarehouseID)

	data, err := json.Marshal(a)
	if err != nil {
		return err
	}

	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, DefaultRecentLimit-1)
	pipe.Expire(ctx, key, recentTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// GetRecentAllocations returns up to limit allocations for a warehouse,
// newest first.
func (c *RedisCache) GetRecentAllocations(ctx context.Context, warehouseID int64, limit int64) ([]models.Allocation, error) {
	if limit <= 0 || limit > DefaultRecentLimit {
		limit = DefaultRecentLimit
	}
	values, err := c.client.LRange(ctx, recentKey(warehouseID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		c.recordMiss()
	} else {
		c.recordHit()
	}

	allocations := make([]models.Allocation, 0, len(values))
	for _, v := range values {
		var a models.Allocation
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			continue
		}
		allocations = append(allocations, a)
	}

	return allocations, nil
}

// OnAllocated implements allocator.Listener.
func (c *RedisCache) OnAllocated(ctx context.Context, a *models.Allocation) {
	if err := c.AddRecentAllocation(ctx, a); err != nil {
		c.logger.Warn("failed to cache allocation",
			zap.Int64("allocation_id", a.ID),
			zap.Int64("warehouse_id", a.WarehouseID),
			zap.Error(err),
		)
	}
}

func (c *RedisCache) recordHit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
}

func (c *RedisCache) recordMiss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
}

package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuantityCache serves CurrentQuantity reads from Redis. Misses and Redis
// errors fall through to the repository; entries are invalidated after every
// movement so stale reads are bounded by the TTL only when invalidation fails.
type QuantityCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewQuantityCache constructs the cache.
func NewQuantityCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *QuantityCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QuantityCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached quantity and whether it was present.
func (c *QuantityCache) Get(ctx context.Context, itemID int64) (int64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, quantityKey(itemID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("quantity cache get", slog.Any("error", err))
		}
		return 0, false
	}
	qty, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return qty, true
}

// Set stores the quantity with the configured TTL.
func (c *QuantityCache) Set(ctx context.Context, itemID, quantity int64) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, quantityKey(itemID), strconv.FormatInt(quantity, 10), c.ttl).Err(); err != nil {
		c.logger.Warn("quantity cache set", slog.Any("error", err))
	}
}

// Invalidate drops the cached quantity for the item.
func (c *QuantityCache) Invalidate(ctx context.Context, itemID int64) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, quantityKey(itemID)).Err(); err != nil {
		c.logger.Warn("quantity cache invalidate", slog.Any("error", err))
	}
}

func quantityKey(itemID int64) string {
	return fmt.Sprintf("ledger:item:%d:qty", itemID)
}

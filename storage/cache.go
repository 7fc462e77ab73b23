package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"order-stream/domain"
	"order-stream/internal/consts"
)

type backend interface {
	CreateOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ApplyTransition(ctx context.Context, id string, target domain.Status) (domain.Order, error)
	AssignDriver(ctx context.Context, id, driverID string) (domain.Order, error)
}

// Cache wraps a Store with Redis-backed caching for order reads. Every
// mutation evicts so resync reads never observe a stale snapshot.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) CreateOrder(ctx context.Context, o domain.Order) error {
	if err := c.base.CreateOrder(ctx, o); err != nil {
		return err
	}
	c.evict(ctx, o.ID)
	return nil
}

func (c *Cache) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if o, ok := c.loadFromCache(ctx, id); ok {
		return o, nil
	}
	o, err := c.base.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	c.store(ctx, o)
	return o, nil
}

func (c *Cache) ApplyTransition(ctx context.Context, id string, target domain.Status) (domain.Order, error) {
	o, err := c.base.ApplyTransition(ctx, id, target)
	if err != nil {
		return domain.Order{}, err
	}
	c.evict(ctx, id)
	return o, nil
}

func (c *Cache) AssignDriver(ctx context.Context, id, driverID string) (domain.Order, error) {
	o, err := c.base.AssignDriver(ctx, id, driverID)
	if err != nil {
		return domain.Order{}, err
	}
	c.evict(ctx, id)
	return o, nil
}

func (c *Cache) loadFromCache(ctx context.Context, id string) (domain.Order, bool) {
	if c.redis == nil {
		return domain.Order{}, false
	}
	data, err := c.redis.Get(ctx, orderCacheKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, orderCacheKey(id)).Err()
		}
		return domain.Order{}, false
	}
	var o domain.Order
	if err := json.Unmarshal(data, &o); err != nil {
		_ = c.redis.Del(ctx, orderCacheKey(id)).Err()
		return domain.Order{}, false
	}
	return o, true
}

func (c *Cache) store(ctx context.Context, o domain.Order) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(o)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, orderCacheKey(o.ID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, id string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, orderCacheKey(id)).Result()
}

func orderCacheKey(id string) string {
	return consts.OrderCacheKeyPrefix + id
}

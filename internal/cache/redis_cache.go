package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pharmadesk/backend/internal/domain"
)

type RedisSnapshotCache struct {
	client *redis.Client
}

func NewRedisSnapshotCache(addr string, password string, db int) *RedisSnapshotCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSnapshotCache{client: client}
}

func (c *RedisSnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSnapshotCache) Close() error {
	return c.client.Close()
}

func (c *RedisSnapshotCache) GetCatalog(ctx context.Context) ([]domain.CatalogItem, bool, error) {
	var items []domain.CatalogItem
	ok, err := c.getJSON(ctx, CatalogKey, &items)
	return items, ok, err
}

func (c *RedisSnapshotCache) SetCatalog(ctx context.Context, items []domain.CatalogItem, ttl time.Duration) error {
	return c.setJSON(ctx, CatalogKey, items, ttl)
}

func (c *RedisSnapshotCache) GetDirectory(ctx context.Context) ([]domain.Counterparty, bool, error) {
	var entries []domain.Counterparty
	ok, err := c.getJSON(ctx, DirectoryKey, &entries)
	return entries, ok, err
}

func (c *RedisSnapshotCache) SetDirectory(ctx context.Context, entries []domain.Counterparty, ttl time.Duration) error {
	return c.setJSON(ctx, DirectoryKey, entries, ttl)
}

func (c *RedisSnapshotCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, CatalogKey).Err()
}

func (c *RedisSnapshotCache) getJSON(ctx context.Context, key string, dest any) (bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisSnapshotCache) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

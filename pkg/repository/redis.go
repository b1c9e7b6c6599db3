package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/models"
	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned by cache reads when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

type RedisRepository struct {
	client *redis.Client
	config *config.RedisConfig
}

func NewRedisRepository(cfg *config.RedisConfig) *RedisRepository {
	return &RedisRepository{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
		config: cfg,
	}
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisRepository) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

func (r *RedisRepository) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// A user's history is cached under a version that every invalidation bumps.
// Readers fetch the version before reading the database, so a write that
// raced with an invalidation lands under a version nobody reads any more.
func userOrdersVersionKey(userID string) string {
	return fmt.Sprintf("orders:user:%s:version", userID)
}

func userOrdersKey(userID string, version int64) string {
	return fmt.Sprintf("orders:user:%s:v%d", userID, version)
}

// UserOrdersVersion returns the current cache version of the user's history,
// 0 if it was never invalidated.
func (r *RedisRepository) UserOrdersVersion(ctx context.Context, userID string) (int64, error) {
	version, err := r.client.Get(ctx, userOrdersVersionKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return version, err
}

// CacheUserOrders stores a user's order history for redis.orders_ttl.
func (r *RedisRepository) CacheUserOrders(ctx context.Context, userID string, version int64, orders []models.Order) error {
	return r.SetJSON(ctx, userOrdersKey(userID, version), orders, r.config.OrdersTTL)
}

// GetUserOrders returns ErrCacheMiss when nothing is cached for the user at
// version.
func (r *RedisRepository) GetUserOrders(ctx context.Context, userID string, version int64) ([]models.Order, error) {
	var orders []models.Order
	if err := r.GetJSON(ctx, userOrdersKey(userID, version), &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// InvalidateUserOrders bumps the user's cache version and drops the entry
// cached under the previous one.
func (r *RedisRepository) InvalidateUserOrders(ctx context.Context, userID string) error {
	version, err := r.client.Incr(ctx, userOrdersVersionKey(userID)).Result()
	if err != nil {
		return err
	}
	return r.Del(ctx, userOrdersKey(userID, version-1))
}

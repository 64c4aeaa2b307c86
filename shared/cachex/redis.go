package cachex

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"predictive-maintenance-core/shared/config"
)

type Redis struct {
	redis *redis.Client
}

func NewRedis(cfg config.Config) (*Redis, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Redis{redis: rdb}, nil
}

func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{redis: client}
}

func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.redis == nil {
		return ErrNotInitialized
	}
	return r.redis.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r == nil || r.redis == nil {
		return nil
	}
	return r.redis.Close()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if r == nil || r.redis == nil {
		return nil, false, ErrNotInitialized
	}
	b, err := r.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r == nil || r.redis == nil {
		return ErrNotInitialized
	}
	return r.redis.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if r == nil || r.redis == nil {
		return ErrNotInitialized
	}
	return r.redis.Del(ctx, key).Err()
}

func (r *Redis) Client() *redis.Client {
	if r == nil {
		return nil
	}
	return r.redis
}

// Package sessioncache keeps the current listen key in redis so a restarted
// process can resume the same private stream while the key is still valid.
package sessioncache

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/vadiminshakov/ordermirror/internal/domain"
)

const redisKeyPrefix = "ordermirror:listenkey:"

// RedisCache stores one session handle per account with a TTL.
type RedisCache struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// Dial connects to redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return rdb, nil
}

// NewRedisCache scopes the cache to account. ttl should not exceed the
// exchange-side listen key validity.
func NewRedisCache(rdb *redis.Client, account string, ttl time.Duration) *RedisCache {
	if account == "" {
		account = "default"
	}
	return &RedisCache{rdb: rdb, key: redisKeyPrefix + account, ttl: ttl}
}

// Load returns the cached session or nil when none is stored.
func (c *RedisCache) Load(ctx context.Context) (*domain.Session, error) {
	data, err := c.rdb.Get(ctx, c.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "load session from redis")
	}

	var s domain.Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, errors.Wrap(err, "decode cached session")
	}
	if !s.Valid() {
		return nil, nil
	}
	return &s, nil
}

// Save stores the session with the cache TTL.
func (c *RedisCache) Save(ctx context.Context, s domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	return errors.Wrap(c.rdb.Set(ctx, c.key, data, c.ttl).Err(), "save session to redis")
}

// Delete drops the cached session.
func (c *RedisCache) Delete(ctx context.Context) error {
	return errors.Wrap(c.rdb.Del(ctx, c.key).Err(), "delete session from redis")
}

// Close closes the redis client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

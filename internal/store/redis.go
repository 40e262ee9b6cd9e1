package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhubert/relay/internal/errors"
)

// RedisClient is the subset of *redis.Client the store uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStore keeps the snapshot under a single Redis key.
type RedisStore struct {
	rdb RedisClient
	key string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, key string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.E(errors.Op("store.Open"), errors.KindConfig, "state.redis_addr is required for the redis backend")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.PersistenceFailed("redis", err)
	}
	return NewRedisStoreFromClient(rdb, key), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb RedisClient, key string) *RedisStore {
	if key == "" {
		key = "relay:state"
	}
	return &RedisStore{rdb: rdb, key: key}
}

// Load reads the snapshot key.
func (r *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := r.rdb.Get(ctx, r.key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(errors.Op("store.Load"), errors.KindPersistence, "redis backend", err)
	}
	return decode("redis", data)
}

// Save overwrites the snapshot key with no expiry.
func (r *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := encode("redis", snap)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.key, data, 0).Err(); err != nil {
		return errors.PersistenceFailed("redis", err)
	}
	return nil
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

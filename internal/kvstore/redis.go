package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig selects the server and the namespace for keys.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis is a Store on a Redis server shared by every relay node.
type Redis struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedis connects to cfg.Addr and pings it.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("kvstore: redis address required")
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	r := NewRedisFromClient(cl, cfg.KeyPrefix)
	r.owned = true
	return r, nil
}

// NewRedisFromClient wraps an existing client. Close leaves it open.
func NewRedisFromClient(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Client exposes the underlying client so other components (broadcast) can
// share the connection pool.
func (r *Redis) Client() redis.UniversalClient { return r.client }

// Prefix returns the key prefix applied to every key.
func (r *Redis) Prefix() string { return r.prefix }

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, r.key(key)).Result()
	if err != nil {
		return 0, err
	}
	// go-redis reports the sentinel replies -2 and -1 as raw durations.
	switch d {
	case -2, -2 * time.Second:
		return KeyMissing, nil
	case -1, -1 * time.Second:
		return NoExpiry, nil
	}
	return d, nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.key(key), value, ttl).Result()
}

func (r *Redis) ExpireGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	k := r.key(key)
	var get *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, k, ttl)
		get = pipe.Get(ctx, k)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return get.Val(), nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// CompareAndDelete uses WATCH/MULTI so a lock taken by another session
// between the read and the delete is left alone.
func (r *Redis) CompareAndDelete(ctx context.Context, key string, match func(string) bool) (bool, error) {
	k := r.key(key)
	deleted := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if !match(v) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return false, ErrConflict
	}
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

var _ Store = (*Redis)(nil)

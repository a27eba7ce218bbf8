package sharedstate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisBackend is the production Store implementation. It is a thin wrapper
// over go-redis; retry/backoff around transient connection errors is the
// caller's responsibility via the resilience package, mirroring how
// RedisTaskQueue leaves retry policy to its caller rather than baking it in.
type RedisBackend struct {
	client *redis.Client
	log    *logrus.Entry
}

// RedisConfig names the handful of dial parameters the specification exposes.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBackend dials the given Redis endpoint. The connection is lazy;
// go-redis only opens sockets on first use, so this does not itself verify
// reachability.
func NewRedisBackend(cfg RedisConfig, log *logrus.Entry) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisBackend{client: client, log: log.WithField("component", "sharedstate.redis")}
}

// Set stores a scalar value with no expiry.
func (r *RedisBackend) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("sharedstate redis set %q: %w", key, err)
	}
	return nil
}

// Get returns a scalar value, translating redis.Nil into a clean "absent".
func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sharedstate redis get %q: %w", key, err)
	}
	return v, true, nil
}

// Delete removes a scalar key.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("sharedstate redis del %q: %w", key, err)
	}
	return nil
}

// SetNX sets the key only if absent.
func (r *RedisBackend) SetNX(ctx context.Context, key, value string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("sharedstate redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Expire sets a TTL on an existing key.
func (r *RedisBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("sharedstate redis expire %q: %w", key, err)
	}
	return nil
}

// RPush appends to the tail of a list.
func (r *RedisBackend) RPush(ctx context.Context, key, value string) error {
	if err := r.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("sharedstate redis rpush %q: %w", key, err)
	}
	return nil
}

// LPush prepends to the head of a list.
func (r *RedisBackend) LPush(ctx context.Context, key, value string) error {
	if err := r.client.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("sharedstate redis lpush %q: %w", key, err)
	}
	return nil
}

// LPop removes and returns the head element, non-blocking.
func (r *RedisBackend) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sharedstate redis lpop %q: %w", key, err)
	}
	return v, true, nil
}

// BLPop blocks server-side up to timeout. Following RedisTaskQueue's Dequeue,
// a redis.Nil timeout is translated into ErrNoItem rather than propagated as
// a connection-level failure.
func (r *RedisBackend) BLPop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	res, err := r.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", ErrNoItem
	}
	if err != nil {
		return "", fmt.Errorf("sharedstate redis blpop %q: %w", key, err)
	}
	// BLPop on a single key returns [key, value].
	if len(res) < 2 {
		return "", ErrNoItem
	}
	return res[1], nil
}

// LRange returns the inclusive [start, stop] slice of a list.
func (r *RedisBackend) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vs, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("sharedstate redis lrange %q: %w", key, err)
	}
	return vs, nil
}

// LLen returns the current list length.
func (r *RedisBackend) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("sharedstate redis llen %q: %w", key, err)
	}
	return n, nil
}

// HSet sets a hash field.
func (r *RedisBackend) HSet(ctx context.Context, key, field, value string) error {
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("sharedstate redis hset %q: %w", key, err)
	}
	return nil
}

// HGet reads a hash field.
func (r *RedisBackend) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sharedstate redis hget %q/%q: %w", key, field, err)
	}
	return v, true, nil
}

// HGetAll returns the whole hash.
func (r *RedisBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("sharedstate redis hgetall %q: %w", key, err)
	}
	return m, nil
}

// SAdd adds a member to a set.
func (r *RedisBackend) SAdd(ctx context.Context, key, member string) error {
	if err := r.client.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("sharedstate redis sadd %q: %w", key, err)
	}
	return nil
}

// SPop removes and returns an arbitrary member.
func (r *RedisBackend) SPop(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.SPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sharedstate redis spop %q: %w", key, err)
	}
	return v, true, nil
}

// SMembers lists all members of a set.
func (r *RedisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	vs, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("sharedstate redis smembers %q: %w", key, err)
	}
	return vs, nil
}

// Close releases the underlying connection pool.
func (r *RedisBackend) Close(ctx context.Context) error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("sharedstate redis close: %w", err)
	}
	return nil
}

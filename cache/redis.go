package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/observability"
)

// Redis implements Cache on a single Redis instance.
type Redis struct {
	client *redis.Client
}

var _ Cache = (*Redis)(nil)

// NewRedis connects and verifies the instance is reachable.
func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping %s: %w", addr, fault.ErrUnavailable)
	}
	return &Redis{client: client}, nil
}

func observe(start time.Time) {
	observability.CacheLatency.Observe(time.Since(start).Seconds())
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	defer observe(time.Now())
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, classify(err)
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	defer observe(time.Now())
	return classify(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	return ok, classify(err)
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	defer observe(time.Now())
	return classify(r.client.Del(ctx, keys...).Err())
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	defer observe(time.Now())
	return classify(r.client.Expire(ctx, key, ttl).Err())
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	defer observe(time.Now())
	return classify(r.client.HSet(ctx, key, field, value).Err())
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	defer observe(time.Now())
	val, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, classify(err)
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	defer observe(time.Now())
	val, err := r.client.HGetAll(ctx, key).Result()
	return val, classify(err)
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	defer observe(time.Now())
	return classify(r.client.HDel(ctx, key, fields...).Err())
}

func (r *Redis) ListAppend(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	defer observe(time.Now())
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, 0, maxLen-1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return classify(err)
}

func (r *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	defer observe(time.Now())
	val, err := r.client.LRange(ctx, key, start, stop).Result()
	return val, classify(err)
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	defer observe(time.Now())
	return classify(r.client.SAdd(ctx, key, toAny(members)...).Err())
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	defer observe(time.Now())
	return classify(r.client.SRem(ctx, key, toAny(members)...).Err())
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	defer observe(time.Now())
	val, err := r.client.SMembers(ctx, key).Result()
	return val, classify(err)
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("cache: %w", fault.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return err
	default:
		// Cache failures are fail-fast; callers do not block on the cache.
		return fmt.Errorf("cache: %v: %w", err, fault.ErrUnavailable)
	}
}

// Package cache adapts Redis to the hot-path projections the control plane
// keeps: worker blobs, claim leases, progress snapshots, bounded timelines,
// and the pending-RPC hashes. A miss is not an error; callers get the zero
// value. Memory provides the same contract in-process for tests and for
// workers running degraded.
package cache

import (
	"context"
	"time"
)

// Cache is the hot-store seam. Implementations must be safe for concurrent
// use, and every operation must return within a short, bounded time.
type Cache interface {
	// String ops. Get returns ("", nil) on a miss.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key only if absent; reports whether this caller won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Hash ops. HGet returns ("", nil) on a miss.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// ListAppend pushes value, trims the list to maxLen newest entries, and
	// refreshes ttl. ListRange returns newest first.
	ListAppend(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Set ops.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Close() error
}

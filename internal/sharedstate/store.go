// Package sharedstate defines the abstract key/value, list, hash, and set
// store used as the sole cross-process coordination medium: job queues,
// per-job status, per-model progress, and the SSE event buffer all live here.
// A Redis backend is the reference implementation; any backend satisfying
// this interface qualifies.
package sharedstate

import (
	"context"
	"errors"
	"time"
)

// ErrNoItem is returned by list pops when no element is available within
// the requested timeout.
var ErrNoItem = errors.New("sharedstate: no item available")

// Store is the full contract components depend on. It is namespaced by a
// prefix applied by the caller (components prefix their own keys, e.g.
// "sse:<sid>", "job_queue", "progress:<sid>").
type Store interface {
	KV
	List
	Hash
	SetOps
	Close(ctx context.Context) error
}

// KV is the scalar key/value contract.
type KV interface {
	Set(ctx context.Context, key string, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	SetNX(ctx context.Context, key string, value string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// List is the ordered-list contract backing queues and event streams.
type List interface {
	RPush(ctx context.Context, key string, value string) error
	LPush(ctx context.Context, key string, value string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	// BLPop blocks up to timeout waiting for an element. It returns
	// ErrNoItem (not an error the caller should treat as fatal) when the
	// timeout elapses with nothing pushed.
	BLPop(ctx context.Context, key string, timeout time.Duration) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
}

// Hash is the field/value map contract backing slot ownership and per-model
// status.
type Hash interface {
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// SetOps is the unordered-set contract.
type SetOps interface {
	SAdd(ctx context.Context, key string, member string) error
	SPop(ctx context.Context, key string) (string, bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Package store adapts the external shared state service (Redis) to the
// small set of primitives the matchmaker needs: an ordered list with atomic
// head/tail operations, hashes, sets, key expiry, and a pub/sub bus.
//
// Two implementations exist: Redis for multi-instance deployments, and an
// in-process Memory store for tests and single-instance use. Both are safe
// for concurrent use.
package store

import (
	"context"
	"time"
)

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Store is the shared state surface. Individual operations are atomic;
// sequences of operations are not, and callers are expected to tolerate
// the resulting races (see the queue's stale-entry handling).
type Store interface {
	// ListPushTail appends value to the tail of the list at key.
	ListPushTail(ctx context.Context, key, value string) error

	// ListRemoveAll removes every occurrence of value from the list at key.
	ListRemoveAll(ctx context.Context, key, value string) error

	// ListPopHead atomically removes and returns the head of the list at key.
	// ok is false when the list is empty.
	ListPopHead(ctx context.Context, key string) (value string, ok bool, err error)

	// ListLen returns the length of the list at key.
	ListLen(ctx context.Context, key string) (int64, error)

	// ListRange returns all elements of the list at key, head first.
	ListRange(ctx context.Context, key string) ([]string, error)

	// HashSet writes the given fields into the hash at key in one operation.
	HashSet(ctx context.Context, key string, fields map[string]string) error

	// HashGet returns the value of field in the hash at key.
	// ok is false when the field is absent.
	HashGet(ctx context.Context, key, field string) (value string, ok bool, err error)

	// HashDelete removes the given fields from the hash at key in one operation.
	HashDelete(ctx context.Context, key string, fields ...string) error

	// HashGetAll returns the full contents of the hash at key.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// HashLen returns the number of fields in the hash at key.
	HashLen(ctx context.Context, key string) (int64, error)

	// SetAdd adds member to the set at key.
	SetAdd(ctx context.Context, key, member string) error

	// SetRemove removes member from the set at key.
	SetRemove(ctx context.Context, key, member string) error

	// SetContains reports whether member is in the set at key.
	SetContains(ctx context.Context, key, member string) (bool, error)

	// SetMembers returns all members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Expire sets a TTL on key. A key that does not exist is left untouched.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes key entirely.
	Delete(ctx context.Context, key string) error

	// Publish sends payload to every subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel of messages published to channel.
	// The channel is closed when ctx is cancelled or the store is closed.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// MemoryScheme is the URL scheme that selects the in-process store.
const MemoryScheme = "memory"

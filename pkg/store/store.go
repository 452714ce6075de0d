package store

import (
	"context"
	"errors"
	"strings"
)

// KeyPrefix namespaces every record the engine writes to a shared store.
const KeyPrefix = "offline_sync:"

var (
	// ErrNoChange may be returned from an UpdateFunc to leave the record untouched.
	ErrNoChange = errors.New("store: no change")
	// ErrContention is returned when an update lost the optimistic race too many times.
	ErrContention = errors.New("store: too much contention")
	ErrClosed     = errors.New("store: closed")
)

// UpdateFunc computes the next value for a record from its current value.
// Returning a nil slice deletes the record. Returning ErrNoChange leaves it as is.
// The function may be invoked more than once if a concurrent writer wins the race,
// so it must not have side effects outside of its return values.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Store is the durable, multi-writer key/value store shared by every execution context
// of a client. Writes to a single key through Update are read-modify-write safe;
// there is no atomicity across keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every record whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Close(ctx context.Context) error
}

// Key joins parts under the engine's namespace, e.g. Key("lock", "full-resync").
func Key(parts ...string) string {
	return KeyPrefix + strings.Join(parts, ":")
}

// TrimKey strips prefix from key.
func TrimKey(key string, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}

func validKey(key string) bool {
	return strings.TrimSpace(key) != ""
}

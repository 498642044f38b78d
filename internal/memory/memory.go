// Package memory implements the namespaced key-value memory service
// (spec §4.4): get/set/delete/list/ttl over a pluggable backend, with an
// optional encrypted envelope layered on top.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has
// expired.
var ErrNotFound = errors.New("memory: key not found")

// Store is the capability surface shared by every backend (spec §4.4).
// Keys reaching a Store are already namespaced by the calling plugin's
// id; the sandbox prepends "pluginId:" to any key missing a colon
// before dispatch, so Store implementations need not know about
// plugins at all.
type Store interface {
	// Get returns the raw value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns up to limit keys with the given prefix. A limit of
	// 0 means no limit.
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	// TTL returns the remaining time-to-live for key, or zero if the
	// key has no expiry. Returns ErrNotFound if the key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Package store provides the durable key-value capability used to persist
// offline queue entries and breaker snapshots across restarts.
package store

import "context"

// Store is a durable byte-oriented key-value store. Get returns a not-found
// error for missing keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

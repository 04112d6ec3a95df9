package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entry exists under prefix/key.
var ErrNotFound = errors.New("storage: entry not found")

// Storage is a flat key/value store partitioned by prefix. Values are
// JSON-compatible maps; callers own the maps they pass in and get back.
type Storage interface {
	Put(ctx context.Context, prefix string, key string, data map[string]any) error
	Get(ctx context.Context, prefix string, key string) (map[string]any, error)
	// List returns the keys under prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, prefix string, key string) error
	Init(ctx context.Context) error
	Stop() error
}

package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/stephnangue/tally/storage"
)

const storagePrefix = "usage/"

// StorageSink persists records through a storage backend, one entry per
// record keyed by its ULID.
type StorageSink struct {
	storage storage.Storage
}

func NewStorageSink(s storage.Storage) *StorageSink {
	return &StorageSink{storage: s}
}

func (s *StorageSink) Write(ctx context.Context, r Record) error {
	if r.ID == "" {
		return errors.New("usage record has no id")
	}
	data, err := recordToMap(r)
	if err != nil {
		return err
	}
	return s.storage.Put(ctx, storagePrefix, r.ID, data)
}

// List returns the most recent records first.
func (s *StorageSink) List(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	keys, err := s.storage.List(ctx, storagePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}

	out := make([]Record, 0, min(f.Limit, len(keys)))
	for i := len(keys) - 1; i >= 0 && len(out) < f.Limit; i-- {
		data, err := s.storage.Get(ctx, storagePrefix, keys[i])
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r, err := recordFromMap(data)
		if err != nil {
			return nil, err
		}
		if f.Identity != "" && r.IdentityLabel != f.Identity {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Close is a no-op; the storage backend is owned by the caller.
func (s *StorageSink) Close() error { return nil }

func (s *StorageSink) Name() string { return "storage" }

func (s *StorageSink) Type() string { return "storage" }

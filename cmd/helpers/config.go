package helpers

import (
	"context"
	"fmt"

	"github.com/stephnangue/tally/config"
	"github.com/stephnangue/tally/storage"
)

// ConfigPath is set by the root --config flag.
var ConfigPath string

var storageBackends = map[string]func(*config.StorageBlock) storage.Storage{
	"inmem": func(*config.StorageBlock) storage.Storage {
		return storage.NewMemoryStorage()
	},
	"sqlite": func(b *config.StorageBlock) storage.Storage {
		return storage.NewSQLiteStorage(b.Path)
	},
}

// LoadConfig loads the file named by --config plus the environment.
func LoadConfig(opts ...config.Option) (*config.Config, error) {
	cfg, err := config.LoadConfig(ConfigPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// OpenStorage builds and initializes the configured storage backend.
func OpenStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	factory, ok := storageBackends[cfg.Storage.Type]
	if !ok {
		return nil, fmt.Errorf("unknown storage type %s", cfg.Storage.Type)
	}
	s := factory(cfg.Storage)
	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("error initializing storage of type %s: %w", cfg.Storage.Type, err)
	}
	return s, nil
}

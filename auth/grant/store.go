package grant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/stephnangue/tally/logger"
	"github.com/stephnangue/tally/storage"
)

const storagePrefix = "grants/"

var (
	ErrNotFound    = errors.New("grant not found")
	ErrStoreClosed = errors.New("grant store is closed")
	ErrEmptyLabel  = errors.New("grant has no identity label")
)

// Store keeps grants in storage with a read-through cache in front. Cache hits
// take no lock; writes for the same label are serialized, writes for
// different labels proceed in parallel. Grants handed out are copies.
type Store struct {
	storage storage.Storage
	cache   *ristretto.Cache[string, *Grant]
	locks   *keyedLocks
	logger  logger.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// StoreConfig configures the read cache.
type StoreConfig struct {
	// CacheSize is the number of grants kept in the read cache.
	CacheSize int64
	Now       func() time.Time
}

func NewStore(s storage.Storage, log logger.Logger, config StoreConfig) (*Store, error) {
	if config.CacheSize <= 0 {
		config.CacheSize = 1000
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *Grant]{
		NumCounters: config.CacheSize * 10,
		MaxCost:     config.CacheSize,
		BufferItems: 64,
		// each grant costs 1, so MaxCost counts grants rather than bytes
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize grant cache: %w", err)
	}

	return &Store{
		storage: s,
		cache:   cache,
		locks:   newKeyedLocks(),
		logger:  log,
		now:     config.Now,
	}, nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Get returns a copy of the grant for label, or ErrNotFound.
func (s *Store) Get(ctx context.Context, label string) (*Grant, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if g, ok := s.cache.Get(label); ok {
		return g.Clone(), nil
	}

	// fill the cache under the write lock so a concurrent Put cannot be
	// overwritten by the older value read here
	unlock := s.locks.Lock(label)
	defer unlock()

	if g, ok := s.cache.Get(label); ok {
		return g.Clone(), nil
	}
	g, err := s.load(ctx, label)
	if err != nil {
		return nil, err
	}
	s.cache.Set(label, g, 1)
	s.cache.Wait()
	return g.Clone(), nil
}

func (s *Store) load(ctx context.Context, label string) (*Grant, error) {
	data, err := s.storage.Get(ctx, storagePrefix, label)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grant: %w", err)
	}
	return fromMap(data)
}

// Put creates or replaces the grant for g.IdentityLabel.
func (s *Store) Put(ctx context.Context, g *Grant) error {
	if g == nil || g.IdentityLabel == "" {
		return ErrEmptyLabel
	}
	if s.isClosed() {
		return ErrStoreClosed
	}

	unlock := s.locks.Lock(g.IdentityLabel)
	defer unlock()

	cp := g.Clone()
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	return s.write(ctx, cp)
}

// Update runs fn on a copy of the current grant while holding the label's
// write lock and persists the result. If fn returns an error nothing is
// written and the error is returned as is.
func (s *Store) Update(ctx context.Context, label string, fn func(*Grant) error) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	unlock := s.locks.Lock(label)
	defer unlock()

	// the cache may lag behind a write that raced with a read, storage does not
	current, err := s.load(ctx, label)
	if err != nil {
		return err
	}
	if err := fn(current); err != nil {
		return err
	}
	current.IdentityLabel = label
	current.UpdatedAt = s.now()
	return s.write(ctx, current)
}

func (s *Store) write(ctx context.Context, g *Grant) error {
	data, err := toMap(g)
	if err != nil {
		return err
	}
	if err := s.storage.Put(ctx, storagePrefix, g.IdentityLabel, data); err != nil {
		return fmt.Errorf("failed to write grant: %w", err)
	}
	s.cache.Del(g.IdentityLabel)
	s.cache.Set(g.IdentityLabel, g.Clone(), 1)
	s.cache.Wait()

	s.logger.Debug("grant stored",
		logger.String("identity", g.IdentityLabel),
		logger.String("status", string(g.Status)),
		logger.Time("expires_at", g.ExpiresAt))
	return nil
}

// Delete removes the grant for label. Deleting a missing grant returns
// ErrNotFound.
func (s *Store) Delete(ctx context.Context, label string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	unlock := s.locks.Lock(label)
	defer unlock()

	if _, err := s.load(ctx, label); err != nil {
		return err
	}
	if err := s.storage.Delete(ctx, storagePrefix, label); err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	s.cache.Del(label)
	s.cache.Wait()
	return nil
}

// List returns every stored grant ordered by label.
func (s *Store) List(ctx context.Context) ([]*Grant, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	labels, err := s.storage.List(ctx, storagePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}

	grants := make([]*Grant, 0, len(labels))
	for _, label := range labels {
		g, err := s.Get(ctx, label)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, nil
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cache.Clear()
	s.cache.Close()
}

package oauth

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/stephnangue/tally/helper"
)

// State is a pending authorization handshake.
type State struct {
	Token     string
	CreatedAt time.Time
}

// StateStore remembers issued state tokens until they are consumed. Entries
// are held for twice the handshake window so a late callback is reported as
// ErrStateExpired rather than unknown. Past twice the window the entry is
// evicted (by wall-clock time) and the callback gets ErrInvalidState like any
// unknown token. The LRU bound caps memory under abuse.
type StateStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, State]
	ttl   time.Duration
	now   func() time.Time
}

func NewStateStore(size int, ttl time.Duration, now func() time.Time) *StateStore {
	if size <= 0 {
		size = 10000
	}
	if now == nil {
		now = time.Now
	}
	return &StateStore{
		cache: expirable.NewLRU[string, State](size, nil, 2*ttl),
		ttl:   ttl,
		now:   now,
	}
}

// Create records a new state token.
func (s *StateStore) Create() (State, error) {
	token, err := helper.GenerateStateToken()
	if err != nil {
		return State{}, err
	}
	st := State{Token: token, CreatedAt: s.now()}
	s.cache.Add(token, st)
	return st, nil
}

// Consume removes token and reports whether it was live. A token can be
// consumed once; the second attempt gets ErrInvalidState.
func (s *StateStore) Consume(token string) error {
	if token == "" {
		return ErrInvalidState
	}

	s.mu.Lock()
	st, ok := s.cache.Peek(token)
	if ok {
		s.cache.Remove(token)
	}
	s.mu.Unlock()

	if !ok {
		return ErrInvalidState
	}
	if s.now().Sub(st.CreatedAt) > s.ttl {
		return ErrStateExpired
	}
	return nil
}

func (s *StateStore) Len() int {
	return s.cache.Len()
}

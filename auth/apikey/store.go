// Package apikey holds the static api keys configured at startup.
package apikey

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/stephnangue/tally/auth"
)

// Entry is one configured key.
type Entry struct {
	User     string
	Key      string
	Property string
}

// Store maps keys to identities. It is immutable after New and safe for
// concurrent use.
type Store struct {
	// keyed by SHA-256 of the api key so lookups never compare raw key bytes
	byDigest map[[sha256.Size]byte]auth.Identity
	labels   []string
}

// New builds a store. Every invalid entry is reported in the returned error.
func New(entries []Entry) (*Store, error) {
	s := &Store{byDigest: make(map[[sha256.Size]byte]auth.Identity, len(entries))}

	var result *multierror.Error
	users := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.User == "" {
			result = multierror.Append(result, errors.New("api key with empty user"))
			continue
		}
		if users[e.User] {
			result = multierror.Append(result, fmt.Errorf("duplicate api key user %q", e.User))
			continue
		}
		users[e.User] = true

		if e.Key == "" {
			result = multierror.Append(result, fmt.Errorf("api key for %q is empty", e.User))
			continue
		}
		if e.Property == "" {
			result = multierror.Append(result, fmt.Errorf("api key for %q has no property and no default property is set", e.User))
			continue
		}

		digest := sha256.Sum256([]byte(e.Key))
		if other, ok := s.byDigest[digest]; ok {
			result = multierror.Append(result, fmt.Errorf("api key for %q is also assigned to %q", e.User, other.Label))
			continue
		}
		s.byDigest[digest] = auth.NewStaticKeyIdentity(e.User, e.Property)
		s.labels = append(s.labels, e.User)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	sort.Strings(s.labels)
	return s, nil
}

// Resolve returns the identity bound to key.
func (s *Store) Resolve(key string) (auth.Identity, bool) {
	if key == "" {
		return auth.Identity{}, false
	}
	id, ok := s.byDigest[sha256.Sum256([]byte(key))]
	return id, ok
}

func (s *Store) Len() int {
	return len(s.byDigest)
}

// Labels returns the configured usernames, sorted.
func (s *Store) Labels() []string {
	return append([]string(nil), s.labels...)
}

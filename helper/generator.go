package helper

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/oklog/ulid"
)

// StateTokenLength gives about 190 bits of entropy in base62.
const StateTokenLength = 32

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// GenerateStateToken returns an unguessable OAuth state value.
func GenerateStateToken() (string, error) {
	return base62.Random(StateTokenLength)
}

// GenerateRecordID returns a ULID for t. IDs sort in time order, and IDs
// generated within the same millisecond sort in call order. The usage
// listing relies on both.
func GenerateRecordID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		// monotonic overflow within one millisecond
		return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
	}
	return id.String()
}

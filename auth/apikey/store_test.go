package apikey

import (
	"testing"

	"github.com/stephnangue/tally/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Resolve(t *testing.T) {
	s, err := New([]Entry{
		{User: "alice", Key: "k-alice", Property: "111"},
		{User: "bob", Key: "k-bob", Property: "222"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"alice", "bob"}, s.Labels())

	id, ok := s.Resolve("k-alice")
	require.True(t, ok)
	assert.Equal(t, auth.NewStaticKeyIdentity("alice", "111"), id)

	for _, other := range []string{"", "k-alic", "k-alice ", "K-ALICE", "k-bob2"} {
		_, ok := s.Resolve(other)
		assert.False(t, ok, other)
	}
}

func TestNew_ReportsAllErrors(t *testing.T) {
	_, err := New([]Entry{
		{User: "alice", Key: "same", Property: "1"},
		{User: "bob", Key: "same", Property: "1"},
		{User: "alice", Key: "other", Property: "1"},
		{User: "carol", Key: "", Property: "1"},
		{User: "dave", Key: "dave-key"},
	})
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, `api key for "bob" is also assigned to "alice"`)
	assert.Contains(t, msg, `duplicate api key user "alice"`)
	assert.Contains(t, msg, `api key for "carol" is empty`)
	assert.Contains(t, msg, `"dave" has no property`)
}

func TestNew_Empty(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	assert.Zero(t, s.Len())
	_, ok := s.Resolve("anything")
	assert.False(t, ok)
}

package usage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stephnangue/tally/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	failing bool
	block   chan struct{}
	closed  bool
}

func (s *memorySink) Write(ctx context.Context, r Record) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink unavailable")
	}
	s.records = append(s.records, r)
	return nil
}

func (s *memorySink) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *memorySink) written() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Name() string { return "memory" }
func (s *memorySink) Type() string { return "memory" }

func testLogger(buf io.Writer) logger.Logger {
	return logger.NewZerologLogger(&logger.Config{
		Level:   logger.DebugLevel,
		Format:  logger.JSONFormat,
		Outputs: []io.Writer{buf},
	})
}

func newRecorder(t *testing.T, sink Sink, queue, fallback int, logs io.Writer) *Recorder {
	t.Helper()
	if logs == nil {
		logs = io.Discard
	}
	r, err := NewRecorder(RecorderConfig{
		Sink:          sink,
		QueueSize:     queue,
		FallbackSize:  fallback,
		DrainInterval: time.Hour,
		Logger:        testLogger(logs),
	})
	require.NoError(t, err)
	return r
}

func TestRecorder_WritesToSink(t *testing.T) {
	sink := &memorySink{}
	r := newRecorder(t, sink, 10, 10, nil)

	r.Record(Record{IdentityLabel: "alice", Endpoint: "/v1/reports", Outcome: OutcomeSuccess})
	r.Record(Record{IdentityLabel: "bob", Endpoint: "/v1/reports", Outcome: OutcomeDenied})

	require.NoError(t, r.Close(context.Background()))

	got := sink.written()
	require.Len(t, got, 2)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.True(t, sink.closed)
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRecorder_SinkFailureDegradesAndRecovers(t *testing.T) {
	sink := &memorySink{failing: true}
	var logs bytes.Buffer
	r := newRecorder(t, sink, 10, 10, &logs)

	for i := 0; i < 3; i++ {
		r.Record(Record{IdentityLabel: "alice", Outcome: OutcomeSuccess})
	}
	require.Eventually(t, func() bool { return r.Stats().Fallback == 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Stats().Degraded)
	assert.Contains(t, logs.String(), "usage recording degraded")
	assert.Equal(t, 1, bytes.Count(logs.Bytes(), []byte("usage recording degraded")))

	// still failing: nothing is lost, nothing is written
	assert.Equal(t, 3, r.drain())

	sink.setFailing(false)
	assert.Equal(t, 0, r.drain())
	assert.False(t, r.Stats().Degraded)
	assert.Len(t, sink.written(), 3)
	assert.Contains(t, logs.String(), "usage recording recovered")

	require.NoError(t, r.Close(context.Background()))
}

func TestRecorder_FallbackDropsOldest(t *testing.T) {
	sink := &memorySink{failing: true}
	r := newRecorder(t, sink, 10, 2, nil)

	for _, label := range []string{"a", "b", "c", "d"} {
		r.Record(Record{IdentityLabel: label})
		// keep the order deterministic
		require.Eventually(t, func() bool { return r.Stats().Queued == 0 }, time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool { return r.Stats().Dropped == 2 }, time.Second, 5*time.Millisecond)

	sink.setFailing(false)
	r.drain()

	got := sink.written()
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].IdentityLabel)
	assert.Equal(t, "d", got[1].IdentityLabel)
	require.NoError(t, r.Close(context.Background()))
}

func TestRecorder_FullQueueNeverBlocks(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	r := newRecorder(t, sink, 1, 100, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			r.Record(Record{IdentityLabel: "alice"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a stalled sink")
	}
	assert.Positive(t, r.Stats().Fallback)
	assert.True(t, r.Stats().Degraded)

	close(sink.block)
	require.NoError(t, r.Close(context.Background()))
	assert.Len(t, sink.written(), 20)
}

func TestRecorder_CloseReportsLostRecords(t *testing.T) {
	sink := &memorySink{failing: true}
	r := newRecorder(t, sink, 10, 10, nil)

	r.Record(Record{IdentityLabel: "alice"})
	err := r.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 usage records")

	// closing twice is harmless
	assert.NoError(t, r.Close(context.Background()))
}

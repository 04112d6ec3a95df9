package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/logger"
	"github.com/stephnangue/tally/ratelimit"
	"github.com/stephnangue/tally/reporting"
	"github.com/stephnangue/tally/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string]auth.Identity

func (r staticResolver) Resolve(_ context.Context, cred auth.Credential) (auth.Identity, error) {
	if cred.Empty() {
		return auth.Identity{}, auth.ErrMissingCredential
	}
	id, ok := r[cred.APIKey]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	return id, nil
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []auth.Identity
	err   error
}

func (f *fakeReporter) Query(_ context.Context, id auth.Identity, spec reporting.Spec) (*reporting.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	return &reporting.Result{StatusCode: 200, Body: spec.Body}, nil
}

func (f *fakeReporter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type captureRecorder struct {
	mu      sync.Mutex
	records []usage.Record
}

func (c *captureRecorder) Record(rec usage.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureRecorder) all() []usage.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]usage.Record(nil), c.records...)
}

type fixture struct {
	gw       *Gateway
	reporter *fakeReporter
	recorder *captureRecorder
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	log, _ := logger.NewGatedLogger(logger.DefaultConfig(), logger.GatedWriterConfig{})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	limiter := ratelimit.New(log, ratelimit.Config{Limit: limit, Window: time.Minute, JanitorInterval: -1, Now: clock})
	t.Cleanup(limiter.Close)

	f := &fixture{reporter: &fakeReporter{}, recorder: &captureRecorder{}}
	gw, err := New(Config{
		Resolver: staticResolver{
			"key-alice": auth.NewStaticKeyIdentity("alice", "111"),
			"key-bob":   auth.NewStaticKeyIdentity("bob", "222"),
		},
		Limiter:  limiter,
		Reporter: f.reporter,
		Recorder: f.recorder,
		Logger:   log,
		Now:      clock,
	})
	require.NoError(t, err)
	f.gw = gw
	return f
}

func request(key string) Request {
	return Request{
		Credential: auth.Credential{APIKey: key},
		Endpoint:   "/v1/reports",
		Method:     "POST",
		ClientIP:   "10.0.0.1",
		Spec:       reporting.Spec{Body: json.RawMessage(`{"limit":10}`)},
	}
}

func TestQuery_Success(t *testing.T) {
	f := newFixture(t, 5)

	res, err := f.gw.Query(context.Background(), request("key-alice"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit":10}`, string(res.Body))

	require.Len(t, f.reporter.calls, 1)
	assert.Equal(t, "111", f.reporter.calls[0].PropertyRef)

	recs := f.recorder.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "alice", recs[0].IdentityLabel)
	assert.Equal(t, string(auth.KindStaticKey), recs[0].IdentityKind)
	assert.Equal(t, usage.OutcomeSuccess, recs[0].Outcome)
	assert.Equal(t, 200, recs[0].StatusCode)
	assert.Equal(t, "/v1/reports", recs[0].Endpoint)
	assert.Equal(t, "10.0.0.1", recs[0].ClientIP)
}

func TestQuery_ResolutionFailureIsNotRecorded(t *testing.T) {
	f := newFixture(t, 5)

	_, err := f.gw.Query(context.Background(), request(""))
	assert.ErrorIs(t, err, auth.ErrMissingCredential)

	_, err = f.gw.Query(context.Background(), request("nope"))
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)

	assert.Zero(t, f.reporter.callCount())
	assert.Empty(t, f.recorder.all())
}

func TestQuery_DeniedBeforeUpstream(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		_, err := f.gw.Query(context.Background(), request("key-alice"))
		require.NoError(t, err)
	}

	_, err := f.gw.Query(context.Background(), request("key-alice"))
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, time.Minute, rl.RetryAfter)
	assert.Equal(t, 60, rl.RetryAfterSeconds())

	assert.Equal(t, 2, f.reporter.callCount())

	recs := f.recorder.all()
	require.Len(t, recs, 3)
	assert.Equal(t, usage.OutcomeDenied, recs[2].Outcome)
	assert.Equal(t, "rate_limited", recs[2].ErrorKind)
	assert.Equal(t, 429, recs[2].StatusCode)

	// another identity has its own window
	_, err = f.gw.Query(context.Background(), request("key-bob"))
	assert.NoError(t, err)
}

func TestQuery_ReporterErrorPassesThroughUnchanged(t *testing.T) {
	f := newFixture(t, 5)
	upErr := &reporting.UpstreamError{StatusCode: 403, Body: json.RawMessage(`{"error":"denied"}`)}
	f.reporter.err = upErr

	_, err := f.gw.Query(context.Background(), request("key-alice"))
	assert.Same(t, upErr, err)

	recs := f.recorder.all()
	require.Len(t, recs, 1)
	assert.Equal(t, usage.OutcomeError, recs[0].Outcome)
	assert.Equal(t, 403, recs[0].StatusCode)
	assert.Equal(t, "upstream_reporting_error", recs[0].ErrorKind)
}

func TestQuery_CustomClassifier(t *testing.T) {
	f := newFixture(t, 5)
	f.gw.classify = func(error) string { return "custom" }
	f.reporter.err = errors.New("boom")

	_, err := f.gw.Query(context.Background(), request("key-alice"))
	assert.EqualError(t, err, "boom")

	recs := f.recorder.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "custom", recs[0].ErrorKind)
	assert.Zero(t, recs[0].StatusCode)
}

func TestWhoami_DoesNotAdmitOrRecord(t *testing.T) {
	f := newFixture(t, 1)

	for i := 0; i < 3; i++ {
		id, err := f.gw.Whoami(context.Background(), auth.Credential{APIKey: "key-alice"})
		require.NoError(t, err)
		assert.Equal(t, "alice", id.Label)
	}
	assert.Empty(t, f.recorder.all())

	// the single admission slot is still free
	_, err := f.gw.Query(context.Background(), request("key-alice"))
	assert.NoError(t, err)
}

func TestRateLimitedError_RoundsUp(t *testing.T) {
	assert.Equal(t, 58, (&RateLimitedError{RetryAfter: 57*time.Second + time.Millisecond}).RetryAfterSeconds())
	assert.Equal(t, 1, (&RateLimitedError{RetryAfter: 0}).RetryAfterSeconds())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

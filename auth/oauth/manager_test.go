package oauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/auth/grant"
	"github.com/stephnangue/tally/logger"
	"github.com/stephnangue/tally/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	clock *testClock

	exchangeCalls atomic.Int32
	refreshCalls  atomic.Int32
	accountCalls  atomic.Int32

	exchangeToken *Token
	exchangeErr   error
	account       *Account
	accountErr    error

	refreshDelay        time.Duration
	refreshErr          error
	refreshRotatesToken bool
	// when set, Refresh signals refreshStarted and waits for refreshRelease
	refreshStarted chan struct{}
	refreshRelease chan struct{}
}

func (f *fakeProvider) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (f *fakeProvider) Exchange(ctx context.Context, code string) (*Token, error) {
	f.exchangeCalls.Add(1)
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	tok := *f.exchangeToken
	return &tok, nil
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	n := f.refreshCalls.Add(1)
	if f.refreshRelease != nil {
		f.refreshStarted <- struct{}{}
		<-f.refreshRelease
	}
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	tok := &Token{
		AccessToken: "refreshed-" + string(rune('0'+n)),
		ExpiresAt:   f.clock.Now().Add(time.Hour),
	}
	if f.refreshRotatesToken {
		tok.RefreshToken = "rotated-refresh"
	}
	return tok, nil
}

func (f *fakeProvider) Account(ctx context.Context, accessToken string) (*Account, error) {
	f.accountCalls.Add(1)
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	acct := *f.account
	return &acct, nil
}

type fixture struct {
	clock    *testClock
	provider *fakeProvider
	grants   *grant.Store
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, _ := logger.NewGatedLogger(logger.DefaultConfig(), logger.GatedWriterConfig{})
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	grants, err := grant.NewStore(storage.NewMemoryStorage(), log, grant.StoreConfig{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(grants.Close)

	provider := &fakeProvider{
		clock: clock,
		exchangeToken: &Token{
			AccessToken:  "initial-access",
			RefreshToken: "initial-refresh",
			ExpiresAt:    clock.Now().Add(time.Hour),
		},
		account: &Account{Email: "alice@example.com", Properties: []string{"111", "222"}},
	}

	manager := NewManager(provider, grants, log, Config{
		StateTTL:       10 * time.Minute,
		RefreshMargin:  60 * time.Second,
		RefreshTimeout: 5 * time.Second,
		Now:            clock.Now,
	})
	return &fixture{clock: clock, provider: provider, grants: grants, manager: manager}
}

func (f *fixture) seedGrant(t *testing.T, expiresIn time.Duration) {
	t.Helper()
	require.NoError(t, f.grants.Put(context.Background(), &grant.Grant{
		IdentityLabel: "alice@example.com",
		AccessToken:   "cached-access",
		RefreshToken:  "stored-refresh",
		ExpiresAt:     f.clock.Now().Add(expiresIn),
		PropertyRef:   "111",
		Properties:    []string{"111"},
	}))
}

func TestManager_AuthorizationHandshake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	url, state, err := f.manager.BeginAuthorization(ctx)
	require.NoError(t, err)
	assert.Contains(t, url, state)
	assert.Len(t, state, 32)

	g, err := f.manager.CompleteAuthorization(ctx, "code1", state)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", g.IdentityLabel)
	assert.Equal(t, "111", g.PropertyRef)
	assert.Equal(t, []string{"111", "222"}, g.Properties)
	assert.Equal(t, "initial-refresh", g.RefreshToken)
	assert.Equal(t, grant.StatusActive, g.Status)

	// replaying the same callback must fail without another exchange
	_, err = f.manager.CompleteAuthorization(ctx, "code1", state)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int32(1), f.provider.exchangeCalls.Load())
}

func TestManager_BadStateNeverContactsProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.CompleteAuthorization(context.Background(), "code1", "bad-state")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Zero(t, f.provider.exchangeCalls.Load())
	assert.Zero(t, f.provider.accountCalls.Load())
}

func TestManager_ExpiredState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, state, err := f.manager.BeginAuthorization(ctx)
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)
	_, err = f.manager.CompleteAuthorization(ctx, "code1", state)
	assert.ErrorIs(t, err, ErrStateExpired)
	assert.Zero(t, f.provider.exchangeCalls.Load())

	_, err = f.manager.CompleteAuthorization(ctx, "code1", state)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestManager_CompleteAuthorizationFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *fixture)
		wantErr error
	}{
		{
			name:    "code rejected",
			mutate:  func(f *fixture) { f.provider.exchangeErr = ErrInvalidGrant },
			wantErr: ErrProviderRejected,
		},
		{
			name:    "provider down",
			mutate:  func(f *fixture) { f.provider.exchangeErr = ErrProviderUnavailable },
			wantErr: ErrProviderUnavailable,
		},
		{
			name:    "no property",
			mutate:  func(f *fixture) { f.provider.account.Properties = nil },
			wantErr: ErrNoProperty,
		},
		{
			name:    "no refresh token on first consent",
			mutate:  func(f *fixture) { f.provider.exchangeToken.RefreshToken = "" },
			wantErr: ErrProviderRejected,
		},
		{
			name:    "no email",
			mutate:  func(f *fixture) { f.provider.account.Email = "" },
			wantErr: ErrProviderRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f)
			ctx := context.Background()

			_, state, err := f.manager.BeginAuthorization(ctx)
			require.NoError(t, err)
			_, err = f.manager.CompleteAuthorization(ctx, "code1", state)
			assert.ErrorIs(t, err, tt.wantErr)

			_, err = f.grants.Get(ctx, "alice@example.com")
			assert.ErrorIs(t, err, grant.ErrNotFound)
		})
	}
}

func TestManager_ReauthorizationKeepsRefreshTokenAndProperty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.grants.Put(ctx, &grant.Grant{
		IdentityLabel: "alice@example.com",
		AccessToken:   "old",
		RefreshToken:  "stored-refresh",
		ExpiresAt:     f.clock.Now(),
		PropertyRef:   "222",
		Status:        grant.StatusReauthorizationRequired,
	}))
	f.provider.exchangeToken.RefreshToken = ""

	_, state, err := f.manager.BeginAuthorization(ctx)
	require.NoError(t, err)
	g, err := f.manager.CompleteAuthorization(ctx, "code2", state)
	require.NoError(t, err)

	assert.Equal(t, "stored-refresh", g.RefreshToken)
	assert.Equal(t, "222", g.PropertyRef)
	assert.Equal(t, grant.StatusActive, g.Status)
}

func TestEnsureFreshToken_NoRefreshWhenFarFromExpiry(t *testing.T) {
	f := newFixture(t)
	f.seedGrant(t, 600*time.Second)

	tok, err := f.manager.EnsureFreshToken(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cached-access", tok)
	assert.Zero(t, f.provider.refreshCalls.Load())
}

func TestEnsureFreshToken_RefreshesInsideMargin(t *testing.T) {
	f := newFixture(t)
	f.seedGrant(t, 30*time.Second)
	ctx := context.Background()

	tok, err := f.manager.EnsureFreshToken(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", tok)
	assert.Equal(t, int32(1), f.provider.refreshCalls.Load())

	g, err := f.grants.Get(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", g.AccessToken)
	assert.True(t, f.clock.Now().Add(time.Hour).Equal(g.ExpiresAt))
	// provider did not rotate, so the stored refresh token stays
	assert.Equal(t, "stored-refresh", g.RefreshToken)
}

func TestEnsureFreshToken_StoresRotatedRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.seedGrant(t, 0)
	f.provider.refreshRotatesToken = true

	_, err := f.manager.EnsureFreshToken(context.Background(), "alice@example.com")
	require.NoError(t, err)

	g, err := f.grants.Get(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", g.RefreshToken)
}

func TestEnsureFreshToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.seedGrant(t, 10*time.Second)
	f.provider.refreshDelay = 50 * time.Millisecond

	const n = 25
	var wg sync.WaitGroup
	start := make(chan struct{})
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = f.manager.EnsureFreshToken(context.Background(), "alice@example.com")
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), f.provider.refreshCalls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-1", tokens[i])
	}
}

func TestEnsureFreshToken_InvalidGrantMarksGrantUnusable(t *testing.T) {
	f := newFixture(t)
	f.seedGrant(t, 10*time.Second)
	f.provider.refreshErr = ErrInvalidGrant
	ctx := context.Background()

	_, err := f.manager.EnsureFreshToken(ctx, "alice@example.com")
	require.ErrorIs(t, err, ErrReauthorizationRequired)

	g, err := f.grants.Get(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, grant.StatusReauthorizationRequired, g.Status)

	_, err = f.manager.EnsureFreshToken(ctx, "alice@example.com")
	require.ErrorIs(t, err, ErrReauthorizationRequired)
	assert.Equal(t, int32(1), f.provider.refreshCalls.Load())

	// even a still-valid cached token is not handed out once marked
	_, err = f.manager.ResolveIdentity(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrReauthorizationRequired)
}

func TestEnsureFreshToken_ReconsentDuringRefreshWins(t *testing.T) {
	tests := []struct {
		name       string
		refreshErr error
	}{
		{name: "stale refresh token rejected", refreshErr: ErrInvalidGrant},
		{name: "stale refresh succeeds", refreshErr: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedGrant(t, 10*time.Second)
			f.provider.refreshErr = tt.refreshErr
			f.provider.refreshStarted = make(chan struct{}, 1)
			f.provider.refreshRelease = make(chan struct{})
			ctx := context.Background()

			type result struct {
				token string
				err   error
			}
			done := make(chan result, 1)
			go func() {
				tok, err := f.manager.EnsureFreshToken(ctx, "alice@example.com")
				done <- result{tok, err}
			}()
			<-f.provider.refreshStarted

			// the user goes through consent again while the old refresh token
			// is still at the provider
			_, state, err := f.manager.BeginAuthorization(ctx)
			require.NoError(t, err)
			_, err = f.manager.CompleteAuthorization(ctx, "code2", state)
			require.NoError(t, err)

			close(f.provider.refreshRelease)
			res := <-done
			require.NoError(t, res.err)
			assert.Equal(t, "initial-access", res.token)

			g, err := f.grants.Get(ctx, "alice@example.com")
			require.NoError(t, err)
			assert.Equal(t, grant.StatusActive, g.Status)
			assert.Equal(t, "initial-refresh", g.RefreshToken)
			assert.Equal(t, "initial-access", g.AccessToken)

			tok, err := f.manager.EnsureFreshToken(ctx, "alice@example.com")
			require.NoError(t, err)
			assert.Equal(t, "initial-access", tok)
			assert.Equal(t, int32(1), f.provider.refreshCalls.Load())
		})
	}
}

func TestEnsureFreshToken_TransientFailureKeepsGrantActive(t *testing.T) {
	f := newFixture(t)
	f.seedGrant(t, 10*time.Second)
	f.provider.refreshErr = ErrProviderUnavailable
	ctx := context.Background()

	_, err := f.manager.EnsureFreshToken(ctx, "alice@example.com")
	require.ErrorIs(t, err, ErrProviderUnavailable)

	g, err := f.grants.Get(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, g.Usable())

	// the failure is not cached: the next call tries again
	f.provider.refreshErr = nil
	tok, err := f.manager.EnsureFreshToken(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-2", tok)
}

func TestEnsureFreshToken_CallerCancellationDoesNotAbortRefresh(t *testing.T) {
	f := newFixture(t)
	f.seedGrant(t, 10*time.Second)
	f.provider.refreshDelay = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.manager.EnsureFreshToken(ctx, "alice@example.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		g, err := f.grants.Get(context.Background(), "alice@example.com")
		return err == nil && g.AccessToken == "refreshed-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnsureFreshToken_NoGrant(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.EnsureFreshToken(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNoGrant)
	assert.Zero(t, f.provider.refreshCalls.Load())
}

func TestManager_ResolveIdentity(t *testing.T) {
	f := newFixture(t)
	f.seedGrant(t, time.Hour)

	id, err := f.manager.ResolveIdentity(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, auth.KindOAuthUser, id.Kind)
	assert.Equal(t, "111", id.PropertyRef)
	assert.Equal(t, "cached-access", id.AccessToken())
}

func TestManager_StatusAndRevoke(t *testing.T) {
	f := newFixture(t)
	f.seedGrant(t, time.Hour)
	ctx := context.Background()

	st, err := f.manager.Status(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "111", st.PropertyRef)
	assert.Equal(t, grant.StatusActive, st.Status)

	list, err := f.manager.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.manager.Revoke(ctx, "alice@example.com"))
	assert.ErrorIs(t, f.manager.Revoke(ctx, "alice@example.com"), ErrNoGrant)

	_, err = f.manager.EnsureFreshToken(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrNoGrant)
}

func TestManager_SetDefaultProperty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, state, err := f.manager.BeginAuthorization(ctx)
	require.NoError(t, err)
	_, err = f.manager.CompleteAuthorization(ctx, "code1", state)
	require.NoError(t, err)

	st, err := f.manager.SetDefaultProperty(ctx, "alice@example.com", "222")
	require.NoError(t, err)
	assert.Equal(t, "222", st.PropertyRef)
	assert.Equal(t, []string{"111", "222"}, st.Properties)

	id, err := f.manager.ResolveIdentity(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "222", id.PropertyRef)

	_, err = f.manager.SetDefaultProperty(ctx, "alice@example.com", "999")
	assert.ErrorIs(t, err, ErrUnknownProperty)
	_, err = f.manager.SetDefaultProperty(ctx, "alice@example.com", "")
	assert.ErrorIs(t, err, ErrUnknownProperty)
	_, err = f.manager.SetDefaultProperty(ctx, "bob@example.com", "111")
	assert.ErrorIs(t, err, ErrNoGrant)

	// the rejected calls left the chosen property in place
	g, err := f.grants.Get(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "222", g.PropertyRef)

	// signing in again keeps the choice while the account still lists it
	_, state, err = f.manager.BeginAuthorization(ctx)
	require.NoError(t, err)
	g, err = f.manager.CompleteAuthorization(ctx, "code2", state)
	require.NoError(t, err)
	assert.Equal(t, "222", g.PropertyRef)
}

// Package oauth runs the authorization-code handshake and keeps OAuth grants
// usable by refreshing their access tokens.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/auth/grant"
	"github.com/stephnangue/tally/logger"
	"golang.org/x/sync/singleflight"
)

// Config holds the token lifecycle settings.
type Config struct {
	// StateTTL is the handshake window.
	StateTTL time.Duration
	// StateCapacity bounds the number of pending handshakes.
	StateCapacity int
	// RefreshMargin: tokens expiring sooner than this are refreshed.
	RefreshMargin time.Duration
	// RefreshTimeout bounds one shared refresh, independent of callers.
	RefreshTimeout time.Duration
	// Scopes are recorded on grants when the provider does not echo them.
	Scopes []string

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		StateTTL:       10 * time.Minute,
		StateCapacity:  10000,
		RefreshMargin:  60 * time.Second,
		RefreshTimeout: 30 * time.Second,
	}
}

// Manager owns the token lifecycle of OAuth grants.
type Manager struct {
	provider Provider
	grants   *grant.Store
	states   *StateStore
	group    singleflight.Group
	config   Config
	logger   logger.Logger
}

func NewManager(provider Provider, grants *grant.Store, log logger.Logger, config Config) *Manager {
	def := DefaultConfig()
	if config.StateTTL <= 0 {
		config.StateTTL = def.StateTTL
	}
	if config.RefreshMargin <= 0 {
		config.RefreshMargin = def.RefreshMargin
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = def.RefreshTimeout
	}
	if config.StateCapacity <= 0 {
		config.StateCapacity = def.StateCapacity
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Manager{
		provider: provider,
		grants:   grants,
		states:   NewStateStore(config.StateCapacity, config.StateTTL, config.Now),
		config:   config,
		logger:   log,
	}
}

// BeginAuthorization starts a handshake and returns the URL the user must
// visit together with the state token embedded in it.
func (m *Manager) BeginAuthorization(ctx context.Context) (string, string, error) {
	st, err := m.states.Create()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	metrics.IncrCounter([]string{"oauth", "authorization", "begin"}, 1)
	return m.provider.AuthCodeURL(st.Token), st.Token, nil
}

// CompleteAuthorization validates state, exchanges code and stores the
// resulting grant. The provider is never contacted when state is bad.
func (m *Manager) CompleteAuthorization(ctx context.Context, code, state string) (*grant.Grant, error) {
	if err := m.states.Consume(state); err != nil {
		m.logger.Warn("authorization callback with unusable state", logger.Err(err))
		metrics.IncrCounter([]string{"oauth", "authorization", "bad_state"}, 1)
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", ErrProviderRejected)
	}

	tok, err := m.provider.Exchange(ctx, code)
	if err != nil {
		// a spent or forged code comes back as invalid_grant
		if errors.Is(err, ErrInvalidGrant) {
			err = fmt.Errorf("%w: %v", ErrProviderRejected, err)
		}
		m.logger.Warn("code exchange failed", logger.Err(err))
		return nil, err
	}

	acct, err := m.provider.Account(ctx, tok.AccessToken)
	if err != nil {
		m.logger.Warn("account lookup failed", logger.Err(err))
		return nil, err
	}
	if acct.Email == "" {
		return nil, fmt.Errorf("%w: account has no email", ErrProviderRejected)
	}
	if len(acct.Properties) == 0 {
		m.logger.Warn("authorized account has no analytics property", logger.String("identity", acct.Email))
		return nil, ErrNoProperty
	}

	existing, err := m.grants.Get(ctx, acct.Email)
	if err != nil && !errors.Is(err, grant.ErrNotFound) {
		return nil, err
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		if existing == nil || existing.RefreshToken == "" {
			return nil, fmt.Errorf("%w: no refresh token issued", ErrProviderRejected)
		}
		refresh = existing.RefreshToken
	}

	propertyRef := acct.Properties[0]
	if existing != nil && slices.Contains(acct.Properties, existing.PropertyRef) {
		propertyRef = existing.PropertyRef
	}

	scopes := tok.Scopes
	if len(scopes) == 0 {
		scopes = m.config.Scopes
	}

	g := &grant.Grant{
		IdentityLabel: acct.Email,
		AccessToken:   tok.AccessToken,
		RefreshToken:  refresh,
		ExpiresAt:     tok.ExpiresAt,
		PropertyRef:   propertyRef,
		Properties:    acct.Properties,
		Scopes:        scopes,
		Status:        grant.StatusActive,
	}
	if existing != nil {
		g.CreatedAt = existing.CreatedAt
	}
	if err := m.grants.Put(ctx, g); err != nil {
		return nil, err
	}

	m.logger.Info("authorization completed",
		logger.String("identity", g.IdentityLabel),
		logger.String("property_ref", g.PropertyRef),
		logger.Int("properties", len(g.Properties)),
		logger.Bool("reauthorized", existing != nil))
	metrics.IncrCounter([]string{"oauth", "authorization", "complete"}, 1)

	return m.grants.Get(ctx, g.IdentityLabel)
}

// EnsureFreshToken returns a usable access token for label, refreshing it
// first when it expires within the refresh margin.
func (m *Manager) EnsureFreshToken(ctx context.Context, label string) (string, error) {
	g, err := m.freshGrant(ctx, label)
	if err != nil {
		return "", err
	}
	return g.AccessToken, nil
}

// ResolveIdentity returns the OAuth identity for label with a fresh token.
func (m *Manager) ResolveIdentity(ctx context.Context, label string) (auth.Identity, error) {
	g, err := m.freshGrant(ctx, label)
	if err != nil {
		return auth.Identity{}, err
	}
	if g.PropertyRef == "" {
		return auth.Identity{}, ErrNoProperty
	}
	return auth.NewOAuthIdentity(g.IdentityLabel, g.PropertyRef, g.AccessToken), nil
}

func (m *Manager) freshGrant(ctx context.Context, label string) (*grant.Grant, error) {
	g, err := m.usableGrant(ctx, label)
	if err != nil {
		return nil, err
	}
	if !g.ExpiresWithin(m.config.RefreshMargin, m.config.Now()) {
		return g, nil
	}

	// The refresh is shared by every caller for this label and must finish
	// even if the caller that started it goes away.
	ch := m.group.DoChan(label, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.RefreshTimeout)
		defer cancel()
		return m.refresh(rctx, label)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*grant.Grant).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) usableGrant(ctx context.Context, label string) (*grant.Grant, error) {
	g, err := m.grants.Get(ctx, label)
	if errors.Is(err, grant.ErrNotFound) {
		return nil, ErrNoGrant
	}
	if err != nil {
		return nil, err
	}
	if !g.Usable() {
		return nil, ErrReauthorizationRequired
	}
	return g, nil
}

// refresh runs inside the single flight.
func (m *Manager) refresh(ctx context.Context, label string) (*grant.Grant, error) {
	// another flight may have finished between the caller's read and ours
	g, err := m.usableGrant(ctx, label)
	if err != nil {
		return nil, err
	}
	if !g.ExpiresWithin(m.config.RefreshMargin, m.config.Now()) {
		return g, nil
	}

	used := g.RefreshToken
	start := time.Now()
	tok, err := m.provider.Refresh(ctx, used)
	metrics.MeasureSince([]string{"oauth", "refresh"}, start)

	if errors.Is(err, ErrInvalidGrant) {
		markErr := m.grants.Update(ctx, label, func(cur *grant.Grant) error {
			if cur.RefreshToken != used {
				return errGrantReplaced
			}
			cur.Status = grant.StatusReauthorizationRequired
			return nil
		})
		if errors.Is(markErr, errGrantReplaced) {
			// the user consented again while this refresh was running
			m.logger.Debug("stale refresh token rejected, grant was replaced", logger.String("identity", label))
			return m.usableGrant(ctx, label)
		}
		m.logger.Warn("refresh token rejected, grant needs reauthorization",
			logger.String("identity", label), logger.Err(err))
		metrics.IncrCounter([]string{"oauth", "refresh", "invalid_grant"}, 1)
		if markErr != nil && !errors.Is(markErr, grant.ErrNotFound) {
			m.logger.Error("failed to mark grant for reauthorization",
				logger.String("identity", label), logger.Err(markErr))
		}
		return nil, ErrReauthorizationRequired
	}
	if err != nil {
		m.logger.Warn("token refresh failed", logger.String("identity", label), logger.Err(err))
		metrics.IncrCounter([]string{"oauth", "refresh", "failed"}, 1)
		return nil, err
	}

	var updated *grant.Grant
	err = m.grants.Update(ctx, label, func(cur *grant.Grant) error {
		if cur.RefreshToken != used {
			return errGrantReplaced
		}
		if !cur.Usable() {
			return ErrReauthorizationRequired
		}
		cur.AccessToken = tok.AccessToken
		cur.ExpiresAt = tok.ExpiresAt
		if tok.RefreshToken != "" {
			cur.RefreshToken = tok.RefreshToken
		}
		updated = cur.Clone()
		return nil
	})
	if errors.Is(err, errGrantReplaced) {
		m.logger.Debug("refreshed token discarded, grant was replaced", logger.String("identity", label))
		return m.usableGrant(ctx, label)
	}
	if errors.Is(err, grant.ErrNotFound) {
		// revoked while the refresh was in flight
		return nil, ErrNoGrant
	}
	if err != nil {
		return nil, err
	}

	m.logger.Debug("access token refreshed",
		logger.String("identity", label),
		logger.Time("expires_at", updated.ExpiresAt),
		logger.Bool("refresh_token_rotated", tok.RefreshToken != "" && tok.RefreshToken != used))
	metrics.IncrCounter([]string{"oauth", "refresh", "success"}, 1)
	return updated, nil
}

// GrantStatus is the secret-free view of a grant.
type GrantStatus struct {
	Identity    string       `json:"identity"`
	PropertyRef string       `json:"property_ref"`
	Properties  []string     `json:"properties"`
	Scopes      []string     `json:"scopes"`
	Status      grant.Status `json:"status"`
	ExpiresAt   time.Time    `json:"expires_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func newGrantStatus(g *grant.Grant) GrantStatus {
	return GrantStatus{
		Identity:    g.IdentityLabel,
		PropertyRef: g.PropertyRef,
		Properties:  g.Properties,
		Scopes:      g.Scopes,
		Status:      g.Status,
		ExpiresAt:   g.ExpiresAt,
		UpdatedAt:   g.UpdatedAt,
	}
}

// Status returns grant metadata for label without any token material.
func (m *Manager) Status(ctx context.Context, label string) (*GrantStatus, error) {
	g, err := m.grants.Get(ctx, label)
	if errors.Is(err, grant.ErrNotFound) {
		return nil, ErrNoGrant
	}
	if err != nil {
		return nil, err
	}
	st := newGrantStatus(g)
	return &st, nil
}

// List returns the status of every grant.
func (m *Manager) List(ctx context.Context) ([]GrantStatus, error) {
	grants, err := m.grants.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]GrantStatus, 0, len(grants))
	for _, g := range grants {
		out = append(out, newGrantStatus(g))
	}
	return out, nil
}

// SetDefaultProperty changes the property queries for label run against.
// propertyRef must be one of the properties recorded on the grant.
func (m *Manager) SetDefaultProperty(ctx context.Context, label, propertyRef string) (*GrantStatus, error) {
	var st GrantStatus
	err := m.grants.Update(ctx, label, func(g *grant.Grant) error {
		if propertyRef == "" || !slices.Contains(g.Properties, propertyRef) {
			return ErrUnknownProperty
		}
		g.PropertyRef = propertyRef
		st = newGrantStatus(g)
		return nil
	})
	if errors.Is(err, grant.ErrNotFound) {
		return nil, ErrNoGrant
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info("default property changed",
		logger.String("identity", label),
		logger.String("property_ref", propertyRef))
	metrics.IncrCounter([]string{"oauth", "property", "changed"}, 1)
	return &st, nil
}

// Revoke deletes the grant for label. Session tokens issued for it stop
// resolving on their next use.
func (m *Manager) Revoke(ctx context.Context, label string) error {
	err := m.grants.Delete(ctx, label)
	if errors.Is(err, grant.ErrNotFound) {
		return ErrNoGrant
	}
	if err != nil {
		return err
	}
	m.logger.Info("grant revoked", logger.String("identity", label))
	return nil
}

// PendingStates reports the number of handshakes awaiting a callback.
func (m *Manager) PendingStates() int {
	return m.states.Len()
}

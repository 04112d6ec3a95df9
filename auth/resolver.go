package auth

import (
	"context"
	"fmt"

	"github.com/stephnangue/tally/logger"
)

// StaticKeys looks up configured api keys.
type StaticKeys interface {
	Resolve(key string) (Identity, bool)
}

// SessionVerifier maps a bearer token to the identity label it was issued for.
type SessionVerifier interface {
	Verify(token string) (string, error)
}

// OAuthIdentities produces a ready-to-use OAuth identity for a label,
// refreshing its upstream token when needed.
type OAuthIdentities interface {
	ResolveIdentity(ctx context.Context, label string) (Identity, error)
}

// Resolver turns a Credential into an Identity. Sessions and OAuth may be nil
// when OAuth is not configured; bearer credentials are then rejected.
type Resolver struct {
	keys     StaticKeys
	sessions SessionVerifier
	oauth    OAuthIdentities
	logger   logger.Logger
}

func NewResolver(keys StaticKeys, sessions SessionVerifier, oauth OAuthIdentities, log logger.Logger) *Resolver {
	return &Resolver{
		keys:     keys,
		sessions: sessions,
		oauth:    oauth,
		logger:   log,
	}
}

// Resolve picks exactly one path. An api key takes precedence over a bearer
// token when both are present.
func (r *Resolver) Resolve(ctx context.Context, cred Credential) (Identity, error) {
	switch {
	case cred.APIKey != "":
		return r.resolveStaticKey(cred.APIKey)
	case cred.Bearer != "":
		return r.resolveBearer(ctx, cred.Bearer)
	default:
		return Identity{}, ErrMissingCredential
	}
}

func (r *Resolver) resolveStaticKey(key string) (Identity, error) {
	if r.keys == nil {
		return Identity{}, ErrInvalidCredential
	}
	id, ok := r.keys.Resolve(key)
	if !ok {
		r.logger.Debug("unknown api key", logger.Secret("key_fingerprint", key))
		return Identity{}, ErrInvalidCredential
	}
	return id, nil
}

func (r *Resolver) resolveBearer(ctx context.Context, bearer string) (Identity, error) {
	if r.sessions == nil || r.oauth == nil {
		return Identity{}, fmt.Errorf("%w: bearer tokens are not enabled", ErrInvalidCredential)
	}
	label, err := r.sessions.Verify(bearer)
	if err != nil {
		r.logger.Debug("session token rejected", logger.Err(err))
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return r.oauth.ResolveIdentity(ctx, label)
}

package oauth

import (
	"context"
	"time"
)

// Token is what the provider returns from an exchange or a refresh.
// RefreshToken is empty when the provider did not issue a new one.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// Account is the provider-side view of the authorizing user.
type Account struct {
	Email string
	// Properties lists analytics property ids the account can read, in the
	// order the provider returned them.
	Properties []string
}

// Provider talks to the OAuth authorization server and the account APIs.
// Errors must wrap ErrInvalidGrant, ErrProviderRejected or
// ErrProviderUnavailable so the manager can classify them.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*Token, error)
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	Account(ctx context.Context, accessToken string) (*Account, error)
}

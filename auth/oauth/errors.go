package oauth

import "errors"

var (
	// ErrInvalidState means the state token is unknown or was already used.
	ErrInvalidState = errors.New("invalid authorization state")
	// ErrStateExpired means the state token existed but the handshake window
	// had passed.
	ErrStateExpired = errors.New("authorization state expired")
	// ErrProviderRejected means the provider refused the code or the client.
	ErrProviderRejected = errors.New("provider rejected the request")
	// ErrProviderUnavailable covers network failures, timeouts and 5xx
	// responses that persisted after a retry.
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrNoGrant             = errors.New("no grant for identity")
	// ErrReauthorizationRequired means the refresh token was revoked or
	// expired; the user has to go through the consent flow again.
	ErrReauthorizationRequired = errors.New("reauthorization required")
	ErrNoProperty              = errors.New("account has no analytics property")
	// ErrUnknownProperty means the requested property is not one the grant's
	// account can access.
	ErrUnknownProperty = errors.New("property not available to this identity")
	ErrDisabled                = errors.New("oauth is not configured")

	// ErrInvalidGrant is returned by providers when the refresh token is no
	// longer accepted (OAuth error code invalid_grant).
	ErrInvalidGrant = errors.New("invalid_grant")

	// errGrantReplaced aborts a refresh write when the grant was replaced by a
	// new consent after the refresh token was read.
	errGrantReplaced = errors.New("grant replaced during refresh")
)

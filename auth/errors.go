package auth

import "errors"

var (
	// ErrMissingCredential is returned when the request carries neither an api
	// key nor a bearer token.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential is returned for unknown api keys and for bearer
	// tokens that fail verification.
	ErrInvalidCredential = errors.New("invalid credential")
)

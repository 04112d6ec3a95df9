// Package token issues and verifies the bearer session tokens handed to
// OAuth users after a completed authorization.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/stephnangue/tally/logger"
)

var (
	ErrTokenExpired   = errors.New("session token has expired")
	ErrTokenInvalid   = errors.New("session token is invalid")
	ErrSigningKey     = errors.New("session signing key must be at least 32 bytes")
	ErrEmptyPrincipal = errors.New("session principal cannot be empty")
)

// Config holds configuration for the session issuer
type Config struct {
	SigningKey []byte
	Issuer     string
	TTL        time.Duration

	// Metrics receives the session counters; nil means the global registry.
	Metrics *metrics.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Claims are the JWT claims of a session token. The subject is the identity
// label; no upstream secret is ever embedded.
type Claims struct {
	jwt.RegisteredClaims
}

// SessionIssuer signs and verifies HS256 session tokens. It keeps no state,
// so tokens stay valid across restarts as long as the signing key does.
type SessionIssuer struct {
	config Config
	parser *jwt.Parser
	logger logger.Logger
}

func NewSessionIssuer(log logger.Logger, config Config) (*SessionIssuer, error) {
	if len(config.SigningKey) < 32 {
		return nil, ErrSigningKey
	}
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &SessionIssuer{
		config: config,
		logger: log,
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(config.Now),
	)

	log.Info("session issuer initialized",
		logger.String("issuer", config.Issuer),
		logger.Duration("ttl", config.TTL))

	return s, nil
}

// Issue returns a signed token for label and its expiry.
func (s *SessionIssuer) Issue(label string) (string, time.Time, error) {
	if label == "" {
		return "", time.Time{}, ErrEmptyPrincipal
	}

	now := s.config.Now()
	expiresAt := now.Add(s.config.TTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   label,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}

	s.count("issued")
	s.logger.Debug("session token issued",
		logger.String("identity", label),
		logger.String("token_id", claims.ID),
		logger.Time("expires_at", expiresAt))

	return signed, expiresAt, nil
}

// Verify checks signature, issuer and expiry and returns the identity label.
func (s *SessionIssuer) Verify(raw string) (string, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.config.SigningKey, nil
	})

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		s.count("expired")
		return "", ErrTokenExpired
	case err != nil:
		s.count("rejected")
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	case claims.Subject == "":
		s.count("rejected")
		return "", fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	s.count("verified")
	return claims.Subject, nil
}

func (s *SessionIssuer) count(outcome string) {
	key := []string{"session", "token", outcome}
	if s.config.Metrics != nil {
		s.config.Metrics.IncrCounter(key, 1)
		return
	}
	metrics.IncrCounter(key, 1)
}

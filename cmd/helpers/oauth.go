package helpers

import (
	"errors"
	"fmt"
	"time"

	"github.com/stephnangue/tally/auth/grant"
	"github.com/stephnangue/tally/auth/oauth"
	"github.com/stephnangue/tally/auth/token"
	"github.com/stephnangue/tally/config"
	"github.com/stephnangue/tally/helper"
	log "github.com/stephnangue/tally/logger"
	"github.com/stephnangue/tally/storage"
)

// ErrOAuthNotConfigured is returned by grant commands run against a
// configuration without oauth credentials.
var ErrOAuthNotConfigured = errors.New("oauth is not configured: set client_id, client_secret and redirect_url")

// OAuth groups the components behind the sign in flow.
type OAuth struct {
	Manager  *oauth.Manager
	Grants   *grant.Store
	Sessions *token.SessionIssuer
}

// BuildOAuth wires the Google provider, the grant store and the session
// issuer from conf.
func BuildOAuth(conf *config.Config, store storage.Storage, logger log.Logger) (*OAuth, error) {
	if !conf.OAuth.Enabled() {
		return nil, ErrOAuthNotConfigured
	}

	grants, err := grant.NewStore(store, logger.WithSubsystem("grants"), grant.StoreConfig{
		CacheSize: int64(conf.Storage.CacheSize),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create grant store: %w", err)
	}

	client := helper.NewRetryingClient(logger.WithSubsystem("oauth.http"), helper.HTTPClientConfig{
		Timeout:           conf.OAuth.RefreshTimeout,
		RetryMax:          1,
		RetryWaitMin:      500 * time.Millisecond,
		RetryWaitMax:      2 * time.Second,
		RequestsPerSecond: conf.OAuth.RequestsPerSecond,
	})
	provider := oauth.NewGoogleProvider(oauth.GoogleConfig{
		ClientID:     conf.OAuth.ClientID,
		ClientSecret: conf.OAuth.ClientSecret,
		RedirectURL:  conf.OAuth.RedirectURL,
		Scopes:       conf.OAuth.Scopes,
		AuthURL:      conf.OAuth.AuthURL,
		TokenURL:     conf.OAuth.TokenURL,
		UserinfoURL:  conf.OAuth.UserinfoURL,
		AdminURL:     conf.OAuth.AdminURL,
		HTTPClient:   client,
	})
	manager := oauth.NewManager(provider, grants, logger.WithSubsystem("oauth"), oauth.Config{
		StateTTL:       conf.OAuth.StateTTL,
		RefreshMargin:  conf.OAuth.RefreshMargin,
		RefreshTimeout: conf.OAuth.RefreshTimeout,
		Scopes:         conf.OAuth.Scopes,
	})

	sessions, err := token.NewSessionIssuer(logger.WithSubsystem("session"), token.Config{
		SigningKey: []byte(conf.Session.SigningKey),
		Issuer:     conf.Session.Issuer,
		TTL:        conf.Session.TTL,
	})
	if err != nil {
		grants.Close()
		return nil, fmt.Errorf("failed to create session issuer: %w", err)
	}

	return &OAuth{Manager: manager, Grants: grants, Sessions: sessions}, nil
}

// CLILogger returns a warn-level console logger for one-shot commands.
func CLILogger() log.Logger {
	cfg := log.DefaultConfig()
	cfg.Level = log.WarnLevel
	return log.NewZerologLogger(cfg)
}

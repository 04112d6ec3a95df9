package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/auth/apikey"
	"github.com/stephnangue/tally/auth/grant"
	"github.com/stephnangue/tally/auth/oauth"
	"github.com/stephnangue/tally/auth/token"
	"github.com/stephnangue/tally/cmd/helpers"
	"github.com/stephnangue/tally/config"
	"github.com/stephnangue/tally/gateway"
	"github.com/stephnangue/tally/helper"
	tallyhttp "github.com/stephnangue/tally/http"
	log "github.com/stephnangue/tally/logger"
	"github.com/stephnangue/tally/ratelimit"
	"github.com/stephnangue/tally/reporting"
	"github.com/stephnangue/tally/storage"
	"github.com/stephnangue/tally/usage"
)

// system holds the wired components of a running server.
type system struct {
	keys     *apikey.Store
	grants   *grant.Store
	oauth    *oauth.Manager
	sessions *token.SessionIssuer
	limiter  *ratelimit.Limiter
	recorder *usage.Recorder
	gateway  *gateway.Gateway
}

func buildSystem(ctx context.Context, conf *config.Config, store storage.Storage, logger log.Logger) (*system, error) {
	sys := &system{}

	entries := make([]apikey.Entry, 0, len(conf.APIKeys))
	for _, k := range conf.APIKeys {
		entries = append(entries, apikey.Entry{User: k.User, Key: k.Key, Property: k.Property})
	}
	keys, err := apikey.New(entries)
	if err != nil {
		return nil, fmt.Errorf("invalid api keys: %w", err)
	}
	sys.keys = keys

	// left as nil interfaces when oauth is off so the resolver rejects bearers
	var verifier auth.SessionVerifier
	var identities auth.OAuthIdentities
	if conf.OAuth.Enabled() {
		o, err := helpers.BuildOAuth(conf, store, logger)
		if err != nil {
			return nil, err
		}
		sys.grants, sys.oauth, sys.sessions = o.Grants, o.Manager, o.Sessions
		verifier = sys.sessions
		identities = sys.oauth
	}
	resolver := auth.NewResolver(keys, verifier, identities, logger.WithSubsystem("auth"))

	sys.limiter = ratelimit.New(logger.WithSubsystem("ratelimit"), ratelimit.Config{
		Limit:  conf.RateLimit.Limit,
		Window: conf.RateLimit.Window,
	})

	sink, err := buildSink(conf, store)
	if err != nil {
		sys.close(context.Background())
		return nil, err
	}
	sys.recorder, err = usage.NewRecorder(usage.RecorderConfig{
		Sink:          sink,
		QueueSize:     conf.Usage.QueueSize,
		FallbackSize:  conf.Usage.FallbackSize,
		DrainInterval: conf.Usage.DrainInterval,
		Logger:        logger.WithSubsystem("usage"),
	})
	if err != nil {
		sink.Close()
		sys.close(context.Background())
		return nil, err
	}

	reporter, err := buildReporter(ctx, conf, logger)
	if err != nil {
		sys.close(context.Background())
		return nil, err
	}

	sys.gateway, err = gateway.New(gateway.Config{
		Resolver:      resolver,
		Limiter:       sys.limiter,
		Reporter:      reporter,
		Recorder:      sys.recorder,
		Logger:        logger,
		ClassifyError: tallyhttp.ErrorKind,
	})
	if err != nil {
		sys.close(context.Background())
		return nil, err
	}
	return sys, nil
}

func buildSink(conf *config.Config, store storage.Storage) (usage.Sink, error) {
	switch conf.Usage.Sink {
	case "storage":
		return usage.NewStorageSink(store), nil
	case "file":
		return usage.NewFileSink(usage.FileSinkConfig{
			Path:       conf.Usage.Path,
			MaxSizeMB:  100,
			MaxBackups: 10,
			Compress:   true,
		})
	default:
		return nil, fmt.Errorf("unknown usage sink %s", conf.Usage.Sink)
	}
}

func buildReporter(ctx context.Context, conf *config.Config, logger log.Logger) (*reporting.Client, error) {
	sa, err := reporting.LoadServiceAccount(conf.Reporting.ServiceAccountFile)
	if err != nil {
		return nil, err
	}
	client := helper.NewRetryingClient(logger.WithSubsystem("reporting.http"), helper.HTTPClientConfig{
		Timeout:      conf.Reporting.Timeout,
		RetryMax:     2,
		RetryWaitMin: time.Second,
		RetryWaitMax: 5 * time.Second,
	})
	return reporting.NewClient(ctx, logger.WithSubsystem("reporting"), reporting.Config{
		BaseURL:            conf.Reporting.BaseURL,
		ServiceAccountJSON: sa,
		HTTPClient:         client,
		Timeout:            conf.Reporting.Timeout,
	})
}

func (s *system) handlerProperties(metrics http.Handler, logger log.Logger) *tallyhttp.HandlerProperties {
	props := &tallyhttp.HandlerProperties{
		Gateway:        s.gateway,
		StaticKeyCount: s.keys.Len(),
		Metrics:        metrics,
		Logger:         logger,
	}
	if s.oauth != nil {
		props.OAuth = s.oauth
		props.Sessions = s.sessions
	}
	return props
}

// close releases every component that was built. Storage is left open for
// the caller to stop after usage records are flushed into it.
func (s *system) close(ctx context.Context) error {
	var result *multierror.Error
	if s.recorder != nil {
		if err := s.recorder.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("usage recorder: %w", err))
		}
	}
	if s.limiter != nil {
		s.limiter.Close()
	}
	if s.grants != nil {
		s.grants.Close()
	}
	return result.ErrorOrNil()
}

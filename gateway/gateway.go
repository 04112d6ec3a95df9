// Package gateway composes identity resolution, admission, the reporting
// call and usage recording for one inbound request.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/logger"
	"github.com/stephnangue/tally/ratelimit"
	"github.com/stephnangue/tally/reporting"
	"github.com/stephnangue/tally/usage"
)

// RateLimitedError is returned when admission is denied. It is an expected
// outcome, not a failure of the gateway.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum one.
func (e *RateLimitedError) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

type Resolver interface {
	Resolve(ctx context.Context, cred auth.Credential) (auth.Identity, error)
}

type Admitter interface {
	Admit(key string) ratelimit.Decision
}

type Reporter interface {
	Query(ctx context.Context, id auth.Identity, spec reporting.Spec) (*reporting.Result, error)
}

type Recorder interface {
	Record(rec usage.Record)
}

// ErrorClassifier names the kind recorded for a failed reporting call.
type ErrorClassifier func(err error) string

// Request is one inbound report call.
type Request struct {
	Credential auth.Credential
	Endpoint   string
	Method     string
	ClientIP   string
	UserAgent  string
	Spec       reporting.Spec
}

type Config struct {
	Resolver Resolver
	Limiter  Admitter
	Reporter Reporter
	Recorder Recorder
	Logger   logger.Logger
	// ClassifyError is optional
	ClassifyError ErrorClassifier
	Now           func() time.Time
}

type Gateway struct {
	resolver Resolver
	limiter  Admitter
	reporter Reporter
	recorder Recorder
	logger   logger.Logger
	classify ErrorClassifier
	now      func() time.Time
}

func New(config Config) (*Gateway, error) {
	if config.Resolver == nil || config.Limiter == nil || config.Reporter == nil || config.Recorder == nil {
		return nil, errors.New("gateway requires a resolver, a limiter, a reporter and a recorder")
	}
	if config.Logger == nil {
		return nil, errors.New("gateway requires a logger")
	}
	g := &Gateway{
		resolver: config.Resolver,
		limiter:  config.Limiter,
		reporter: config.Reporter,
		recorder: config.Recorder,
		logger:   config.Logger.WithSubsystem("gateway"),
		classify: config.ClassifyError,
		now:      config.Now,
	}
	if g.classify == nil {
		g.classify = defaultClassify
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// Whoami resolves cred without admission or recording.
func (g *Gateway) Whoami(ctx context.Context, cred auth.Credential) (auth.Identity, error) {
	return g.resolver.Resolve(ctx, cred)
}

// Query runs one report for the identity behind req.Credential. The
// reporter's result or error is returned as is.
func (g *Gateway) Query(ctx context.Context, req Request) (*reporting.Result, error) {
	id, err := g.resolver.Resolve(ctx, req.Credential)
	if err != nil {
		metrics.IncrCounter([]string{"gateway", "resolve", "failure"}, 1)
		return nil, err
	}

	rec := usage.Record{
		IdentityLabel: id.Label,
		IdentityKind:  string(id.Kind),
		Endpoint:      req.Endpoint,
		Method:        req.Method,
		ClientIP:      req.ClientIP,
		UserAgent:     req.UserAgent,
	}

	decision := g.limiter.Admit(id.Key())
	if !decision.Allowed {
		metrics.IncrCounter([]string{"gateway", "admission", "denied"}, 1)
		g.logger.Debug("request denied by rate limiter",
			logger.String("identity", id.Key()),
			logger.Duration("retry_after", decision.RetryAfter))

		rec.Timestamp = g.now()
		rec.Outcome = usage.OutcomeDenied
		rec.StatusCode = 429
		rec.ErrorKind = "rate_limited"
		g.recorder.Record(rec)
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	start := g.now()
	result, err := g.reporter.Query(ctx, id, req.Spec)
	latency := g.now().Sub(start)
	metrics.MeasureSince([]string{"gateway", "report"}, start)

	rec.Timestamp = start
	rec.LatencyMs = latency.Milliseconds()
	if err != nil {
		rec.Outcome = usage.OutcomeError
		rec.ErrorKind = g.classify(err)
		var upErr *reporting.UpstreamError
		if errors.As(err, &upErr) {
			rec.StatusCode = upErr.StatusCode
		}
		metrics.IncrCounter([]string{"gateway", "report", "failure"}, 1)
		g.logger.Warn("report failed",
			logger.String("identity", id.Key()),
			logger.String("endpoint", req.Endpoint),
			logger.Err(err))
	} else {
		rec.Outcome = usage.OutcomeSuccess
		rec.StatusCode = result.StatusCode
		metrics.IncrCounter([]string{"gateway", "report", "success"}, 1)
	}
	g.recorder.Record(rec)

	return result, err
}

func defaultClassify(err error) string {
	var upErr *reporting.UpstreamError
	if errors.As(err, &upErr) {
		return "upstream_reporting_error"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "internal_error"
}

package helper

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stephnangue/tally/logger"
	"golang.org/x/time/rate"
)

// HTTPClientConfig configures NewRetryingClient.
type HTTPClientConfig struct {
	Timeout time.Duration
	// RetryMax is the number of retries after the first attempt.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RequestsPerSecond paces outgoing requests; zero disables pacing.
	RequestsPerSecond float64
}

// NewRetryingClient returns a standard *http.Client that retries connection
// errors and 5xx/429 responses with exponential backoff. 4xx responses are
// returned on the first attempt. After the last retry the final response is
// handed back unchanged so callers can read the upstream error body.
func NewRetryingClient(log logger.Logger, config HTTPClientConfig) *http.Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryWaitMin <= 0 {
		config.RetryWaitMin = 250 * time.Millisecond
	}
	if config.RetryWaitMax <= 0 {
		config.RetryWaitMax = 2 * time.Second
	}

	base := cleanhttp.DefaultPooledClient()
	base.Timeout = config.Timeout
	if config.RequestsPerSecond > 0 {
		burst := int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		base.Transport = &pacedTransport{
			next:    base.Transport,
			limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst),
		}
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = config.RetryMax
	rc.RetryWaitMin = config.RetryWaitMin
	rc.RetryWaitMax = config.RetryWaitMax
	rc.ErrorHandler = lastResponse
	rc.Logger = logger.NewHCLogAdapter(log.WithSubsystem("http"))

	return rc.StandardClient()
}

// lastResponse hands back the final response with a nil error once retries
// are exhausted. retryablehttp reports "unexpected HTTP status" alongside it,
// which net/http would turn into a bare error and drop the body.
func lastResponse(resp *http.Response, err error, _ int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

type pacedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *pacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

// Package reporting forwards report requests to the Google Analytics Data
// API on behalf of a resolved identity. Request and response bodies are
// passed through untouched.
package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	DefaultBaseURL = "https://analyticsdata.googleapis.com"
	ReadonlyScope  = "https://www.googleapis.com/auth/analytics.readonly"

	// maxResponseBodySize limits upstream body reads
	maxResponseBodySize = 16 << 20
)

var (
	// ErrNoServiceAccount is returned for api-key identities when no service
	// account is configured to act for them.
	ErrNoServiceAccount = errors.New("no service account configured for api key identities")
	ErrNoAccessToken    = errors.New("identity carries no access token")
	// ErrRequestFailed wraps transport failures talking to the Data API.
	ErrRequestFailed = errors.New("analytics data api request failed")
)

// Spec describes one report call. Body is the Data API request JSON.
type Spec struct {
	Realtime bool
	Body     json.RawMessage
}

// Result is the upstream response body.
type Result struct {
	StatusCode int
	Body       json.RawMessage
}

// UpstreamError is a non-2xx answer from the Data API.
type UpstreamError struct {
	StatusCode int
	Body       json.RawMessage
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("analytics data api returned %d", e.StatusCode)
}

type Config struct {
	BaseURL string
	// ServiceAccountJSON authenticates api-key identities. Optional.
	ServiceAccountJSON []byte
	HTTPClient         *http.Client
	Timeout            time.Duration
}

// Client implements gateway.Reporter.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// nil when no service account is configured
	serviceTokens oauth2.TokenSource
	timeout       time.Duration
	logger        logger.Logger
}

// LoadServiceAccount reads a service account key file.
func LoadServiceAccount(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account file: %w", err)
	}
	return data, nil
}

func NewClient(ctx context.Context, log logger.Logger, config Config) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: config.HTTPClient,
		timeout:    config.Timeout,
		logger:     log,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}

	if len(config.ServiceAccountJSON) > 0 {
		// token fetches go through the same retrying client
		ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, c.httpClient)
		creds, err := google.CredentialsFromJSON(ctx, config.ServiceAccountJSON, ReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse service account credentials: %w", err)
		}
		c.serviceTokens = creds.TokenSource
		log.Info("service account configured for api key identities")
	}
	return c, nil
}

// Query runs spec against identity's property.
func (c *Client) Query(ctx context.Context, id auth.Identity, spec Spec) (*Result, error) {
	bearer, err := c.bearerFor(id)
	if err != nil {
		return nil, err
	}

	method := "runReport"
	if spec.Realtime {
		method = "runRealtimeReport"
	}
	endpoint := fmt.Sprintf("%s/v1beta/properties/%s:%s", c.baseURL, url.PathEscape(id.PropertyRef), method)

	body := spec.Body
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrRequestFailed, err)
	}
	if !json.Valid(raw) {
		raw, _ = json.Marshal(string(raw))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("analytics data api error",
			logger.String("identity", id.Key()),
			logger.String("property_ref", id.PropertyRef),
			logger.Int("status", resp.StatusCode))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: raw}
	}
	return &Result{StatusCode: resp.StatusCode, Body: raw}, nil
}

func (c *Client) bearerFor(id auth.Identity) (string, error) {
	switch id.Kind {
	case auth.KindOAuthUser:
		if id.AccessToken() == "" {
			return "", ErrNoAccessToken
		}
		return id.AccessToken(), nil
	default:
		if c.serviceTokens == nil {
			return "", ErrNoServiceAccount
		}
		tok, err := c.serviceTokens.Token()
		if err != nil {
			return "", fmt.Errorf("failed to obtain service account token: %w", err)
		}
		return tok.AccessToken, nil
	}
}

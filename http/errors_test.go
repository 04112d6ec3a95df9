package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/auth/oauth"
	"github.com/stephnangue/tally/gateway"
	"github.com/stephnangue/tally/reporting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"missing credential", auth.ErrMissingCredential, 401, KindMissingCredential},
		{"invalid credential", fmt.Errorf("%w: session expired", auth.ErrInvalidCredential), 401, KindInvalidCredential},
		{"invalid state", oauth.ErrInvalidState, 400, KindInvalidState},
		{"state expired", oauth.ErrStateExpired, 400, KindStateExpired},
		{"provider rejected", oauth.ErrProviderRejected, 400, KindProviderRejected},
		{"provider unavailable", oauth.ErrProviderUnavailable, 503, KindProviderUnavailable},
		{"no grant", oauth.ErrNoGrant, 401, KindNoGrant},
		{"reauthorization", fmt.Errorf("refresh: %w", oauth.ErrReauthorizationRequired), 401, KindReauthorizationRequired},
		{"no property", oauth.ErrNoProperty, 403, KindNoProperty},
		{"unknown property", oauth.ErrUnknownProperty, 400, KindUnknownProperty},
		{"oauth disabled", oauth.ErrDisabled, 503, KindOAuthDisabled},
		{"rate limited", &gateway.RateLimitedError{RetryAfter: 58 * time.Second}, 429, KindRateLimited},
		{"upstream 403", &reporting.UpstreamError{StatusCode: 403}, 403, KindUpstreamReporting},
		{"upstream odd status", &reporting.UpstreamError{StatusCode: 302}, 502, KindUpstreamReporting},
		{"transport", fmt.Errorf("%w: dial tcp", reporting.ErrRequestFailed), 502, KindUpstreamReporting},
		{"no service account", reporting.ErrNoServiceAccount, 502, KindUpstreamReporting},
		{"canceled", context.Canceled, 504, KindCanceled},
		{"unknown", errors.New("disk on fire"), 500, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := mapError(tt.err)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, tt.kind, e.Kind)
			assert.NotEmpty(t, e.Message)
			assert.Equal(t, tt.kind, ErrorKind(tt.err))
		})
	}
}

func TestMapError_MessageNeverCarriesErrorText(t *testing.T) {
	err := fmt.Errorf("%w: token ya29.secret rejected", auth.ErrInvalidCredential)
	assert.NotContains(t, mapError(err).Message, "ya29")
}

func TestRespondAPIError_RateLimited(t *testing.T) {
	w := httptest.NewRecorder()
	respondAPIError(w, mapError(&gateway.RateLimitedError{RetryAfter: 57500 * time.Millisecond}))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "58", w.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, KindRateLimited, resp.Error.Kind)
}

func TestRespondAPIError_UpstreamBodyIsPassedThrough(t *testing.T) {
	w := httptest.NewRecorder()
	respondAPIError(w, mapError(&reporting.UpstreamError{
		StatusCode: 400,
		Body:       json.RawMessage(`{"error":{"status":"INVALID_ARGUMENT"}}`),
	}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":{"kind":"upstream_reporting_error","message":"the analytics backend returned an error","upstream":{"error":{"status":"INVALID_ARGUMENT"}}}}`, w.Body.String())
}

func TestRespondError_Envelope(t *testing.T) {
	w := httptest.NewRecorder()
	respondError(w, http.StatusNotFound, "not_found", "resource not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":{"kind":"not_found","message":"resource not found"}}`, w.Body.String())
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	assert.True(t, credentialFromRequest(r).Empty())

	r.Header.Set("X-API-Key", " key-1 ")
	r.Header.Set("Authorization", "bearer tok-1")
	cred := credentialFromRequest(r)
	assert.Equal(t, "key-1", cred.APIKey)
	assert.Equal(t, "tok-1", cred.Bearer)

	r = httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.True(t, credentialFromRequest(r).Empty())
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/auth/oauth"
	"github.com/stephnangue/tally/gateway"
	"github.com/stephnangue/tally/reporting"
)

// Error kinds as they appear on the wire.
const (
	KindMissingCredential       = "missing_credential"
	KindInvalidCredential       = "invalid_credential"
	KindInvalidState            = "invalid_state"
	KindStateExpired            = "state_expired"
	KindProviderRejected        = "provider_rejected"
	KindProviderUnavailable     = "provider_unavailable"
	KindNoGrant                 = "no_grant"
	KindReauthorizationRequired = "reauthorization_required"
	KindNoProperty              = "no_property"
	KindUnknownProperty         = "unknown_property"
	KindPropertyImmutable       = "property_immutable"
	KindOAuthDisabled           = "oauth_disabled"
	KindRateLimited             = "rate_limited"
	KindUpstreamReporting       = "upstream_reporting_error"
	KindBadRequest              = "bad_request"
	KindCanceled                = "canceled"
	KindInternal                = "internal_error"
)

// apiError is the mapped form of an error returned by the core.
type apiError struct {
	Status  int
	Kind    string
	Message string
	// Upstream carries the Data API error body, if any
	Upstream json.RawMessage
	// RetryAfter is whole seconds; zero when not rate limited
	RetryAfter int
}

// mapError is the single place core errors are turned into HTTP answers.
// Messages are fixed strings so no credential material can leak through.
func mapError(err error) apiError {
	var rl *gateway.RateLimitedError
	var upErr *reporting.UpstreamError

	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return apiError{Status: http.StatusUnauthorized, Kind: KindMissingCredential,
			Message: "provide an X-API-Key header or an Authorization: Bearer token"}
	case errors.Is(err, auth.ErrInvalidCredential):
		return apiError{Status: http.StatusUnauthorized, Kind: KindInvalidCredential,
			Message: "the presented credential is not valid"}
	case errors.Is(err, oauth.ErrInvalidState):
		return apiError{Status: http.StatusBadRequest, Kind: KindInvalidState,
			Message: "unknown or already used authorization state"}
	case errors.Is(err, oauth.ErrStateExpired):
		return apiError{Status: http.StatusBadRequest, Kind: KindStateExpired,
			Message: "authorization state expired, start the flow again"}
	case errors.Is(err, oauth.ErrProviderRejected):
		return apiError{Status: http.StatusBadRequest, Kind: KindProviderRejected,
			Message: "the authorization provider rejected the request"}
	case errors.Is(err, oauth.ErrProviderUnavailable):
		return apiError{Status: http.StatusServiceUnavailable, Kind: KindProviderUnavailable,
			Message: "the authorization provider is unavailable, try again later"}
	case errors.Is(err, oauth.ErrNoGrant):
		return apiError{Status: http.StatusUnauthorized, Kind: KindNoGrant,
			Message: "no authorization on record for this identity"}
	case errors.Is(err, oauth.ErrReauthorizationRequired):
		return apiError{Status: http.StatusUnauthorized, Kind: KindReauthorizationRequired,
			Message: "authorization was revoked or expired, sign in again"}
	case errors.Is(err, oauth.ErrNoProperty):
		return apiError{Status: http.StatusForbidden, Kind: KindNoProperty,
			Message: "the account has no accessible analytics property"}
	case errors.Is(err, oauth.ErrUnknownProperty):
		return apiError{Status: http.StatusBadRequest, Kind: KindUnknownProperty,
			Message: "the property is not one this identity can access"}
	case errors.Is(err, oauth.ErrDisabled):
		return apiError{Status: http.StatusServiceUnavailable, Kind: KindOAuthDisabled,
			Message: "oauth sign in is not configured"}
	case errors.As(err, &rl):
		return apiError{Status: http.StatusTooManyRequests, Kind: KindRateLimited,
			Message: "rate limit exceeded", RetryAfter: rl.RetryAfterSeconds()}
	case errors.As(err, &upErr):
		status := upErr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return apiError{Status: status, Kind: KindUpstreamReporting,
			Message: "the analytics backend returned an error", Upstream: upErr.Body}
	case errors.Is(err, reporting.ErrRequestFailed),
		errors.Is(err, reporting.ErrNoServiceAccount),
		errors.Is(err, reporting.ErrNoAccessToken):
		return apiError{Status: http.StatusBadGateway, Kind: KindUpstreamReporting,
			Message: "the analytics backend could not be queried"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apiError{Status: http.StatusGatewayTimeout, Kind: KindCanceled,
			Message: "the request was canceled before it completed"}
	default:
		return apiError{Status: http.StatusInternalServerError, Kind: KindInternal,
			Message: "internal error"}
	}
}

// ErrorKind returns the wire kind for err. It doubles as the usage
// classifier so recorded kinds match what callers saw.
func ErrorKind(err error) string {
	return mapError(err).Kind
}

type errorBody struct {
	Kind     string          `json:"kind"`
	Message  string          `json:"message"`
	Upstream json.RawMessage `json:"upstream,omitempty"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error errorBody `json:"error"`
}

func respondAPIError(w http.ResponseWriter, e apiError) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	writeJSON(w, e.Status, &ErrorResponse{Error: errorBody{Kind: e.Kind, Message: e.Message, Upstream: e.Upstream}})
}

package http

import (
	"net/http"
	"time"

	"github.com/stephnangue/tally/auth/oauth"
	"github.com/stephnangue/tally/logger"
)

type authURLResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

type callbackResponse struct {
	Identity         string    `json:"identity"`
	PropertyRef      string    `json:"property_ref"`
	Properties       []string  `json:"properties"`
	SessionToken     string    `json:"session_token"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

type authStatusResponse struct {
	APIKeyEnabled  bool `json:"api_key_enabled"`
	StaticKeyCount int  `json:"static_key_count"`
	OAuthEnabled   bool `json:"oauth_enabled"`
	// PendingAuthorizations counts handshakes awaiting their callback.
	PendingAuthorizations int `json:"pending_authorizations"`
}

func (h *handler) oauthEnabled() bool {
	return h.props.OAuth != nil && h.props.Sessions != nil
}

func (h *handler) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	if !h.oauthEnabled() {
		respondAPIError(w, mapError(oauth.ErrDisabled))
		return
	}
	url, state, err := h.props.OAuth.BeginAuthorization(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondOk(w, &authURLResponse{AuthorizationURL: url, State: state})
}

func (h *handler) handleAuthRedirect(w http.ResponseWriter, r *http.Request) {
	if !h.oauthEnabled() {
		respondAPIError(w, mapError(oauth.ErrDisabled))
		return
	}
	url, _, err := h.props.OAuth.BeginAuthorization(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (h *handler) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !h.oauthEnabled() {
		respondAPIError(w, mapError(oauth.ErrDisabled))
		return
	}

	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		h.fail(w, r, oauth.ErrInvalidState)
		return
	}
	// the user declined consent or the provider refused before issuing a code
	if q.Get("error") != "" {
		h.logger.Info("authorization declined at provider", logger.String("reason", q.Get("error")))
		h.fail(w, r, oauth.ErrProviderRejected)
		return
	}
	code := q.Get("code")
	if code == "" {
		respondError(w, http.StatusBadRequest, KindBadRequest, "missing code parameter")
		return
	}

	g, err := h.props.OAuth.CompleteAuthorization(r.Context(), code, state)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	token, expiresAt, err := h.props.Sessions.Issue(g.IdentityLabel)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("oauth sign in completed",
		logger.String("identity", g.IdentityLabel),
		logger.String("property_ref", g.PropertyRef))

	respondOk(w, &callbackResponse{
		Identity:         g.IdentityLabel,
		PropertyRef:      g.PropertyRef,
		Properties:       g.Properties,
		SessionToken:     token,
		SessionExpiresAt: expiresAt,
	})
}

func (h *handler) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	resp := &authStatusResponse{
		APIKeyEnabled:  h.props.StaticKeyCount > 0,
		StaticKeyCount: h.props.StaticKeyCount,
		OAuthEnabled:   h.oauthEnabled(),
	}
	if resp.OAuthEnabled {
		resp.PendingAuthorizations = h.props.OAuth.PendingStates()
	}
	respondOk(w, resp)
}

// fail maps err and writes it. Internal errors are logged since their
// message never reaches the caller.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := mapError(err)
	if e.Status >= http.StatusInternalServerError && e.Kind != KindUpstreamReporting {
		h.logger.Error("request failed",
			logger.String("path", r.URL.Path),
			logger.String("kind", e.Kind),
			logger.Err(err))
	}
	respondAPIError(w, e)
}

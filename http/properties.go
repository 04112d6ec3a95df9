package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/auth/oauth"
)

const maxPropertyBodyBytes = 4 << 10

type propertiesResponse struct {
	Kind        auth.Kind `json:"kind"`
	Identity    string    `json:"identity"`
	PropertyRef string    `json:"property_ref"`
	Properties  []string  `json:"properties"`
	// Mutable is false for static keys, whose property comes from config.
	Mutable bool `json:"mutable"`
}

type setPropertyRequest struct {
	PropertyRef string `json:"property_ref"`
}

func (h *handler) handleListProperties(w http.ResponseWriter, r *http.Request) {
	id, err := h.props.Gateway.Whoami(r.Context(), credentialFromRequest(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if id.Kind != auth.KindOAuthUser {
		respondOk(w, &propertiesResponse{
			Kind:        id.Kind,
			Identity:    id.Label,
			PropertyRef: id.PropertyRef,
			Properties:  []string{id.PropertyRef},
		})
		return
	}
	if !h.oauthEnabled() {
		respondAPIError(w, mapError(oauth.ErrDisabled))
		return
	}

	st, err := h.props.OAuth.Status(r.Context(), id.Label)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondOk(w, &propertiesResponse{
		Kind:        id.Kind,
		Identity:    id.Label,
		PropertyRef: st.PropertyRef,
		Properties:  st.Properties,
		Mutable:     true,
	})
}

func (h *handler) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	var req setPropertyRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPropertyBodyBytes))
	if err != nil || json.Unmarshal(body, &req) != nil || req.PropertyRef == "" {
		respondError(w, http.StatusBadRequest, KindBadRequest, `body must be {"property_ref": "<id>"}`)
		return
	}

	id, err := h.props.Gateway.Whoami(r.Context(), credentialFromRequest(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if id.Kind != auth.KindOAuthUser {
		respondError(w, http.StatusForbidden, KindPropertyImmutable,
			"api keys are bound to their configured property")
		return
	}
	if !h.oauthEnabled() {
		respondAPIError(w, mapError(oauth.ErrDisabled))
		return
	}

	st, err := h.props.OAuth.SetDefaultProperty(r.Context(), id.Label, req.PropertyRef)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondOk(w, &propertiesResponse{
		Kind:        id.Kind,
		Identity:    id.Label,
		PropertyRef: st.PropertyRef,
		Properties:  st.Properties,
		Mutable:     true,
	})
}

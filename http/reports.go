package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/gateway"
	"github.com/stephnangue/tally/reporting"
)

type whoamiResponse struct {
	Kind        auth.Kind `json:"kind"`
	Identity    string    `json:"identity"`
	PropertyRef string    `json:"property_ref"`
}

func (h *handler) handleWhoami(w http.ResponseWriter, r *http.Request) {
	id, err := h.props.Gateway.Whoami(r.Context(), credentialFromRequest(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondOk(w, &whoamiResponse{Kind: id.Kind, Identity: id.Label, PropertyRef: id.PropertyRef})
}

func (h *handler) handleReport(realtime bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.props.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(w, http.StatusRequestEntityTooLarge, KindBadRequest, "request body too large")
				return
			}
			respondError(w, http.StatusBadRequest, KindBadRequest, "failed to read request body")
			return
		}
		if len(body) > 0 && !json.Valid(body) {
			respondError(w, http.StatusBadRequest, KindBadRequest, "request body must be JSON")
			return
		}

		res, err := h.props.Gateway.Query(r.Context(), gateway.Request{
			Credential: credentialFromRequest(r),
			Endpoint:   r.URL.Path,
			Method:     r.Method,
			ClientIP:   extractClientIP(r),
			UserAgent:  r.UserAgent(),
			Spec:       reporting.Spec{Realtime: realtime, Body: body},
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(res.StatusCode)
		_, _ = w.Write(res.Body)
	}
}

package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/helper"
)

const (
	HeaderAPIKey        = "X-API-Key"
	HeaderAuthorization = "Authorization"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Cache-Control", "no-store")
	helper.JSONResponse(w, status, data)
}

// respondError writes an error envelope with the given status, kind and message.
func respondError(w http.ResponseWriter, status int, kind, message string) {
	respondAPIError(w, apiError{Status: status, Kind: kind, Message: message})
}

// respondOk writes a successful JSON response with status 200.
func respondOk(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

// credentialFromRequest reads the static key header and the bearer token.
// Both may be set; the resolver decides which one wins.
func credentialFromRequest(r *http.Request) auth.Credential {
	cred := auth.Credential{APIKey: strings.TrimSpace(r.Header.Get(HeaderAPIKey))}

	authz := strings.TrimSpace(r.Header.Get(HeaderAuthorization))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		cred.Bearer = strings.TrimSpace(authz[7:])
	}
	return cred
}

// extractClientIP returns the caller address. The RealIP middleware has
// already folded X-Forwarded-For and X-Real-IP into RemoteAddr.
func extractClientIP(r *http.Request) string {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	return clientIP
}

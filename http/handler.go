// Package http exposes the gateway over a chi router.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stephnangue/tally/auth"
	"github.com/stephnangue/tally/auth/grant"
	"github.com/stephnangue/tally/auth/oauth"
	"github.com/stephnangue/tally/gateway"
	"github.com/stephnangue/tally/logger"
	"github.com/stephnangue/tally/reporting"
)

// DefaultMaxBodyBytes caps report request bodies.
const DefaultMaxBodyBytes = 1 << 20

type Gateway interface {
	Query(ctx context.Context, req gateway.Request) (*reporting.Result, error)
	Whoami(ctx context.Context, cred auth.Credential) (auth.Identity, error)
}

type OAuthFlow interface {
	BeginAuthorization(ctx context.Context) (string, string, error)
	CompleteAuthorization(ctx context.Context, code, state string) (*grant.Grant, error)
	PendingStates() int
	Status(ctx context.Context, label string) (*oauth.GrantStatus, error)
	SetDefaultProperty(ctx context.Context, label, propertyRef string) (*oauth.GrantStatus, error)
}

type SessionIssuer interface {
	Issue(label string) (string, time.Time, error)
}

// HandlerProperties contains configuration for the HTTP handler
type HandlerProperties struct {
	Gateway Gateway
	// OAuth and Sessions are nil when OAuth sign in is not configured.
	OAuth    OAuthFlow
	Sessions SessionIssuer
	// StaticKeyCount is reported by /v1/auth/status.
	StaticKeyCount int
	// Metrics serves /metrics when set.
	Metrics      http.Handler
	Logger       logger.Logger
	MaxBodyBytes int64
}

type handler struct {
	props  *HandlerProperties
	logger logger.Logger
}

// Handler creates and returns the main HTTP handler for Tally.
func Handler(props *HandlerProperties) http.Handler {
	if props.MaxBodyBytes <= 0 {
		props.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := &handler{props: props, logger: props.Logger.WithSubsystem("http")}

	r := chi.NewRouter()
	r.Use(h.logRequests)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/auth", func(a chi.Router) {
			a.Get("/url", h.handleAuthURL)
			a.Get("/google", h.handleAuthRedirect)
			a.Get("/callback", h.handleAuthCallback)
			a.Get("/status", h.handleAuthStatus)
		})
		v1.Get("/whoami", h.handleWhoami)
		v1.Get("/properties", h.handleListProperties)
		v1.Put("/properties", h.handleSetProperty)
		v1.Post("/reports", h.handleReport(false))
		v1.Post("/reports/realtime", h.handleReport(true))
		v1.Get("/sys/health", h.handleHealth)
	})
	if props.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", props.Metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method "+r.Method+" not allowed")
	})

	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if !h.logger.IsLevelEnabled(logger.DebugLevel) {
			return
		}
		h.logger.Debug("request handled",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOk(w, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

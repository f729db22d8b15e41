package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/riskworks/docgen/internal/api/middleware"
	"github.com/riskworks/docgen/internal/api/response"
)

// Dependencies holds all handler dependencies for the router. Authentication
// and rate limiting live in the edge proxy, not here.
type Dependencies struct {
	HealthHandler       http.HandlerFunc
	SubmitHandler       http.HandlerFunc
	PollHandler         http.HandlerFunc
	QueueMetricsHandler http.HandlerFunc
	QueueDrainHandler   http.HandlerFunc
	BrokerStatusHandler http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Post("/api/v1/documents", orNotImplemented(deps.SubmitHandler))
	r.Get("/api/v1/documents/{token}", orNotImplemented(deps.PollHandler))

	r.Get("/api/v1/admin/queue/metrics", orNotImplemented(deps.QueueMetricsHandler))
	r.Post("/api/v1/admin/queue/drain", orNotImplemented(deps.QueueDrainHandler))
	r.Get("/api/v1/admin/broker/status", orNotImplemented(deps.BrokerStatusHandler))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

package handler

import (
	"context"
	"net/http"

	"github.com/riskworks/docgen/internal/api/response"
	"github.com/riskworks/docgen/internal/broker"
)

// Pinger is the liveness slice of the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerStatuser reports the current broker connection snapshot.
type BrokerStatuser interface {
	BrokerStatus() broker.Status
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// The database is required; the broker is reported but never fails the check,
// since the service is designed to run degraded without it.
func NewHealthHandler(st Pinger, q BrokerStatuser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := q.BrokerStatus()

		dbState := "up"
		if err := st.Ping(r.Context()); err != nil {
			dbState = "down"
		}

		body := map[string]any{
			"status":   "ok",
			"database": dbState,
			"broker":   status,
		}

		if dbState == "down" {
			body["status"] = "degraded"
			response.Error(w, http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE",
				"The database is not reachable", body)
			return
		}

		response.JSON(w, body)
	}
}

package handler

import (
	"context"
	"net/http"

	"github.com/riskworks/docgen/internal/api/response"
	"github.com/riskworks/docgen/internal/queue"
)

// QueueAdmin is the maintenance slice of the queue used by the admin routes.
type QueueAdmin interface {
	BrokerStatuser
	Metrics(ctx context.Context) (*queue.Counts, error)
	DrainOld(ctx context.Context) (int, error)
}

// NewQueueMetricsHandler returns an http.HandlerFunc for GET /api/v1/admin/queue/metrics.
func NewQueueMetricsHandler(q QueueAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := q.Metrics(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if counts == nil {
			response.Error(w, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE",
				"The job broker is not reachable", q.BrokerStatus())
			return
		}
		response.JSON(w, counts)
	}
}

// NewQueueDrainHandler returns an http.HandlerFunc for POST /api/v1/admin/queue/drain.
func NewQueueDrainHandler(q QueueAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pruned, err := q.DrainOld(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, map[string]int{"pruned": pruned})
	}
}

// NewBrokerStatusHandler returns an http.HandlerFunc for GET /api/v1/admin/broker/status.
func NewBrokerStatusHandler(q BrokerStatuser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, q.BrokerStatus())
	}
}

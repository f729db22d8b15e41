package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/riskworks/docgen/internal/api/response"
	"github.com/riskworks/docgen/internal/intake"
	"github.com/riskworks/docgen/internal/store"
	"github.com/riskworks/docgen/pkg/models"
)

// Submitter defines the interface the submit handler depends on.
type Submitter interface {
	Submit(ctx context.Context, form models.FormPayload) (*intake.Result, error)
}

// NewSubmitDocumentHandler returns an http.HandlerFunc for POST /api/v1/documents.
func NewSubmitDocumentHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var form models.FormPayload
		if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		result, err := svc.Submit(r.Context(), form)
		if err != nil {
			var verr *intake.ValidationError
			if errors.As(err, &verr) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
					"The submission is invalid", verr.Fields)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Created(w, result)
	}
}

// RequestGetter is the read-side slice of the store the poll handler uses.
type RequestGetter interface {
	GetRequestByToken(ctx context.Context, token string) (*models.DocumentRequest, error)
}

type pollResponse struct {
	*models.DocumentRequest
	FriendlyMessage string `json:"friendly_message"`
}

// NewPollDocumentHandler returns an http.HandlerFunc for GET /api/v1/documents/{token}.
// Clients poll it until the state is terminal; the database is the source of
// truth, so the answer is correct even when the broker is down.
func NewPollDocumentHandler(st RequestGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		if token == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "token is required", nil)
			return
		}

		req, err := st.GetRequestByToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND",
					"No document request with that token", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, pollResponse{
			DocumentRequest: req,
			FriendlyMessage: models.FriendlyMessage(req.State, req.Progress),
		})
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/riskworks/docgen/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
// The document_requests table is the single source of truth for polling
// clients; the broker only accelerates it.
type Store interface {
	Ping(ctx context.Context) error

	// CreateSubmission runs one transaction: get-or-create the organization by
	// tax ID, get-or-create the requesting user, insert the document request
	// with state=pending and progress=0. It commits before any broker call.
	CreateSubmission(ctx context.Context, p CreateSubmissionParams) (*SubmissionRecord, error)

	GetRequestByToken(ctx context.Context, token string) (*models.DocumentRequest, error)

	// UpdateProgress records a phase checkpoint. Progress never decreases and
	// a request in completed or awaiting_payment is never moved back.
	UpdateProgress(ctx context.Context, token string, progress int) error

	// MarkFailed sets state=failed with an error message. Requests already in
	// completed or awaiting_payment are left untouched.
	MarkFailed(ctx context.Context, token string, msg string) error

	// Finalize moves the request to its successful terminal state and stores
	// the artifact locations.
	Finalize(ctx context.Context, token string, state string, locations map[string]string) error

	// InsertPositionDetails atomically replaces the per-position child rows
	// and their risk-factor grandchildren for one request.
	InsertPositionDetails(ctx context.Context, requestID int64, positions []models.EnrichedPosition) error
}

// CreateSubmissionParams carries everything intake validated and priced.
// Credential is expected to be hashed already; the raw value never reaches
// this layer.
type CreateSubmissionParams struct {
	Token              string
	OrganizationName   string
	OrganizationTaxID  string
	OrganizationEmail  string
	CredentialHash     string
	UserName           string
	UserEmail          string
	NumPositions       int
	Pricing            models.PricingSnapshot
	Payload            json.RawMessage
}

// SubmissionRecord is the outcome of CreateSubmission.
type SubmissionRecord struct {
	Request      *models.DocumentRequest
	Organization *models.Organization
	User         *models.User
}

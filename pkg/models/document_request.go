package models

import (
	"encoding/json"
	"time"
)

// Document request lifecycle states. Transitions only move forward:
// pending -> processing -> awaiting_payment | completed | failed.
// Terminal states never regress.
const (
	StatePending         = "pending"
	StateProcessing      = "processing"
	StateCompleted       = "completed"
	StateFailed          = "failed"
	StateAwaitingPayment = "awaiting_payment"
)

// IsTerminal reports whether a request state admits no further automatic transition.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateAwaitingPayment
}

// DocumentRequest is the durable record of one generation request. The API
// returns a token on POST /api/v1/documents; the client polls
// GET /api/v1/documents/{token} until the state is terminal.
type DocumentRequest struct {
	ID                int64             `db:"id"                 json:"document_request_id"`
	Token             string            `db:"token"              json:"token"`
	OrganizationID    int64             `db:"organization_id"    json:"organization_id"`
	UserID            int64             `db:"user_id"            json:"user_id"`
	State             string            `db:"state"              json:"state"`
	Progress          int               `db:"progress"           json:"progress"`
	ErrorMessage      *string           `db:"error_message"      json:"error_message,omitempty"`
	NumPositions      int               `db:"num_positions"      json:"num_positions"`
	Pricing           PricingSnapshot   `db:"pricing"            json:"pricing"`
	Payload           json.RawMessage   `db:"payload"            json:"-"`
	ArtifactLocations map[string]string `db:"artifact_locations" json:"artifact_locations"`
	CreatedAt         time.Time         `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at"         json:"updated_at"`
}

// PricingSnapshot is the price computed once at intake and never recomputed.
// Amounts are integer cents.
type PricingSnapshot struct {
	MatrixCents  int64 `json:"matrix_cents"`
	ProfileCents int64 `json:"profile_cents"`
	SummaryCents int64 `json:"summary_cents"`
	TotalCents   int64 `json:"total_cents"`
	UnitCents    int64 `json:"unit_cents"`
	NumPositions int   `json:"num_positions"`
}

// Package intake accepts document-generation submissions: validate, price,
// persist, then hand the job to the queue. The database commit always happens
// before the broker sees the token, so a degraded broker can only delay the
// job, never lose the request.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/riskworks/docgen/internal/pricing"
	"github.com/riskworks/docgen/internal/queue"
	"github.com/riskworks/docgen/internal/store"
	"github.com/riskworks/docgen/pkg/models"
)

const (
	minDegree = 1
	maxDegree = 5
)

// Enqueuer is the slice of the queue the intake path uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, token string, payload any, opts queue.Options) (*queue.Job, error)
}

// ValidationError reports every field problem found in a submission, keyed
// by a JSON-path-ish field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "invalid submission: " + strings.Join(parts, "; ")
}

// Result is what the caller gets back immediately. The documents themselves
// arrive later through the polling endpoint. JobID is the broker's job
// identifier (the token); it is empty when the broker was degraded and the
// job could not be queued.
type Result struct {
	DocumentRequestID int64                  `json:"document_request_id"`
	Token             string                 `json:"token"`
	JobID             string                 `json:"job_id,omitempty"`
	Queued            bool                   `json:"queued"`
	Pricing           models.PricingSnapshot `json:"pricing"`
}

// Service wires validation, pricing, persistence and enqueueing.
type Service struct {
	store     store.Store
	enqueuer  Enqueuer
	unitCents int64
}

func NewService(st store.Store, enq Enqueuer, unitCents int64) *Service {
	return &Service{store: st, enqueuer: enq, unitCents: unitCents}
}

// Submit processes one submission end to end. A *ValidationError means the
// payload was rejected and nothing was stored.
func (s *Service) Submit(ctx context.Context, form models.FormPayload) (*Result, error) {
	if verr := validate(form); verr != nil {
		return nil, verr
	}

	numPositions := len(form.Positions)
	quote := pricing.Quote(numPositions, s.unitCents)

	credentialHash, err := hashCredential(form.Organization.Credential)
	if err != nil {
		return nil, fmt.Errorf("hash organization credential: %w", err)
	}

	// The raw credential must not survive past this point. The stored payload
	// is replayed by the worker and returned on re-runs.
	form.Organization.Credential = ""
	raw, err := json.Marshal(form)
	if err != nil {
		return nil, fmt.Errorf("marshal submission payload: %w", err)
	}

	token := uuid.NewString()
	rec, err := s.store.CreateSubmission(ctx, store.CreateSubmissionParams{
		Token:             token,
		OrganizationName:  form.Organization.Name,
		OrganizationTaxID: form.Organization.TaxID,
		OrganizationEmail: form.Organization.Email,
		CredentialHash:    credentialHash,
		UserName:          form.User.Name,
		UserEmail:         form.User.Email,
		NumPositions:      numPositions,
		Pricing:           quote,
		Payload:           raw,
	})
	if err != nil {
		return nil, fmt.Errorf("persist submission: %w", err)
	}

	job, err := s.enqueuer.Enqueue(ctx, token, models.JobPayload{
		Token:             token,
		DocumentRequestID: rec.Request.ID,
		OrganizationID:    rec.Organization.ID,
		OrganizationName:  rec.Organization.Name,
		OrganizationTaxID: rec.Organization.TaxID,
		Form:              form,
		NumPositions:      numPositions,
		Pricing:           quote,
	}, queue.Options{Priority: queue.PriorityHigh})
	if err != nil {
		// The request is already durable; the janitor or a manual requeue
		// will pick it up once the broker recovers.
		slog.Error("enqueue after commit failed", "token", token, "error", err)
	}
	res := &Result{
		DocumentRequestID: rec.Request.ID,
		Token:             token,
		Pricing:           quote,
	}
	if job != nil {
		res.JobID = job.Token
		res.Queued = true
	} else {
		slog.Warn("submission accepted without broker", "token", token)
	}
	return res, nil
}

func hashCredential(credential string) (string, error) {
	if credential == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func validate(form models.FormPayload) *ValidationError {
	fields := map[string]string{}

	if strings.TrimSpace(form.Organization.Name) == "" {
		fields["organization.name"] = "is required"
	}
	if strings.TrimSpace(form.Organization.TaxID) == "" {
		fields["organization.tax_id"] = "is required"
	}
	if strings.TrimSpace(form.User.Name) == "" {
		fields["user.name"] = "is required"
	}
	if email := strings.TrimSpace(form.User.Email); email == "" || !strings.Contains(email, "@") {
		fields["user.email"] = "must be a valid email address"
	}
	if len(form.Positions) == 0 {
		fields["positions"] = "at least one position is required"
	}

	for i, pos := range form.Positions {
		if strings.TrimSpace(pos.Title) == "" {
			fields[fmt.Sprintf("positions[%d].title", i)] = "is required"
		}
		if len(pos.RiskFactors) == 0 {
			fields[fmt.Sprintf("positions[%d].risk_factors", i)] = "at least one risk factor is required"
		}
		for j, rf := range pos.RiskFactors {
			if strings.TrimSpace(rf.Name) == "" {
				fields[fmt.Sprintf("positions[%d].risk_factors[%d].name", i, j)] = "is required"
			}
			for field, degree := range map[string]int{
				"deficiency":  rf.Deficiency,
				"exposure":    rf.Exposure,
				"consequence": rf.Consequence,
			} {
				if degree < minDegree || degree > maxDegree {
					fields[fmt.Sprintf("positions[%d].risk_factors[%d].%s", i, j, field)] =
						fmt.Sprintf("must be between %d and %d", minDegree, maxDegree)
				}
			}
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riskworks/docgen/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateSubmission(ctx context.Context, p CreateSubmissionParams) (*SubmissionRecord, error) {
	pricing, err := json.Marshal(p.Pricing)
	if err != nil {
		return nil, fmt.Errorf("marshal pricing snapshot: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin submission tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Organizations are looked up by tax ID so repeated submissions reuse the
	// same row. An empty credential hash never clobbers a stored one.
	var org models.Organization
	err = tx.QueryRow(ctx,
		`INSERT INTO organizations (name, tax_id, email, credential_hash)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tax_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   email = EXCLUDED.email,
		   credential_hash = COALESCE(NULLIF(EXCLUDED.credential_hash, ''), organizations.credential_hash),
		   updated_at = NOW()
		 RETURNING id, name, tax_id, email, credential_hash, created_at, updated_at`,
		p.OrganizationName, p.OrganizationTaxID, p.OrganizationEmail, p.CredentialHash,
	).Scan(&org.ID, &org.Name, &org.TaxID, &org.Email, &org.CredentialHash, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert organization: %w", err)
	}

	var user models.User
	err = tx.QueryRow(ctx,
		`INSERT INTO users (organization_id, name, email)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (organization_id, email) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, organization_id, name, email, created_at`,
		org.ID, p.UserName, p.UserEmail,
	).Scan(&user.ID, &user.OrganizationID, &user.Name, &user.Email, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	req := models.DocumentRequest{
		Token:             p.Token,
		OrganizationID:    org.ID,
		UserID:            user.ID,
		State:             models.StatePending,
		NumPositions:      p.NumPositions,
		Pricing:           p.Pricing,
		Payload:           p.Payload,
		ArtifactLocations: map[string]string{},
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO document_requests (token, organization_id, user_id, state, progress, num_positions, pricing, payload)
		 VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		p.Token, org.ID, user.ID, p.NumPositions, pricing, []byte(p.Payload),
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert document request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit submission tx: %w", err)
	}

	return &SubmissionRecord{Request: &req, Organization: &org, User: &user}, nil
}

func (s *PostgresStore) GetRequestByToken(ctx context.Context, token string) (*models.DocumentRequest, error) {
	var (
		r         models.DocumentRequest
		pricing   []byte
		locations []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, token, organization_id, user_id, state, progress, error_message,
		        num_positions, pricing, payload, artifact_locations, created_at, updated_at
		 FROM document_requests WHERE token = $1`, token,
	).Scan(&r.ID, &r.Token, &r.OrganizationID, &r.UserID, &r.State, &r.Progress, &r.ErrorMessage,
		&r.NumPositions, &pricing, &r.Payload, &locations, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document request: %w", err)
	}

	if err := json.Unmarshal(pricing, &r.Pricing); err != nil {
		return nil, fmt.Errorf("decode pricing snapshot: %w", err)
	}
	if err := json.Unmarshal(locations, &r.ArtifactLocations); err != nil {
		return nil, fmt.Errorf("decode artifact locations: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, token string, progress int) error {
	// GREATEST keeps progress non-decreasing as observed by pollers. A
	// request on a retry attempt moves failed -> processing and clears the
	// previous attempt's error; successful terminal states never regress.
	tag, err := s.pool.Exec(ctx,
		`UPDATE document_requests
		    SET state = 'processing',
		        progress = GREATEST(progress, $2),
		        error_message = NULL,
		        updated_at = NOW()
		  WHERE token = $1
		    AND state NOT IN ('completed', 'awaiting_payment')`,
		token, progress)
	if err != nil {
		return fmt.Errorf("update request progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, token string, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE document_requests
		    SET state = 'failed',
		        error_message = $2,
		        updated_at = NOW()
		  WHERE token = $1
		    AND state NOT IN ('completed', 'awaiting_payment')`,
		token, msg)
	if err != nil {
		return fmt.Errorf("mark request failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Finalize(ctx context.Context, token string, state string, locations map[string]string) error {
	if state != models.StateCompleted && state != models.StateAwaitingPayment {
		return fmt.Errorf("invalid terminal state %q", state)
	}
	raw, err := json.Marshal(locations)
	if err != nil {
		return fmt.Errorf("marshal artifact locations: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE document_requests
		    SET state = $2,
		        artifact_locations = $3,
		        error_message = NULL,
		        updated_at = NOW()
		  WHERE token = $1
		    AND state NOT IN ('completed', 'awaiting_payment')`,
		token, state, raw)
	if err != nil {
		return fmt.Errorf("finalize request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertPositionDetails(ctx context.Context, requestID int64, positions []models.EnrichedPosition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin details tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Replace instead of append: a stall-triggered re-run of the pipeline
	// must not leave duplicate child rows behind.
	if _, err := tx.Exec(ctx,
		`DELETE FROM position_risks WHERE position_id IN
		   (SELECT id FROM positions WHERE document_request_id = $1)`, requestID); err != nil {
		return fmt.Errorf("delete stale position risks: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM positions WHERE document_request_id = $1`, requestID); err != nil {
		return fmt.Errorf("delete stale positions: %w", err)
	}

	for _, pos := range positions {
		var positionID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO positions (document_request_id, title, sector, description)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			requestID, pos.Title, pos.Sector, pos.Description,
		).Scan(&positionID)
		if err != nil {
			return fmt.Errorf("insert position: %w", err)
		}

		for _, risk := range pos.Risks {
			if _, err := tx.Exec(ctx,
				`INSERT INTO position_risks
				   (position_id, name, category, deficiency, exposure, consequence, probability, score, level, mitigation)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				positionID, risk.Name, risk.Category, risk.Deficiency, risk.Exposure,
				risk.Consequence, risk.Probability, risk.Score, risk.Level, risk.Mitigation); err != nil {
				return fmt.Errorf("insert position risk: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit details tx: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/riskworks/docgen/internal/store"
	"github.com/riskworks/docgen/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("docgen_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func submissionParams(token string) store.CreateSubmissionParams {
	return store.CreateSubmissionParams{
		Token:             token,
		OrganizationName:  "Acme Industrial",
		OrganizationTaxID: "12.345.678/0001-90",
		OrganizationEmail: "contact@acme.example",
		CredentialHash:    "$2a$10$fakehashfakehashfakehash",
		UserName:          "Ana Souza",
		UserEmail:         "ana@acme.example",
		NumPositions:      2,
		Pricing: models.PricingSnapshot{
			MatrixCents: 9980, ProfileCents: 9980, SummaryCents: 0,
			TotalCents: 19960, UnitCents: 4990, NumPositions: 2,
		},
		Payload: json.RawMessage(`{"positions":[{"title":"Welder"},{"title":"Painter"}]}`),
	}
}

func TestCreateSubmission(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	rec, err := s.CreateSubmission(ctx, submissionParams(uuid.NewString()))
	require.NoError(t, err)

	assert.NotZero(t, rec.Request.ID)
	assert.Equal(t, models.StatePending, rec.Request.State)
	assert.Equal(t, 0, rec.Request.Progress)
	assert.Equal(t, 2, rec.Request.NumPositions)
	assert.Equal(t, rec.Organization.ID, rec.Request.OrganizationID)
	assert.Equal(t, rec.User.ID, rec.Request.UserID)
	assert.Equal(t, "12.345.678/0001-90", rec.Organization.TaxID)
}

func TestCreateSubmission_ReusesOrganizationByTaxID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	first, err := s.CreateSubmission(ctx, submissionParams(uuid.NewString()))
	require.NoError(t, err)

	p := submissionParams(uuid.NewString())
	p.OrganizationName = "Acme Industrial Renamed"
	p.CredentialHash = "" // must not clobber the stored hash
	second, err := s.CreateSubmission(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, first.Organization.ID, second.Organization.ID)
	assert.Equal(t, "Acme Industrial Renamed", second.Organization.Name)
	assert.Equal(t, first.Organization.CredentialHash, second.Organization.CredentialHash)
	assert.Equal(t, first.User.ID, second.User.ID)
}

func TestCreateSubmission_DuplicateToken(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	token := uuid.NewString()
	_, err := s.CreateSubmission(ctx, submissionParams(token))
	require.NoError(t, err)

	_, err = s.CreateSubmission(ctx, submissionParams(token))
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestGetRequestByToken_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetRequestByToken(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateProgress_NonDecreasing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	token := uuid.NewString()
	_, err := s.CreateSubmission(ctx, submissionParams(token))
	require.NoError(t, err)

	require.NoError(t, s.UpdateProgress(ctx, token, 15))
	require.NoError(t, s.UpdateProgress(ctx, token, 5)) // late checkpoint must not regress

	r, err := s.GetRequestByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessing, r.State)
	assert.Equal(t, 15, r.Progress)
}

func TestMarkFailed_ThenRetryResumesProcessing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	token := uuid.NewString()
	_, err := s.CreateSubmission(ctx, submissionParams(token))
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(ctx, token, "generator exploded"))
	r, err := s.GetRequestByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, r.State)
	require.NotNil(t, r.ErrorMessage)
	assert.Equal(t, "generator exploded", *r.ErrorMessage)

	// A retry attempt's first checkpoint clears the failure.
	require.NoError(t, s.UpdateProgress(ctx, token, 5))
	r, err = s.GetRequestByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessing, r.State)
	assert.Nil(t, r.ErrorMessage)
}

func TestFinalize_TerminalStateIsProtected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	token := uuid.NewString()
	_, err := s.CreateSubmission(ctx, submissionParams(token))
	require.NoError(t, err)

	locations := map[string]string{
		"risk_matrix":  "http://storage.example/documents/m.xlsx",
		"risk_profile": "http://storage.example/documents/p.pdf",
	}
	require.NoError(t, s.Finalize(ctx, token, models.StateAwaitingPayment, locations))

	// Neither a failure nor a checkpoint may move a finalized request.
	assert.ErrorIs(t, s.MarkFailed(ctx, token, "late failure"), store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateProgress(ctx, token, 99), store.ErrNotFound)

	r, err := s.GetRequestByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingPayment, r.State)
	assert.Equal(t, locations, r.ArtifactLocations)
	assert.Nil(t, r.ErrorMessage)
}

func TestFinalize_RejectsNonTerminalState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.Finalize(context.Background(), "tok", models.StateProcessing, nil)
	assert.Error(t, err)
}

func enrichedPositions() []models.EnrichedPosition {
	return []models.EnrichedPosition{
		{
			PositionInput: models.PositionInput{Title: "Welder", Sector: "Assembly"},
			Risks: []models.EnrichedRisk{
				{
					RiskFactorInput: models.RiskFactorInput{Name: "Fumes", Category: "chemical", Deficiency: 3, Exposure: 4, Consequence: 2},
					Probability:     12, Score: 24, Level: "moderate", Mitigation: "Local exhaust ventilation.",
				},
			},
		},
		{
			PositionInput: models.PositionInput{Title: "Painter", Sector: "Finishing"},
			Risks: []models.EnrichedRisk{
				{
					RiskFactorInput: models.RiskFactorInput{Name: "Solvents", Category: "chemical", Deficiency: 2, Exposure: 3, Consequence: 3},
					Probability:     6, Score: 18, Level: "moderate", Mitigation: "Respirator.",
				},
				{
					RiskFactorInput: models.RiskFactorInput{Name: "Noise", Category: "physical", Deficiency: 4, Exposure: 5, Consequence: 3},
					Probability:     20, Score: 60, Level: "high", Mitigation: "Hearing protection.",
				},
			},
		},
	}
}

func TestInsertPositionDetails_ReplaceIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	token := uuid.NewString()
	rec, err := s.CreateSubmission(ctx, submissionParams(token))
	require.NoError(t, err)

	require.NoError(t, s.InsertPositionDetails(ctx, rec.Request.ID, enrichedPositions()))
	// Simulates a stall-triggered re-run of the persist phase.
	require.NoError(t, s.InsertPositionDetails(ctx, rec.Request.ID, enrichedPositions()))

	var positionCount, riskCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE document_request_id = $1`, rec.Request.ID).Scan(&positionCount))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM position_risks pr JOIN positions p ON pr.position_id = p.id
		  WHERE p.document_request_id = $1`, rec.Request.ID).Scan(&riskCount))

	assert.Equal(t, 2, positionCount)
	assert.Equal(t, 3, riskCount)
}

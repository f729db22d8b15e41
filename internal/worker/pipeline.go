package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/riskworks/docgen/internal/generator"
	"github.com/riskworks/docgen/internal/objstore"
	"github.com/riskworks/docgen/internal/queue"
	"github.com/riskworks/docgen/internal/store"
	"github.com/riskworks/docgen/internal/thumbnail"
	"github.com/riskworks/docgen/pkg/models"
)

// Progress checkpoints per phase. Generation walks from start to end as each
// generator finishes.
const (
	progressValidated     = 5
	progressEnriched      = 10
	progressPersisted     = 15
	progressGenerateStart = 20
	progressGenerateEnd   = 60
	progressThumbnails    = 70
	progressUploaded      = 80
	progressFinalized     = 95
)

// JobQueue is the slice of the queue the pipeline reports back through.
type JobQueue interface {
	SetProgress(ctx context.Context, token string, progress int) error
	Complete(ctx context.Context, token string, result any) error
	Retry(ctx context.Context, token string, jobErr error) (bool, error)
	Fail(ctx context.Context, token string, msg string) error
}

// Enricher fills in the derived risk values.
type Enricher interface {
	Enrich(ctx context.Context, payload models.JobPayload) *models.EnrichedRequest
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Pipeline runs one job through the fixed phase sequence. Every phase is
// idempotent so a retried job simply replays from the top.
type Pipeline struct {
	store      store.Store
	queue      JobQueue
	enricher   Enricher
	generators []generator.Generator
	thumbnails thumbnail.Renderer
	uploader   objstore.Uploader
}

func NewPipeline(st store.Store, q JobQueue, e Enricher, gens []generator.Generator, r thumbnail.Renderer, up objstore.Uploader) *Pipeline {
	return &Pipeline{
		store:      st,
		queue:      q,
		enricher:   e,
		generators: gens,
		thumbnails: r,
		uploader:   up,
	}
}

// Run processes one dequeued job and settles it: Complete on success, Fail on
// a permanent error, Retry on anything else. The returned error is only for
// logging; the job has already been settled when Run returns.
func (p *Pipeline) Run(ctx context.Context, job *queue.Job) error {
	token := job.Token

	err := p.process(ctx, job)
	if err == nil {
		return nil
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		if serr := p.store.MarkFailed(ctx, token, perm.err.Error()); serr != nil {
			slog.Error("mark request failed", "token", token, "error", serr)
		}
		if qerr := p.queue.Fail(ctx, token, perm.err.Error()); qerr != nil {
			slog.Error("fail job", "token", token, "error", qerr)
		}
		return fmt.Errorf("job %s failed permanently: %w", token, perm.err)
	}

	if serr := p.store.MarkFailed(ctx, token, err.Error()); serr != nil {
		slog.Error("mark request failed", "token", token, "error", serr)
	}
	retried, qerr := p.queue.Retry(ctx, token, err)
	if qerr != nil {
		slog.Error("schedule retry", "token", token, "error", qerr)
	}
	if retried {
		slog.Warn("job scheduled for retry", "token", token, "error", err)
	}
	return fmt.Errorf("job %s attempt failed: %w", token, err)
}

func (p *Pipeline) process(ctx context.Context, job *queue.Job) error {
	// Phase 1: validate the broker copy of the payload.
	var payload models.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &permanentError{fmt.Errorf("decode job payload: %w", err)}
	}
	if err := validatePayload(payload); err != nil {
		return &permanentError{err}
	}
	token := payload.Token
	if err := p.checkpoint(ctx, token, progressValidated); err != nil {
		return err
	}

	// Phase 2: enrichment. Never fails; catalog trouble is logged inside.
	enriched := p.enricher.Enrich(ctx, payload)
	if err := p.checkpoint(ctx, token, progressEnriched); err != nil {
		return err
	}

	// Phase 3: persist per-position detail rows. Replaces any rows a prior
	// attempt left behind.
	if err := p.store.InsertPositionDetails(ctx, payload.DocumentRequestID, enriched.Positions); err != nil {
		return fmt.Errorf("persist position details: %w", err)
	}
	if err := p.checkpoint(ctx, token, progressPersisted); err != nil {
		return err
	}

	// Phase 4: generate all artifacts concurrently.
	artifacts, err := p.generate(ctx, token, enriched)
	if err != nil {
		return err
	}

	// Phase 5: thumbnails.
	thumbs, err := p.renderThumbnails(artifacts)
	if err != nil {
		return err
	}
	if err := p.checkpoint(ctx, token, progressThumbnails); err != nil {
		return err
	}

	// Phase 6: upload artifacts and thumbnails.
	locations, err := p.upload(ctx, token, artifacts, thumbs)
	if err != nil {
		return err
	}
	if err := p.checkpoint(ctx, token, progressUploaded); err != nil {
		return err
	}

	// Phase 7: finalize. Paid requests wait for payment, free ones are done.
	finalState := models.StateCompleted
	if payload.Pricing.TotalCents > 0 {
		finalState = models.StateAwaitingPayment
	}
	if err := p.store.Finalize(ctx, token, finalState, locations); err != nil {
		return fmt.Errorf("finalize request: %w", err)
	}
	if err := p.queue.SetProgress(ctx, token, progressFinalized); err != nil {
		slog.Warn("broker progress update failed", "token", token, "error", err)
	}

	// Phase 8: done.
	if err := p.queue.Complete(ctx, token, map[string]any{
		"token":              token,
		"state":              finalState,
		"artifact_locations": locations,
	}); err != nil {
		slog.Error("mark job completed", "token", token, "error", err)
	}

	slog.Info("document request finished", "token", token, "state", finalState, "artifacts", len(locations))
	return nil
}

type renderedArtifact struct {
	kind        string
	contentType string
	ext         string
	data        []byte
}

func (p *Pipeline) generate(ctx context.Context, token string, enriched *models.EnrichedRequest) ([]renderedArtifact, error) {
	artifacts := make([]renderedArtifact, len(p.generators))

	var mu sync.Mutex
	finished := 0
	step := func() int {
		mu.Lock()
		defer mu.Unlock()
		finished++
		span := progressGenerateEnd - progressGenerateStart
		return progressGenerateStart + span*finished/len(p.generators)
	}

	if err := p.checkpoint(ctx, token, progressGenerateStart); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, gen := range p.generators {
		g.Go(func() error {
			data, err := gen.Generate(gctx, enriched)
			if err != nil {
				return fmt.Errorf("generate %s: %w", gen.Kind(), err)
			}
			artifacts[i] = renderedArtifact{
				kind:        gen.Kind(),
				contentType: gen.ContentType(),
				ext:         gen.FileExt(),
				data:        data,
			}
			if cerr := p.checkpoint(gctx, token, step()); cerr != nil {
				return cerr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (p *Pipeline) renderThumbnails(artifacts []renderedArtifact) (map[string][]byte, error) {
	thumbs := make(map[string][]byte, len(artifacts))
	var mu sync.Mutex

	var g errgroup.Group
	for _, art := range artifacts {
		g.Go(func() error {
			png, err := p.thumbnails.Render(art.data, art.kind)
			if err != nil {
				return fmt.Errorf("render thumbnail for %s: %w", art.kind, err)
			}
			mu.Lock()
			thumbs[art.kind] = png
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return thumbs, nil
}

func (p *Pipeline) upload(ctx context.Context, token string, artifacts []renderedArtifact, thumbs map[string][]byte) (map[string]string, error) {
	locations := make(map[string]string, len(artifacts)+len(thumbs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, art := range artifacts {
		g.Go(func() error {
			name := fmt.Sprintf("%s/%s%s", token, art.kind, art.ext)
			url, err := p.uploader.Upload(gctx, art.data, name, art.contentType)
			if err != nil {
				return err
			}
			mu.Lock()
			locations[art.kind] = url
			mu.Unlock()
			return nil
		})

		png, ok := thumbs[art.kind]
		if !ok {
			continue
		}
		g.Go(func() error {
			name := fmt.Sprintf("%s/%s_thumb.png", token, art.kind)
			url, err := p.uploader.Upload(gctx, png, name, "image/png")
			if err != nil {
				return err
			}
			mu.Lock()
			locations[art.kind+"_thumb"] = url
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return locations, nil
}

// checkpoint records progress in both the source of truth and the broker.
// The database write is the one that matters; a degraded broker only costs
// status freshness.
func (p *Pipeline) checkpoint(ctx context.Context, token string, progress int) error {
	if err := p.store.UpdateProgress(ctx, token, progress); err != nil {
		return fmt.Errorf("checkpoint progress %d: %w", progress, err)
	}
	if err := p.queue.SetProgress(ctx, token, progress); err != nil {
		slog.Warn("broker progress update failed", "token", token, "progress", progress, "error", err)
	}
	return nil
}

func validatePayload(payload models.JobPayload) error {
	if payload.Token == "" {
		return fmt.Errorf("job payload missing token")
	}
	if payload.DocumentRequestID == 0 {
		return fmt.Errorf("job payload missing document request id")
	}
	if len(payload.Form.Positions) == 0 {
		return fmt.Errorf("job payload has no positions")
	}
	for i, pos := range payload.Form.Positions {
		if len(pos.RiskFactors) == 0 {
			return fmt.Errorf("position %d has no risk factors", i)
		}
	}
	return nil
}

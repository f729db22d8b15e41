// Package enrich derives risk values from the raw submission: per risk
// factor, probability = deficiency x exposure and score = probability x
// consequence, with a banded level on top. Catalog lookups fill in missing
// mitigation text but are never required.
package enrich

import (
	"context"
	"log/slog"
	"strings"

	"github.com/riskworks/docgen/pkg/models"
)

// Risk level bands over the 1..125 score range.
const (
	LevelLow      = "low"
	LevelModerate = "moderate"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// LevelFor bands a risk score.
func LevelFor(score int) string {
	switch {
	case score <= 12:
		return LevelLow
	case score <= 40:
		return LevelModerate
	case score <= 80:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Enricher computes derived risk data for the worker's enrichment phase.
type Enricher struct {
	catalog Catalog
}

func New(catalog Catalog) *Enricher {
	return &Enricher{catalog: catalog}
}

// Enrich never fails: catalog errors leave the submitted mitigation text as
// is and are logged once per risk factor.
func (e *Enricher) Enrich(ctx context.Context, payload models.JobPayload) *models.EnrichedRequest {
	out := &models.EnrichedRequest{
		Payload:   payload,
		Positions: make([]models.EnrichedPosition, 0, len(payload.Form.Positions)),
	}

	for _, pos := range payload.Form.Positions {
		enriched := models.EnrichedPosition{
			PositionInput: pos,
			Risks:         make([]models.EnrichedRisk, 0, len(pos.RiskFactors)),
		}

		var mitigations []string
		for _, rf := range pos.RiskFactors {
			probability := rf.Deficiency * rf.Exposure
			score := probability * rf.Consequence

			mitigation := strings.TrimSpace(rf.Mitigation)
			if mitigation == "" && e.catalog != nil {
				fallback, err := e.catalog.DefaultMitigation(ctx, rf.Category, rf.Name)
				if err != nil {
					slog.Warn("catalog lookup failed, continuing without default mitigation",
						"risk", rf.Name, "category", rf.Category, "error", err)
				} else {
					mitigation = fallback
				}
			}
			if mitigation != "" {
				mitigations = append(mitigations, mitigation)
			}

			enriched.Risks = append(enriched.Risks, models.EnrichedRisk{
				RiskFactorInput: rf,
				Probability:     probability,
				Score:           score,
				Level:           LevelFor(score),
				Mitigation:      mitigation,
			})
		}

		enriched.MitigationPlan = consolidate(mitigations)
		out.Positions = append(out.Positions, enriched)
	}

	return out
}

// consolidate joins unique mitigation entries, preserving first-seen order.
func consolidate(entries []string) string {
	seen := make(map[string]bool, len(entries))
	var unique []string
	for _, entry := range entries {
		if !seen[entry] {
			seen[entry] = true
			unique = append(unique, entry)
		}
	}
	return strings.Join(unique, " ")
}

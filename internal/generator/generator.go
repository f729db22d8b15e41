// Package generator produces the binary artifacts for a document request.
// Each generator is a pure function of the enriched payload; failures bubble
// up so the whole generate phase can be retried as one unit.
package generator

import (
	"context"

	"github.com/riskworks/docgen/pkg/models"
)

// Artifact kinds. The kind keys the artifact_locations map on the request.
const (
	KindRiskMatrix  = "risk_matrix"
	KindRiskProfile = "risk_profile"
	KindSummary     = "summary"
)

// Generator renders one artifact kind.
type Generator interface {
	Kind() string
	ContentType() string
	FileExt() string
	Generate(ctx context.Context, req *models.EnrichedRequest) ([]byte, error)
}

// Default returns the full generator set for a request: the billable
// spreadsheet and profile plus the promotional summary.
func Default() []Generator {
	return []Generator{
		NewSpreadsheet(),
		NewProfilePDF(),
		NewSummaryPDF(),
	}
}

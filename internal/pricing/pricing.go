// Package pricing computes the price snapshot captured at intake. It is a
// pure function of the unit count; no network or database access.
package pricing

import "github.com/riskworks/docgen/pkg/models"

// Quote prices one submission: the risk matrix and the risk profile are each
// billed per position, the executive summary is promotional and always free.
func Quote(numPositions int, unitCents int64) models.PricingSnapshot {
	n := int64(numPositions)
	matrix := unitCents * n
	profile := unitCents * n
	return models.PricingSnapshot{
		MatrixCents:  matrix,
		ProfileCents: profile,
		SummaryCents: 0,
		TotalCents:   matrix + profile,
		UnitCents:    unitCents,
		NumPositions: numPositions,
	}
}

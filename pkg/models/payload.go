package models

// FormPayload is the structured submission body: one entry per job position,
// each carrying its own risk factors. It is validated once at intake and
// stored verbatim on the document request so the worker can replay it
// without trusting the broker copy.
type FormPayload struct {
	Organization OrganizationInput `json:"organization"`
	User         UserInput         `json:"user"`
	Positions    []PositionInput   `json:"positions"`
}

type OrganizationInput struct {
	Name       string `json:"name"`
	TaxID      string `json:"tax_id"`
	Email      string `json:"email"`
	Credential string `json:"credential,omitempty"`
}

type UserInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PositionInput is one billable unit.
type PositionInput struct {
	Title       string            `json:"title"`
	Sector      string            `json:"sector"`
	Description string            `json:"description,omitempty"`
	RiskFactors []RiskFactorInput `json:"risk_factors"`
}

// RiskFactorInput carries the three degrees used to derive the risk score.
// Each degree is graded 1..5.
type RiskFactorInput struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Deficiency  int    `json:"deficiency"`
	Exposure    int    `json:"exposure"`
	Consequence int    `json:"consequence"`
	Mitigation  string `json:"mitigation,omitempty"`
}

// JobPayload travels through the broker. It denormalizes everything the
// worker needs so the hot path does not start with a catalog of lookups.
type JobPayload struct {
	Token             string          `json:"token"`
	DocumentRequestID int64           `json:"document_request_id"`
	OrganizationID    int64           `json:"organization_id"`
	OrganizationName  string          `json:"organization_name"`
	OrganizationTaxID string          `json:"organization_tax_id"`
	Form              FormPayload     `json:"form"`
	NumPositions      int             `json:"num_positions"`
	Pricing           PricingSnapshot `json:"pricing"`
}

// EnrichedRequest is the output of the enrichment phase: the original payload
// with derived risk values filled in, ready for the document generators.
type EnrichedRequest struct {
	Payload   JobPayload
	Positions []EnrichedPosition
}

type EnrichedPosition struct {
	PositionInput
	Risks []EnrichedRisk
	// MitigationPlan is the consolidated mitigation text for the position.
	MitigationPlan string
}

// EnrichedRisk holds the derived values: probability = deficiency x exposure,
// score = probability x consequence.
type EnrichedRisk struct {
	RiskFactorInput
	Probability int
	Score       int
	Level       string
	Mitigation  string
}

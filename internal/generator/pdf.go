package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/riskworks/docgen/pkg/models"
)

// pdfSpec is the declarative page description consumed by pdfcpu's create
// API. Each page carries one multi-line text block.
type pdfSpec struct {
	Pages map[string]pdfPage `json:"pages"`
}

type pdfPage struct {
	Content pdfContent `json:"content"`
}

type pdfContent struct {
	Text []pdfText `json:"text"`
}

type pdfText struct {
	Value  string  `json:"value"`
	Anchor string  `json:"anchor"`
	Font   pdfFont `json:"font"`
}

type pdfFont struct {
	Name string  `json:"name"`
	Size float64 `json:"size"`
}

// renderPDF turns per-page text blocks into PDF bytes.
func renderPDF(pages []string) ([]byte, error) {
	spec := pdfSpec{Pages: make(map[string]pdfPage, len(pages))}
	for i, text := range pages {
		spec.Pages[strconv.Itoa(i+1)] = pdfPage{
			Content: pdfContent{
				Text: []pdfText{{
					Value:  text,
					Anchor: "center",
					Font:   pdfFont{Name: "Helvetica", Size: 11},
				}},
			},
		}
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal pdf spec: %w", err)
	}

	var buf bytes.Buffer
	if err := api.Create(nil, bytes.NewReader(raw), &buf, nil); err != nil {
		return nil, fmt.Errorf("create pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// ProfilePDF renders the risk profile report: a cover page plus one page per
// position with its risk factors and mitigation plan.
type ProfilePDF struct{}

func NewProfilePDF() *ProfilePDF { return &ProfilePDF{} }

func (g *ProfilePDF) Kind() string        { return KindRiskProfile }
func (g *ProfilePDF) ContentType() string { return "application/pdf" }
func (g *ProfilePDF) FileExt() string     { return ".pdf" }

func (g *ProfilePDF) Generate(ctx context.Context, req *models.EnrichedRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pages := []string{coverPage("Occupational Risk Profile", req)}
	for _, pos := range req.Positions {
		var b strings.Builder
		fmt.Fprintf(&b, "%s\n%s\n\n", pos.Title, pos.Sector)
		for _, risk := range pos.Risks {
			fmt.Fprintf(&b, "%s (%s)\nD %d x E %d = P %d, x C %d = score %d [%s]\n",
				risk.Name, risk.Category,
				risk.Deficiency, risk.Exposure, risk.Probability,
				risk.Consequence, risk.Score, risk.Level)
		}
		if pos.MitigationPlan != "" {
			fmt.Fprintf(&b, "\nMitigation plan: %s\n", pos.MitigationPlan)
		}
		pages = append(pages, b.String())
	}

	return renderPDF(pages)
}

// SummaryPDF renders the promotional one-page executive summary.
type SummaryPDF struct{}

func NewSummaryPDF() *SummaryPDF { return &SummaryPDF{} }

func (g *SummaryPDF) Kind() string        { return KindSummary }
func (g *SummaryPDF) ContentType() string { return "application/pdf" }
func (g *SummaryPDF) FileExt() string     { return ".pdf" }

func (g *SummaryPDF) Generate(ctx context.Context, req *models.EnrichedRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	counts := map[string]int{}
	total := 0
	for _, pos := range req.Positions {
		for _, risk := range pos.Risks {
			counts[risk.Level]++
			total++
		}
	}

	var b strings.Builder
	b.WriteString(coverPage("Executive Summary", req))
	fmt.Fprintf(&b, "\n\nRisk factors assessed: %d\n", total)
	for _, level := range []string{"critical", "high", "moderate", "low"} {
		if n := counts[level]; n > 0 {
			fmt.Fprintf(&b, "%s: %d\n", level, n)
		}
	}

	return renderPDF([]string{b.String()})
}

func coverPage(title string, req *models.EnrichedRequest) string {
	return fmt.Sprintf("%s\n\n%s\nTax ID %s\nPositions assessed: %d",
		title,
		req.Payload.OrganizationName,
		req.Payload.OrganizationTaxID,
		len(req.Positions))
}

package generator

import (
	"bytes"
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/riskworks/docgen/pkg/models"
)

// Spreadsheet renders the risk matrix workbook: one row per risk factor with
// the derived probability, score and level.
type Spreadsheet struct{}

func NewSpreadsheet() *Spreadsheet { return &Spreadsheet{} }

func (g *Spreadsheet) Kind() string        { return KindRiskMatrix }
func (g *Spreadsheet) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}
func (g *Spreadsheet) FileExt() string { return ".xlsx" }

func (g *Spreadsheet) Generate(ctx context.Context, req *models.EnrichedRequest) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Risk Matrix"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("drop default sheet: %w", err)
	}

	headers := []string{
		"Position",
		"Sector",
		"Risk Factor",
		"Category",
		"Deficiency",
		"Exposure",
		"Consequence",
		"Probability",
		"Risk Score",
		"Risk Level",
		"Mitigation",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}

	row := 2
	for _, pos := range req.Positions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, risk := range pos.Risks {
			values := []any{
				pos.Title,
				pos.Sector,
				risk.Name,
				risk.Category,
				risk.Deficiency,
				risk.Exposure,
				risk.Consequence,
				risk.Probability,
				risk.Score,
				risk.Level,
				risk.Mitigation,
			}
			for col, v := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row)
				if err := f.SetCellValue(sheet, cell, v); err != nil {
					return nil, fmt.Errorf("write row %d: %w", row, err)
				}
			}
			row++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

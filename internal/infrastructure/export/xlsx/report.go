package xlsx

import (
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

const (
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	SheetSummary = "Summary"
	SheetStages  = "Stages"
	SheetRisk    = "Risk"
)

// Render lays a report out as a workbook: an overview sheet, one row per
// stage, and the risk factors with recommendations.
func Render(report *domain.Report) ([]byte, error) {
	if report == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "render xlsx", fmt.Errorf("nil report"))
	}
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	title := cases.Title(language.English)
	generated := report.GeneratedAt.UTC().Format(time.RFC3339)
	if err := f.SetDocProps(&excelize.DocProperties{
		Title:    "Analysis report " + report.Document.Filename,
		Creator:  "document-analysis-engine",
		Created:  generated,
		Modified: generated,
		Version:  report.ReportVersion,
	}); err != nil {
		return nil, fmt.Errorf("set workbook properties: %w", err)
	}

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetStages, SheetRisk} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, fmt.Errorf("create sheet %s: %w", name, err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	summary := [][]any{
		{"Report ID", report.ReportID},
		{"Report version", report.ReportVersion},
		{"Document ID", report.Document.ID},
		{"Filename", report.Document.Filename},
		{"MIME type", report.Document.MimeType},
		{"Size (bytes)", report.Document.Size},
		{"Workflow", report.Analysis.Workflow},
		{"Analysis version", report.Analysis.Version},
		{"Category", title.String(report.Category)},
		{"Risk label", title.String(string(report.RiskAssessment.Label))},
		{"Risk score", report.RiskAssessment.Score},
		{"Generated at", generated},
		{"Executive summary", report.ExecutiveSummary},
	}
	if err := writeRows(f, SheetSummary, summary); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(SheetSummary, "A1", fmt.Sprintf("A%d", len(summary)), bold); err != nil {
		return nil, fmt.Errorf("style summary: %w", err)
	}
	_ = f.SetColWidth(SheetSummary, "A", "A", 20)
	_ = f.SetColWidth(SheetSummary, "B", "B", 80)

	stages := [][]any{{"Stage", "Confidence", "Duration (ms)", "Risk indicators", "Key points"}}
	for _, s := range report.Analysis.Stages {
		stages = append(stages, []any{
			s.Stage,
			s.Confidence,
			s.DurationMs,
			indicatorList(s.RiskIndicators),
			keyPointList(s.KeyPoints),
		})
	}
	for _, failed := range report.Analysis.FailedStages {
		stages = append(stages, []any{failed.Stage, "failed", "", "", failed.Cause})
	}
	if err := writeRows(f, SheetStages, stages); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(SheetStages, "A1", "E1", bold); err != nil {
		return nil, fmt.Errorf("style stages: %w", err)
	}

	risk := [][]any{{"Risk factors", "Recommendations"}}
	n := len(report.RiskAssessment.Factors)
	if len(report.Recommendations) > n {
		n = len(report.Recommendations)
	}
	for i := 0; i < n; i++ {
		row := []any{"", ""}
		if i < len(report.RiskAssessment.Factors) {
			row[0] = report.RiskAssessment.Factors[i]
		}
		if i < len(report.Recommendations) {
			row[1] = report.Recommendations[i]
		}
		risk = append(risk, row)
	}
	if err := writeRows(f, SheetRisk, risk); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(SheetRisk, "A1", "B1", bold); err != nil {
		return nil, fmt.Errorf("style risk: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func indicatorList(in []domain.RiskIndicator) string {
	parts := make([]string, 0, len(in))
	for _, ind := range in {
		parts = append(parts, fmt.Sprintf("%s (%.2f)", ind.Name, ind.Weight))
	}
	return strings.Join(parts, ", ")
}

func keyPointList(in []domain.KeyPoint) string {
	parts := make([]string, 0, len(in))
	for _, kp := range in {
		parts = append(parts, kp.Text)
	}
	return strings.Join(parts, "\n")
}

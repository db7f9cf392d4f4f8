package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
)

const defaultCategory = "general"

var reportNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("document-analysis-engine/report"))

// ReportUseCase projects the current analysis result into a report. It
// never triggers analysis.
type ReportUseCase struct {
	repo ports.DocumentRepository
}

func NewReportUseCase(repo ports.DocumentRepository) *ReportUseCase {
	return &ReportUseCase{repo: repo}
}

func (uc *ReportUseCase) Generate(ctx context.Context, documentID string) (*domain.Report, error) {
	doc, err := uc.repo.GetByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if doc.AnalysisResult == nil {
		return nil, domain.WrapError(domain.ErrReportNotFound, "generate report", errors.New("document has no analysis result"))
	}
	return BuildReport(doc, doc.AnalysisResult), nil
}

// BuildReport is deterministic: id and generated_at derive from the
// result's completion time.
func BuildReport(doc *domain.Document, result *domain.AnalysisResult) *domain.Report {
	category := reportCategory(result)
	return &domain.Report{
		ReportID:      reportID(doc.ID, result.CompletedAt),
		ReportVersion: domain.ReportVersion,
		Document: domain.DocumentDescriptor{
			ID:        doc.ID,
			Filename:  doc.Filename,
			MimeType:  doc.MimeType,
			Size:      doc.Size,
			CreatedAt: doc.CreatedAt,
		},
		Analysis:         *result,
		ExecutiveSummary: result.ExecutiveSummary,
		Category:         category,
		Recommendations:  recommendationsFor(category, result.Risk),
		RiskAssessment:   result.Risk,
		GeneratedAt:      result.CompletedAt,
	}
}

func reportID(documentID string, completedAt time.Time) string {
	return uuid.NewSHA1(reportNamespace, []byte(documentID+"|"+completedAt.UTC().Format(time.RFC3339Nano))).String()
}

func reportCategory(result *domain.AnalysisResult) string {
	sr, ok := result.Stage(domain.StageCategorization)
	if !ok {
		return defaultCategory
	}
	var payload struct {
		PrimaryCategory string `json:"primary_category"`
	}
	if err := json.Unmarshal(sr.Payload, &payload); err != nil || payload.PrimaryCategory == "" {
		return defaultCategory
	}
	return payload.PrimaryCategory
}

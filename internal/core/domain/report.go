package domain

import "time"

const ReportVersion = "1.0"

type DocumentDescriptor struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type Report struct {
	ReportID         string             `json:"report_id"`
	ReportVersion    string             `json:"report_version"`
	Document         DocumentDescriptor `json:"document_info"`
	Analysis         AnalysisResult     `json:"analysis_results"`
	ExecutiveSummary string             `json:"executive_summary"`
	Category         string             `json:"category"`
	Recommendations  []string           `json:"recommendations"`
	RiskAssessment   RiskAssessment     `json:"risk_assessment"`
	GeneratedAt      time.Time          `json:"generated_at"`
}

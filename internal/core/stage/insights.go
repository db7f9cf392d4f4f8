package stage

import (
	"context"
	"regexp"
	"strings"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

var (
	datePattern    = regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b|\b\d{4}-\d{2}-\d{2}\b|\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},\s+\d{4}\b`)
	amountPattern  = regexp.MustCompile(`(?i)\$[\d,]+(?:\.\d+)?|\b\d+(?:\.\d+)?\s*(?:dollars?|usd|eur|cents?)\b`)
	titledPerson   = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`)
	orgPattern     = regexp.MustCompile(`\b[A-Z][A-Za-z0-9&]*(?:\s+[A-Z][A-Za-z0-9&]*)*\s+(?:Inc|Corp|Corporation|LLC|Ltd|Company|Co|GmbH)\b\.?`)
	personLabels   = []string{"representative", "signature", "signed by", "patient", "attention", "contact"}
	actionPatterns = []string{"deadline", "due date", "due by", "appointment", "next steps", "no later than", "must", "shall", "required to", "follow up"}
)

type riskTerm struct {
	term   string
	weight float64
}

var riskTerms = []riskTerm{
	{"breach", 1.0},
	{"liability", 0.8},
	{"penalty", 0.8},
	{"indemnification", 0.7},
	{"termination", 0.6},
	{"default", 0.6},
	{"non-compliance", 0.7},
	{"confidential", 0.4},
}

type InsightsPayload struct {
	Dates         []string `json:"dates"`
	Amounts       []string `json:"amounts"`
	People        []string `json:"people"`
	Organizations []string `json:"organizations"`
	RiskFactors   []string `json:"risk_factors"`
	ActionItems   []string `json:"action_items"`
	EntityCount   int      `json:"entity_count"`
}

// Insights extracts entities, risk factors and action items by pattern.
type Insights struct{}

func NewInsights() *Insights { return &Insights{} }

func (s *Insights) Name() string { return domain.StageInsights }

func (s *Insights) Analyze(_ context.Context, in Input) (domain.StageResult, error) {
	limit := configInt(in.Config, "max_entities", 20)
	maxActions := configInt(in.Config, "max_action_items", 10)
	lower := strings.ToLower(in.Text)

	payload := InsightsPayload{
		Dates:         dedupe(datePattern.FindAllString(in.Text, -1), limit),
		Amounts:       dedupe(amountPattern.FindAllString(in.Text, -1), limit),
		People:        dedupe(extractPeople(in.Text), limit),
		Organizations: dedupe(orgPattern.FindAllString(in.Text, -1), limit),
		RiskFactors:   []string{},
		ActionItems:   dedupe(extractActionItems(in.Text), maxActions),
	}

	var indicators []domain.RiskIndicator
	var keyPoints []domain.KeyPoint
	for _, rt := range riskTerms {
		if !containsTerm(lower, rt.term) {
			continue
		}
		factor := "Contains " + rt.term + " clause"
		payload.RiskFactors = append(payload.RiskFactors, factor)
		indicators = append(indicators, domain.RiskIndicator{Name: rt.term, Weight: rt.weight})
		keyPoints = append(keyPoints, domain.KeyPoint{Text: factor + ".", Score: round4(0.6 + 0.3*rt.weight)})
	}
	if len(payload.ActionItems) > 3 {
		indicators = append(indicators, domain.RiskIndicator{Name: "deadline_pressure", Weight: 0.2})
	}
	for i, item := range payload.ActionItems {
		keyPoints = append(keyPoints, domain.KeyPoint{Text: item, Score: round4(0.6 - 0.02*float64(i))})
	}

	payload.EntityCount = len(payload.Dates) + len(payload.Amounts) + len(payload.People) + len(payload.Organizations)
	raw, err := marshalPayload(s.Name(), payload)
	if err != nil {
		return domain.StageResult{}, err
	}

	return domain.StageResult{
		Stage:          s.Name(),
		Payload:        raw,
		Confidence:     round4(clamp01(0.5 + 0.05*float64(payload.EntityCount))),
		RiskIndicators: indicators,
		KeyPoints:      keyPoints,
	}, nil
}

func extractPeople(text string) []string {
	out := titledPerson.FindAllString(text, -1)
	for _, line := range strings.Split(text, "\n") {
		lowerLine := strings.ToLower(line)
		for _, label := range personLabels {
			if !strings.Contains(lowerLine, label) {
				continue
			}
			_, name, ok := strings.Cut(line, ":")
			if !ok {
				break
			}
			name = strings.TrimSpace(name)
			if name != "" && len(strings.Fields(name)) <= 5 {
				out = append(out, truncateRunes(name, 60))
			}
			break
		}
	}
	return out
}

func extractActionItems(text string) []string {
	var out []string
	for _, sent := range sentences(text) {
		lowerSent := strings.ToLower(sent)
		for _, p := range actionPatterns {
			if containsTerm(lowerSent, p) {
				out = append(out, truncateRunes(sent, 200))
				break
			}
		}
	}
	return out
}

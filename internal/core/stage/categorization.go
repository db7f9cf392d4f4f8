package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

const (
	CategoryLegal     = "legal"
	CategoryFinancial = "financial"
	CategoryMedical   = "medical"
	CategoryTechnical = "technical"
	CategoryGeneral   = "general"
)

type subcategory struct {
	name     string
	triggers []string
}

type category struct {
	name          string
	keywords      []string
	subcategories []subcategory
}

var taxonomy = []category{
	{
		name:     CategoryLegal,
		keywords: []string{"contract", "agreement", "terms", "conditions", "signature", "party", "liability", "clause"},
		subcategories: []subcategory{
			{"Contract", []string{"contract", "contractor"}},
			{"Agreement", []string{"agreement", "agreed"}},
			{"Terms of Service", []string{"terms of service", "terms and conditions"}},
			{"Privacy Policy", []string{"privacy", "personal data"}},
		},
	},
	{
		name:     CategoryFinancial,
		keywords: []string{"revenue", "profit", "expenses", "budget", "financial", "invoice", "payment", "tax"},
		subcategories: []subcategory{
			{"Income Statement", []string{"income statement", "revenue", "net income"}},
			{"Balance Sheet", []string{"balance sheet", "assets", "liabilities"}},
			{"Cash Flow", []string{"cash flow", "operating cash"}},
			{"Budget", []string{"budget", "forecast"}},
		},
	},
	{
		name:     CategoryMedical,
		keywords: []string{"patient", "diagnosis", "medication", "vital", "medical", "treatment", "clinical", "dosage"},
		subcategories: []subcategory{
			{"Patient Record", []string{"patient", "medical history"}},
			{"Prescription", []string{"prescription", "medication", "dosage"}},
			{"Lab Results", []string{"lab", "test results", "blood"}},
			{"Diagnosis", []string{"diagnosis", "diagnosed"}},
		},
	},
	{
		name:     CategoryTechnical,
		keywords: []string{"software", "development", "code", "system", "technical", "api", "server", "database"},
		subcategories: []subcategory{
			{"API Documentation", []string{"api", "endpoint"}},
			{"User Manual", []string{"manual", "user guide"}},
			{"Technical Spec", []string{"specification", "requirements"}},
			{"Code Review", []string{"code review", "pull request"}},
		},
	},
	{
		name:     CategoryGeneral,
		keywords: []string{"report", "document", "information", "data", "summary", "overview"},
	},
}

var docTypeCategory = map[string]string{
	DocTypeContract:  CategoryLegal,
	DocTypeFinancial: CategoryFinancial,
	DocTypeMedical:   CategoryMedical,
	DocTypeTechnical: CategoryTechnical,
}

var sensitiveCategories = map[string]float64{
	CategoryLegal:     0.3,
	CategoryMedical:   0.3,
	CategoryFinancial: 0.2,
}

type CategorizationPayload struct {
	PrimaryCategory     string             `json:"primary_category"`
	Scores              map[string]float64 `json:"scores"`
	Subcategories       []string           `json:"subcategories"`
	MatchedKeywords     []string           `json:"matched_keywords"`
	SummaryDocumentType string             `json:"summary_document_type,omitempty"`
	Source              string             `json:"source"`
}

// Categorization scores text against a fixed taxonomy, optionally asking an
// external classifier to pick the primary category.
type Categorization struct {
	provider Completer
}

func NewCategorization(provider Completer) *Categorization {
	return &Categorization{provider: provider}
}

func (c *Categorization) Name() string { return domain.StageCategorization }

func (c *Categorization) Analyze(ctx context.Context, in Input) (domain.StageResult, error) {
	threshold := configFloat(in.Config, "subcategory_threshold", 0.25)
	summaryBoost := configFloat(in.Config, "summary_boost", 0.2)
	lower := strings.ToLower(in.Text)

	scores := make(map[string]float64, len(taxonomy))
	var matched []string
	for _, cat := range taxonomy {
		hits := 0
		for _, kw := range cat.keywords {
			if containsTerm(lower, kw) {
				hits++
				matched = append(matched, kw)
			}
		}
		scores[cat.name] = float64(hits) / float64(len(cat.keywords))
	}

	var summary SummaryPayload
	summaryType := ""
	if in.PriorPayload(domain.StageSummary, &summary) {
		summaryType = summary.DocumentType
		if boosted, ok := docTypeCategory[summaryType]; ok {
			scores[boosted] = clamp01(scores[boosted] + summaryBoost)
		}
	}
	for k, v := range scores {
		scores[k] = round4(v)
	}

	primary := CategoryGeneral
	best := 0.0
	for _, cat := range taxonomy {
		if scores[cat.name] > best {
			best = scores[cat.name]
			primary = cat.name
		}
	}

	source := "keywords"
	if configString(in.Config, "classifier", "keywords") == "external" && c.provider != nil {
		external, err := c.classifyExternal(ctx, in)
		switch {
		case err == nil && external != "":
			primary = external
			source = "provider"
		case err != nil && !configBool(in.Config, "provider_fallback", true):
			return domain.StageResult{}, fmt.Errorf("classify with provider: %w", err)
		case err != nil:
			source = "keywords_fallback"
		}
	}

	subcats := subcategoriesFor(primary, lower, threshold)
	sort.Strings(matched)
	payload := CategorizationPayload{
		PrimaryCategory:     primary,
		Scores:              scores,
		Subcategories:       subcats,
		MatchedKeywords:     dedupe(matched, 0),
		SummaryDocumentType: summaryType,
		Source:              source,
	}
	raw, err := marshalPayload(c.Name(), payload)
	if err != nil {
		return domain.StageResult{}, err
	}

	confidence := scores[primary]
	if confidence == 0 {
		confidence = 0.2
	}
	label := primary
	if len(subcats) > 0 {
		label = fmt.Sprintf("%s (%s)", primary, strings.Join(subcats, ", "))
	}

	result := domain.StageResult{
		Stage:      c.Name(),
		Payload:    raw,
		Confidence: round4(confidence),
		KeyPoints: []domain.KeyPoint{{
			Text:  "Classified as " + label + ".",
			Score: round4(0.5 * confidence),
		}},
	}
	if w, ok := sensitiveCategories[primary]; ok {
		result.RiskIndicators = []domain.RiskIndicator{{Name: "sensitive_category:" + primary, Weight: w}}
	}
	return result, nil
}

func (c *Categorization) classifyExternal(ctx context.Context, in Input) (string, error) {
	names := make([]string, 0, len(taxonomy))
	for _, cat := range taxonomy {
		names = append(names, cat.name)
	}
	raw, err := c.provider.Complete(ctx, in.CacheKey(c.Name()), buildClassificationPrompt(in.Text, names), domain.CompletionConfig{
		Model: configString(in.Config, "model", ""),
		JSON:  true,
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		return "", fmt.Errorf("parse classification json: %w", err)
	}
	cat := strings.ToLower(strings.TrimSpace(parsed.Category))
	for _, name := range names {
		if name == cat {
			return cat, nil
		}
	}
	return "", nil
}

func subcategoriesFor(primary, lower string, threshold float64) []string {
	out := []string{}
	for _, cat := range taxonomy {
		if cat.name != primary {
			continue
		}
		for _, sub := range cat.subcategories {
			hits := 0
			for _, trigger := range sub.triggers {
				if containsTerm(lower, trigger) {
					hits++
				}
			}
			if float64(hits)/float64(len(sub.triggers)) >= threshold && hits > 0 {
				out = append(out, sub.name)
			}
		}
	}
	return out
}

package usecase

import "github.com/kirillkom/document-analysis-engine/internal/core/domain"

var baseRecommendations = []string{
	"Review all terms and conditions carefully",
	"Verify all dates and deadlines",
	"Check for any missing signatures or approvals",
	"Ensure compliance with relevant regulations",
}

const riskFactorRecommendation = "Pay special attention to identified risk factors"

var categoryRecommendations = map[string][]string{
	"legal": {
		"Have legal counsel review liability and termination clauses",
	},
	"financial": {
		"Reconcile reported amounts against source ledgers",
	},
	"medical": {
		"Confirm handling complies with patient privacy requirements",
	},
	"technical": {
		"Validate documented interfaces against the current implementation",
	},
}

var riskRecommendations = map[domain.RiskLabel][]string{
	domain.RiskMedium: {
		"Schedule a secondary review before sign-off",
	},
	domain.RiskHigh: {
		"Escalate to a senior reviewer before any commitment",
		"Document mitigation for each identified risk factor",
	},
}

// recommendationsFor is a fixed lookup: base list, then category, then risk
// label advice. The result depends only on its inputs.
func recommendationsFor(category string, risk domain.RiskAssessment) []string {
	out := append([]string(nil), baseRecommendations...)
	if len(risk.Factors) > 0 {
		out = append(out, riskFactorRecommendation)
	}
	out = append(out, categoryRecommendations[category]...)
	out = append(out, riskRecommendations[risk.Label]...)
	return out
}

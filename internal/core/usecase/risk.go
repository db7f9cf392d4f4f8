package usecase

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// RiskPolicy scores a set of stage results.
type RiskPolicy interface {
	Name() string
	Assess(stages []domain.StageResult, requested, failed int) domain.RiskAssessment
}

// WeightedRiskPolicy blends indicator weight, confidence shortfall and the
// share of failed stages.
type WeightedRiskPolicy struct {
	IndicatorWeight  float64
	ConfidenceWeight float64
	FailureWeight    float64
	// Saturation is the indicator weight sum treated as maximal risk.
	Saturation float64
	MediumAt   float64
	HighAt     float64
}

func DefaultWeightedRiskPolicy() WeightedRiskPolicy {
	return WeightedRiskPolicy{
		IndicatorWeight:  0.7,
		ConfidenceWeight: 0.2,
		FailureWeight:    0.1,
		Saturation:       4,
		MediumAt:         0.3,
		HighAt:           0.6,
	}
}

func (WeightedRiskPolicy) Name() string { return "weighted" }

func (p WeightedRiskPolicy) Assess(stages []domain.StageResult, requested, failed int) domain.RiskAssessment {
	factors := riskFactors(stages)

	var weightSum float64
	for _, s := range stages {
		for _, ind := range s.RiskIndicators {
			weightSum += ind.Weight
		}
	}
	indicator := 0.0
	if p.Saturation > 0 {
		indicator = math.Min(1, weightSum/p.Saturation)
	}

	shortfall := 0.0
	if len(stages) > 0 {
		var conf float64
		for _, s := range stages {
			conf += s.Confidence
		}
		shortfall = 1 - conf/float64(len(stages))
	}

	failedRatio := 0.0
	if requested > 0 {
		failedRatio = float64(failed) / float64(requested)
	}

	score := p.IndicatorWeight*indicator + p.ConfidenceWeight*shortfall + p.FailureWeight*failedRatio
	score = math.Round(math.Max(0, math.Min(1, score))*10000) / 10000

	label := domain.RiskLow
	switch {
	case score >= p.HighAt:
		label = domain.RiskHigh
	case score >= p.MediumAt:
		label = domain.RiskMedium
	}
	return domain.RiskAssessment{Score: score, Label: label, Factors: factors, Policy: p.Name()}
}

// CountRiskPolicy labels risk by the number of distinct factors.
type CountRiskPolicy struct{}

func (CountRiskPolicy) Name() string { return "count" }

func (CountRiskPolicy) Assess(stages []domain.StageResult, _, _ int) domain.RiskAssessment {
	factors := riskFactors(stages)
	n := len(factors)
	label := domain.RiskLow
	switch {
	case n > 3:
		label = domain.RiskHigh
	case n > 1:
		label = domain.RiskMedium
	}
	return domain.RiskAssessment{
		Score:   math.Min(1, float64(n)/10),
		Label:   label,
		Factors: factors,
		Policy:  "count",
	}
}

// RiskPolicyByName resolves a configured policy name.
func RiskPolicyByName(name string) (RiskPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "weighted":
		return DefaultWeightedRiskPolicy(), nil
	case "count":
		return CountRiskPolicy{}, nil
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "risk policy", fmt.Errorf("unknown policy %q", name))
	}
}

// riskFactors lists distinct indicator names in stage order.
func riskFactors(stages []domain.StageResult) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, s := range stages {
		for _, ind := range s.RiskIndicators {
			if _, ok := seen[ind.Name]; ok {
				continue
			}
			seen[ind.Name] = struct{}{}
			out = append(out, ind.Name)
		}
	}
	return out
}

const executiveSummaryPoints = 5

// executiveSummary joins the highest ranked key points across stages,
// bounded to maxRunes.
func executiveSummary(stages []domain.StageResult, maxRunes int) string {
	var points []domain.KeyPoint
	for _, s := range stages {
		points = append(points, s.KeyPoints...)
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Score > points[j].Score
	})

	seen := make(map[string]struct{})
	parts := make([]string, 0, executiveSummaryPoints)
	for _, kp := range points {
		text := strings.TrimSpace(kp.Text)
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		if !strings.HasSuffix(text, ".") && !strings.HasSuffix(text, "!") && !strings.HasSuffix(text, "?") {
			text += "."
		}
		parts = append(parts, text)
		if len(parts) == executiveSummaryPoints {
			break
		}
	}
	return boundRunes(strings.Join(parts, " "), maxRunes)
}

func boundRunes(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	const ellipsis = "..."
	runes := []rune(s)
	cut := maxRunes - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	return strings.TrimSpace(string(runes[:cut])) + ellipsis
}

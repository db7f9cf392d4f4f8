package stage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
)

const (
	DocTypeContract  = "Contract"
	DocTypeFinancial = "Financial Report"
	DocTypeMedical   = "Medical Record"
	DocTypeTechnical = "Technical Document"
	DocTypeGeneral   = "General Document"
)

type docTypeSignal struct {
	docType string
	terms   []string
}

var docTypeSignals = []docTypeSignal{
	{DocTypeContract, []string{"contract", "agreement", "party", "parties", "hereby", "clause", "signature"}},
	{DocTypeFinancial, []string{"revenue", "profit", "expenses", "budget", "financial", "quarter", "fiscal"}},
	{DocTypeMedical, []string{"patient", "diagnosis", "medication", "treatment", "clinical", "dosage"}},
	{DocTypeTechnical, []string{"software", "api", "system", "deployment", "architecture", "code"}},
}

type SummaryPayload struct {
	WordCount      int      `json:"word_count"`
	SentenceCount  int      `json:"sentence_count"`
	CharacterCount int      `json:"character_count"`
	DocumentType   string   `json:"document_type"`
	TypeSignals    []string `json:"type_signals"`
	KeySentences   []string `json:"key_sentences"`
	SummaryText    string   `json:"summary_text"`
	Source         string   `json:"source"`
}

// Summary counts words, guesses a document type and picks salient sentences.
type Summary struct {
	provider Completer
	chunker  ports.Chunker
}

func NewSummary(provider Completer, chunker ports.Chunker) *Summary {
	return &Summary{provider: provider, chunker: chunker}
}

func (s *Summary) Name() string { return domain.StageSummary }

func (s *Summary) Analyze(ctx context.Context, in Input) (domain.StageResult, error) {
	topN := configInt(in.Config, "key_points", 3)
	maxRunes := configInt(in.Config, "max_sentence_runes", 300)

	all := sentences(in.Text)
	docType, signals := detectDocumentType(strings.ToLower(in.Text))
	ranked := rankSentences(all)
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}

	keyPoints := make([]domain.KeyPoint, 0, len(ranked))
	ordered := append([]scoredSentence(nil), ranked...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })
	keySentences := make([]string, 0, len(ordered))
	for _, sc := range ordered {
		keySentences = append(keySentences, truncateRunes(sc.text, maxRunes))
	}
	for _, sc := range ranked {
		keyPoints = append(keyPoints, domain.KeyPoint{Text: truncateRunes(sc.text, maxRunes), Score: round4(sc.score)})
	}

	wordCount := len(words(in.Text))
	payload := SummaryPayload{
		WordCount:      wordCount,
		SentenceCount:  len(all),
		CharacterCount: utf8.RuneCountInString(in.Text),
		DocumentType:   docType,
		TypeSignals:    signals,
		KeySentences:   keySentences,
		SummaryText:    strings.Join(keySentences, " "),
		Source:         "heuristic",
	}

	if configBool(in.Config, "use_provider", false) && s.provider != nil {
		text, err := s.provider.Complete(ctx, in.CacheKey(s.Name()), buildSummaryPrompt(s.promptSnippet(in.Text)), domain.CompletionConfig{
			Model:       configString(in.Config, "model", ""),
			Temperature: configFloat(in.Config, "temperature", 0),
		})
		switch {
		case err == nil && strings.TrimSpace(text) != "":
			payload.SummaryText = strings.TrimSpace(text)
			payload.Source = "provider"
		case err != nil && !configBool(in.Config, "provider_fallback", true):
			return domain.StageResult{}, fmt.Errorf("summarize with provider: %w", err)
		case err != nil:
			payload.Source = "heuristic_fallback"
		}
	}

	raw, err := marshalPayload(s.Name(), payload)
	if err != nil {
		return domain.StageResult{}, err
	}

	lengthSignal := clamp01(float64(wordCount) / 150)
	typeSignal := clamp01(float64(len(signals)) / 5)
	return domain.StageResult{
		Stage:      s.Name(),
		Payload:    raw,
		Confidence: round4(0.3 + 0.35*lengthSignal + 0.35*typeSignal),
		KeyPoints:  keyPoints,
	}, nil
}

func (s *Summary) promptSnippet(text string) string {
	if s.chunker == nil {
		return text
	}
	chunks := s.chunker.Split(text)
	if len(chunks) == 0 {
		return text
	}
	return chunks[0]
}

func detectDocumentType(lower string) (string, []string) {
	best := DocTypeGeneral
	var bestSignals []string
	for _, sig := range docTypeSignals {
		var hits []string
		for _, term := range sig.terms {
			if containsTerm(lower, term) {
				hits = append(hits, term)
			}
		}
		if len(hits) > len(bestSignals) {
			best = sig.docType
			bestSignals = hits
		}
	}
	if bestSignals == nil {
		bestSignals = []string{}
	}
	return best, bestSignals
}

type scoredSentence struct {
	text  string
	index int
	score float64
}

// rankSentences scores sentences by average term frequency, normalized to
// the best sentence, highest first.
func rankSentences(all []string) []scoredSentence {
	freq := make(map[string]int)
	for _, sent := range all {
		for _, w := range contentWords(sent) {
			freq[w]++
		}
	}

	out := make([]scoredSentence, 0, len(all))
	best := 0.0
	for i, sent := range all {
		terms := contentWords(sent)
		if len(terms) == 0 {
			continue
		}
		total := 0
		for _, w := range terms {
			total += freq[w]
		}
		score := float64(total) / float64(len(terms))
		if i == 0 {
			score *= 1.1
		}
		if score > best {
			best = score
		}
		out = append(out, scoredSentence{text: sent, index: i, score: score})
	}
	if best > 0 {
		for i := range out {
			out[i].score /= best
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].index < out[j].index
		}
		return out[i].score > out[j].score
	})
	return out
}

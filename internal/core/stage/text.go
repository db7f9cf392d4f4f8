package stage

import (
	"regexp"
	"strings"
	"unicode"
)

var sentenceBoundary = regexp.MustCompile(`[.!?]+\s+|\n{2,}`)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "for": {},
	"from": {}, "has": {}, "have": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {}, "will": {}, "with": {},
	"which": {}, "all": {}, "any": {}, "not": {}, "no": {}, "we": {}, "you": {}, "our": {}, "their": {},
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func contentWords(text string) []string {
	all := words(text)
	out := all[:0]
	for _, w := range all {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

// sentences splits text into trimmed sentences of at least three words.
func sentences(text string) []string {
	parts := sentenceBoundary.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Join(strings.Fields(p), " ")
		if len(strings.Fields(p)) < 3 {
			continue
		}
		out = append(out, p)
	}
	return out
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit])) + "..."
}

func containsTerm(lowerText, term string) bool {
	idx := 0
	for {
		pos := strings.Index(lowerText[idx:], term)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(term)
		if isBoundary(lowerText, start-1) && isBoundary(lowerText, end) {
			return true
		}
		idx = start + 1
	}
}

func isBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := rune(s[i])
	return !unicode.IsLetter(c) && !unicode.IsDigit(c)
}

func dedupe(values []string, limit int) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

package stage

import (
	"strings"
)

const maxPromptSnippet = 4000

func promptSnippet(text string) string {
	runes := []rune(text)
	if len(runes) > maxPromptSnippet {
		return string(runes[:maxPromptSnippet])
	}
	return text
}

func buildSummaryPrompt(text string) string {
	return `You are a document analyst.
Write a neutral summary of the document below in at most five sentences.
No markdown, no preamble.

Document:
` + promptSnippet(text)
}

func buildClassificationPrompt(text string, categories []string) string {
	return `You are a document classifier.
Return strict JSON object with keys:
category (one of: ` + strings.Join(categories, ", ") + `), confidence (number from 0 to 1).
No markdown, no extra keys.

Document:
` + promptSnippet(text)
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

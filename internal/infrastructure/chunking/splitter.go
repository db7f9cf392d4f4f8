package chunking

import (
	"strings"
	"unicode"
)

// Splitter cuts text into rune-bounded windows for provider prompts. A
// window ends at the last sentence or word boundary it contains when one
// exists in its back half.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 2000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

func (s *Splitter) Split(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= s.ChunkSize {
		return []string{string(runes)}
	}

	out := make([]string, 0, len(runes)/s.ChunkSize+1)
	for start := 0; start < len(runes); {
		end := start + s.ChunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = boundary(runes, start, end)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
		next := end - s.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

func boundary(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	for i := end - 1; i > floor; i-- {
		if isSentenceEnd(runes[i]) && unicode.IsSpace(runes[i+1]) {
			return i + 1
		}
	}
	for i := end - 1; i > floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}

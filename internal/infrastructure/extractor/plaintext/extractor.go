package plaintext

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// Extractor accepts UTF-8 text payloads.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(ctx context.Context, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", domain.WrapError(domain.ErrUnsupportedFormat, "extract plain text", errors.New("payload is not valid UTF-8"))
	}
	text := strings.TrimPrefix(string(data), "\ufeff")
	return strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n")), nil
}

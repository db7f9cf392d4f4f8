package pdf

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(ctx context.Context, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.WrapError(domain.ErrExtractionFailed, "open pdf", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", domain.WrapError(domain.ErrExtractionFailed, "read pdf text", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", domain.WrapError(domain.ErrExtractionFailed, "read pdf text", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

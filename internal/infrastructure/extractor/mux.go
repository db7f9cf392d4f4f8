package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
)

const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Mux dispatches extraction by mime type. Types without a registered
// extractor fail with domain.ErrUnsupportedFormat.
type Mux struct {
	exact    map[string]ports.TextExtractor
	prefixes map[string]ports.TextExtractor
}

func NewMux() *Mux {
	return &Mux{
		exact:    make(map[string]ports.TextExtractor),
		prefixes: make(map[string]ports.TextExtractor),
	}
}

// Handle registers e for mimeType. A trailing "/*" matches a whole family.
func (m *Mux) Handle(mimeType string, e ports.TextExtractor) *Mux {
	mt := strings.ToLower(mimeType)
	if strings.HasSuffix(mt, "/*") {
		m.prefixes[strings.TrimSuffix(mt, "*")] = e
		return m
	}
	m.exact[mt] = e
	return m
}

func (m *Mux) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if e, ok := m.exact[mt]; ok {
		return e.Extract(ctx, data, mt)
	}
	for prefix, e := range m.prefixes {
		if strings.HasPrefix(mt, prefix) {
			return e.Extract(ctx, data, mt)
		}
	}
	return "", domain.WrapError(domain.ErrUnsupportedFormat, "extract text", fmt.Errorf("no extractor for %q", mimeType))
}

package docx

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

const documentPart = "word/document.xml"

// Extractor reads the main document part of an Office Open XML file.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(ctx context.Context, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.WrapError(domain.ErrExtractionFailed, "open docx", err)
	}

	var part *zip.File
	for _, f := range zr.File {
		if strings.ReplaceAll(f.Name, "\\", "/") == documentPart {
			part = f
			break
		}
	}
	if part == nil {
		return "", domain.WrapError(domain.ErrExtractionFailed, "open docx", errors.New("document.xml not found"))
	}

	rc, err := part.Open()
	if err != nil {
		return "", domain.WrapError(domain.ErrExtractionFailed, "open docx part", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", domain.WrapError(domain.ErrExtractionFailed, "read docx part", err)
	}
	text, err := paragraphs(raw)
	if err != nil {
		return "", domain.WrapError(domain.ErrExtractionFailed, "parse docx xml", err)
	}
	return text, nil
}

// paragraphs keeps w:t text and turns paragraph ends into newlines.
func paragraphs(raw []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	var (
		buf    strings.Builder
		inText bool
	)
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				buf.WriteByte('\t')
			case "br":
				buf.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				buf.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				buf.Write(t)
			}
		}
	}
	return strings.TrimSpace(buf.String()), nil
}

package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
)

// Storage keeps source documents as flat files under basePath. It serves
// both as upload sink and as the analysis content store.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

func (s *Storage) Save(ctx context.Context, key string, data io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, data)
	if err != nil {
		return 0, fmt.Errorf("write file: %w", err)
	}
	return n, nil
}

func (s *Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrNotFound, "open file", err)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Content opens the raw bytes of doc.
func (s *Storage) Content(ctx context.Context, doc *domain.Document) (io.ReadCloser, error) {
	return s.Open(ctx, doc.StoragePath)
}

// Metadata reports the stored size and the recorded mime type of doc.
func (s *Storage) Metadata(ctx context.Context, doc *domain.Document) (ports.ContentMetadata, error) {
	if err := ctx.Err(); err != nil {
		return ports.ContentMetadata{}, err
	}
	path, err := s.resolve(doc.StoragePath)
	if err != nil {
		return ports.ContentMetadata{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ports.ContentMetadata{}, domain.WrapError(domain.ErrNotFound, "stat file", err)
		}
		return ports.ContentMetadata{}, fmt.Errorf("stat file: %w", err)
	}
	mimeType := doc.MimeType
	if mimeType == "" {
		mimeType = mimeFromExt(doc.StoragePath)
	}
	return ports.ContentMetadata{MimeType: mimeType, Size: info.Size()}, nil
}

func (s *Storage) resolve(key string) (string, error) {
	clean := filepath.Clean(key)
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve storage key", fmt.Errorf("invalid key %q", key))
	}
	return filepath.Join(s.basePath, clean), nil
}

func mimeFromExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt", ".md", ".csv", ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

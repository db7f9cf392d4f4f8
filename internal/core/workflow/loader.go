package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

type fileFormat struct {
	Workflows []domain.WorkflowDefinition `yaml:"workflows"`
}

// LoadFile reads user workflow definitions from a YAML file. An empty path
// yields no definitions.
func LoadFile(path string) ([]domain.WorkflowDefinition, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflows file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML workflow definitions. Unknown keys are rejected.
func Parse(raw []byte) ([]domain.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var file fileFormat
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse workflows", err)
	}
	return file.Workflows, nil
}

package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/stage"
)

func newRegistry(t *testing.T) *stage.Registry {
	t.Helper()
	reg, err := stage.NewRegistry(stage.NewSummary(nil, nil), stage.NewCategorization(nil), stage.NewInsights())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg
}

func TestBuiltInAllRunsEveryStage(t *testing.T) {
	c, err := New(newRegistry(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	def, err := c.Get("")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if def.Name != domain.DefaultWorkflow {
		t.Fatalf("expected default workflow, got %s", def.Name)
	}
	if got := strings.Join(def.StageNames(), ","); got != "summary,categorization,insights" {
		t.Fatalf("unexpected stages %s", got)
	}
	if len(c.List()) != 4 {
		t.Fatalf("expected all + 3 single-stage workflows, got %d", len(c.List()))
	}
}

func TestUnknownStageRejectedAtValidation(t *testing.T) {
	_, err := New(newRegistry(t), domain.WorkflowDefinition{
		Name:   "sentiment-only",
		Stages: []domain.StageSpec{{Name: "summary"}, {Name: "sentiment"}},
	})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if !strings.Contains(err.Error(), `unknown stage "sentiment"`) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDependencyMustBeDeclaredEarlier(t *testing.T) {
	err := Validate(newRegistry(t), domain.WorkflowDefinition{
		Name: "bad-order",
		Stages: []domain.StageSpec{
			{Name: "categorization", DependsOn: []string{"summary"}},
			{Name: "summary"},
		},
	})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUnknownWorkflowName(t *testing.T) {
	c, _ := New(newRegistry(t))
	if _, err := c.Get("nope"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLoadFileParsesDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	content := `workflows:
  - name: contract-review
    description: Summary then categorization, insights required
    parallel: true
    stages:
      - name: summary
        config:
          key_points: 5
      - name: categorization
        depends_on: [summary]
        config:
          subcategory_threshold: 0.5
      - name: insights
        required: true
        timeout_seconds: 30
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	defs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	def := defs[0]
	if !def.Parallel || !def.Stages[2].Required || def.Stages[2].TimeoutSeconds != 30 {
		t.Fatalf("unexpected definition %+v", def)
	}
	if def.Stages[0].Config["key_points"] != 5 {
		t.Fatalf("expected key_points 5, got %v", def.Stages[0].Config["key_points"])
	}

	c, err := New(newRegistry(t), defs...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := c.Get("contract-review"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("workflows:\n  - name: x\n    stagez: []\n"))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

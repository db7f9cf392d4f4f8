package domain

// DefaultWorkflow runs every registered stage.
const DefaultWorkflow = "all"

// StageSpec configures one stage inside a workflow.
type StageSpec struct {
	Name           string         `json:"name" yaml:"name"`
	Required       bool           `json:"required,omitempty" yaml:"required"`
	DependsOn      []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	Config         map[string]any `json:"config,omitempty" yaml:"config"`
}

type WorkflowDefinition struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description"`
	Parallel    bool        `json:"parallel,omitempty" yaml:"parallel"`
	Stages      []StageSpec `json:"stages" yaml:"stages"`
	BuiltIn     bool        `json:"built_in" yaml:"-"`
}

// StageNames returns the declared stage order.
func (w WorkflowDefinition) StageNames() []string {
	out := make([]string, 0, len(w.Stages))
	for _, s := range w.Stages {
		out = append(out, s.Name)
	}
	return out
}

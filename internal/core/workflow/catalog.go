package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/stage"
)

// Catalog holds validated workflow definitions. It is read-only after New.
type Catalog struct {
	byName map[string]domain.WorkflowDefinition
	names  []string
}

// New builds the built-in workflows for registry and validates extra
// definitions against it. Any invalid definition rejects the whole set.
func New(registry *stage.Registry, extra ...domain.WorkflowDefinition) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]domain.WorkflowDefinition)}
	for _, def := range builtIns(registry) {
		c.add(def)
	}
	for _, def := range extra {
		if _, exists := c.byName[def.Name]; exists {
			return nil, domain.WrapError(domain.ErrInvalidInput, "register workflow", fmt.Errorf("workflow %q already defined", def.Name))
		}
		if err := Validate(registry, def); err != nil {
			return nil, err
		}
		c.add(def)
	}
	return c, nil
}

func builtIns(registry *stage.Registry) []domain.WorkflowDefinition {
	names := registry.Names()
	all := domain.WorkflowDefinition{
		Name:        domain.DefaultWorkflow,
		Description: "Runs every registered stage in registration order.",
		BuiltIn:     true,
	}
	out := make([]domain.WorkflowDefinition, 0, len(names)+1)
	for _, name := range names {
		all.Stages = append(all.Stages, domain.StageSpec{Name: name})
		out = append(out, domain.WorkflowDefinition{
			Name:        name,
			Description: "Runs only the " + name + " stage.",
			Stages:      []domain.StageSpec{{Name: name, Required: true}},
			BuiltIn:     true,
		})
	}
	return append([]domain.WorkflowDefinition{all}, out...)
}

func (c *Catalog) add(def domain.WorkflowDefinition) {
	c.byName[def.Name] = def
	c.names = append(c.names, def.Name)
}

// Get returns the named workflow. Unknown names fail with ErrInvalidInput.
func (c *Catalog) Get(name string) (domain.WorkflowDefinition, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = domain.DefaultWorkflow
	}
	def, ok := c.byName[name]
	if !ok {
		return domain.WorkflowDefinition{}, domain.WrapError(domain.ErrInvalidInput, "get workflow", fmt.Errorf("unknown workflow %q", name))
	}
	return def, nil
}

// List returns definitions in registration order.
func (c *Catalog) List() []domain.WorkflowDefinition {
	out := make([]domain.WorkflowDefinition, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.byName[name])
	}
	return out
}

// Validate checks a definition against the registry. Unknown stages,
// duplicates and dependencies on stages not declared earlier are rejected.
func Validate(registry *stage.Registry, def domain.WorkflowDefinition) error {
	const op = "validate workflow"
	if strings.TrimSpace(def.Name) == "" {
		return domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("workflow name is required"))
	}
	if len(def.Stages) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("workflow %q declares no stages", def.Name))
	}
	seen := make(map[string]struct{}, len(def.Stages))
	for _, spec := range def.Stages {
		if _, ok := registry.Get(spec.Name); !ok {
			return domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("workflow %q: unknown stage %q (registered: %s)", def.Name, spec.Name, strings.Join(sorted(registry.Names()), ", ")))
		}
		if _, dup := seen[spec.Name]; dup {
			return domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("workflow %q: stage %q declared twice", def.Name, spec.Name))
		}
		for _, dep := range spec.DependsOn {
			if _, ok := seen[dep]; !ok {
				return domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("workflow %q: stage %q depends on %q which is not declared before it", def.Name, spec.Name, dep))
			}
		}
		if spec.TimeoutSeconds < 0 {
			return domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("workflow %q: stage %q has negative timeout", def.Name, spec.Name))
		}
		seen[spec.Name] = struct{}{}
	}
	return nil
}

func sorted(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

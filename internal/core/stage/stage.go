package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// Strategy is one pluggable analysis step. Implementations must return the
// same structural output for the same text and config.
type Strategy interface {
	Name() string
	Analyze(ctx context.Context, in Input) (domain.StageResult, error)
}

// Input is what a strategy sees. Prior holds copies of earlier results.
type Input struct {
	DocumentID string
	Workflow   string
	Text       string
	Config     map[string]any
	Prior      []domain.StageResult
}

// PriorPayload decodes the payload of an earlier stage into dst.
func (in Input) PriorPayload(stage string, dst any) bool {
	for _, r := range in.Prior {
		if r.Stage != stage {
			continue
		}
		return json.Unmarshal(r.Payload, dst) == nil
	}
	return false
}

// CacheKey returns the provider cache key for stage.
func (in Input) CacheKey(stage string) CacheKey {
	sum := sha256.Sum256([]byte(in.Text))
	return CacheKey{
		DocumentID: in.DocumentID,
		Stage:      stage,
		Workflow:   in.Workflow,
		Digest:     hex.EncodeToString(sum[:8]),
	}
}

// Registry maps stage names to strategies. It is read-only once built.
type Registry struct {
	strategies map[string]Strategy
	order      []string
}

func NewRegistry(strategies ...Strategy) (*Registry, error) {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		if s == nil {
			continue
		}
		name := s.Name()
		if name == "" {
			return nil, domain.WrapError(domain.ErrInvalidInput, "register stage", fmt.Errorf("empty stage name"))
		}
		if _, exists := r.strategies[name]; exists {
			return nil, domain.WrapError(domain.ErrInvalidInput, "register stage", fmt.Errorf("duplicate stage %q", name))
		}
		r.strategies[name] = s
		r.order = append(r.order, name)
	}
	return r, nil
}

func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Names returns stage names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func marshalPayload(stage string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", stage, err)
	}
	return raw, nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func configInt(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func configFloat(cfg map[string]any, key string, fallback float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func configBool(cfg map[string]any, key string, fallback bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return fallback
}

func configString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

package ollama

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/resilience"
)

const generateOperation = "ollama.generate"

// Provider completes prompts through the Ollama generate API.
type Provider struct {
	baseURL    string
	model      string
	httpClient httpDoer
	executor   *resilience.Executor
}

func New(baseURL, model string, timeout time.Duration, executor *resilience.Executor) *Provider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: newHTTPClient(timeout),
		executor:   executor,
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (p *Provider) Complete(ctx context.Context, prompt string, cfg domain.CompletionConfig) (string, error) {
	req := generateRequest{
		Model:  p.model,
		Prompt: prompt,
		Stream: false,
	}
	if cfg.Model != "" {
		req.Model = cfg.Model
	}
	if cfg.JSON {
		req.Format = "json"
	}
	opts := map[string]any{"temperature": cfg.Temperature}
	if cfg.MaxTokens > 0 {
		opts["num_predict"] = cfg.MaxTokens
	}
	req.Options = opts

	var resp generateResponse
	err := p.executor.Execute(ctx, generateOperation, func(callCtx context.Context) error {
		return p.postJSON(callCtx, "/api/generate", req, &resp, "generate")
	}, classifyOllamaError)
	if err != nil {
		return "", providerError(ctx, err)
	}
	out := strings.TrimSpace(resp.Response)
	if cfg.JSON {
		out = extractJSONObject(out)
	}
	return out, nil
}

// providerError maps transport failures onto the domain error kinds stages
// report.
func providerError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTimeout, generateOperation, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if resilience.IsCircuitOpen(err) || classifyOllamaError(err).Retryable {
		return domain.WrapError(domain.ErrProviderUnavailable, generateOperation, err)
	}
	return domain.WrapError(domain.ErrStageFailed, generateOperation, err)
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

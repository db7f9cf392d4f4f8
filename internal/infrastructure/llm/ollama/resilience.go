package ollama

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/resilience"
)

// HTTPStatusError is returned when Ollama answers with a non-2xx status.
type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("ollama %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("ollama %s status: %s: %s", e.Operation, e.Status, body)
}

// classifyOllamaError retries overloaded or unreachable servers. Client
// errors such as an unknown model are neither retried nor held against the
// breaker.
func classifyOllamaError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if resilience.RetryableHTTPStatus(statusErr.StatusCode) {
			return resilience.Transient
		}
		return resilience.Ignored
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.Transient
	}
	return resilience.Permanent
}

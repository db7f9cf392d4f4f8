package nats

import (
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/resilience"
)

// transientNATSErrors clear up once the client reconnects.
var transientNATSErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrDisconnected,
	nats.ErrReconnectBufExceeded,
}

func classifyNATSError(err error) resilience.ErrorClassification {
	if class, ok := resilience.ClassifyCommon(err); ok {
		return class
	}
	for _, target := range transientNATSErrors {
		if errors.Is(err, target) {
			return resilience.Transient
		}
	}
	return resilience.Permanent
}

// wrapTemporaryIfNeeded marks connection trouble as domain.ErrTemporary so
// callers can answer 503 instead of 500.
func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifyNATSError(err).Retryable || resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

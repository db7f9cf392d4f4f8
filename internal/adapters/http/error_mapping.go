package httpadapter

import (
	"net/http"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case domain.IsKind(err, domain.ErrTemporary), domain.IsKind(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError maps err to a status and hides internal details.
func writeDomainError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

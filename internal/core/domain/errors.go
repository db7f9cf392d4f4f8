package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDocumentNotFound    = fmt.Errorf("document %w", ErrNotFound)
	ErrReportNotFound      = fmt.Errorf("report %w", ErrNotFound)
	ErrConflict            = errors.New("conflict")
	ErrUnsupportedFormat   = errors.New("unsupported format")
	ErrExtractionFailed    = errors.New("extraction failed")
	ErrStageFailed         = errors.New("stage failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrTimeout             = errors.New("timeout")
	ErrInternal            = errors.New("internal error")
	ErrInvalidInput        = errors.New("invalid input")
	ErrTemporary           = errors.New("temporary failure")
)

// Cause tags recorded in AnalysisError.Cause.
const (
	CauseExtraction          = "extraction_error"
	CauseProviderUnavailable = "provider_unavailable"
	CauseTimeout             = "timeout"
	CauseInternal            = "internal_error"
	CauseDependencyFailed    = "dependency_failed"

	stageCausePrefix = "stage_error:"
)

// StageCause returns the cause tag for a failed stage.
func StageCause(stage string) string {
	return stageCausePrefix + stage
}

// IsStageCause reports whether cause names a stage failure.
func IsStageCause(cause string) bool {
	return strings.HasPrefix(cause, stageCausePrefix)
}

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// StageError reports the failure of a single analysis stage.
type StageError struct {
	Stage string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() []error {
	return []error{ErrStageFailed, e.Cause}
}

// NewStageError wraps cause as a failure of stage.
func NewStageError(stage string, cause error) error {
	if cause == nil {
		return nil
	}
	return &StageError{Stage: stage, Cause: cause}
}

// CauseOf maps an error onto the cause tag stored on a failed document.
func CauseOf(err error) string {
	var stageErr *StageError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrExtractionFailed):
		return CauseExtraction
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CauseTimeout
	case errors.Is(err, ErrProviderUnavailable):
		return CauseProviderUnavailable
	case errors.As(err, &stageErr):
		return StageCause(stageErr.Stage)
	default:
		return CauseInternal
	}
}

package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCauseOfMapsErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"unsupported", WrapError(ErrUnsupportedFormat, "extract", errors.New("image/png")), CauseExtraction},
		{"empty text", WrapError(ErrExtractionFailed, "extract", errors.New("empty")), CauseExtraction},
		{"timeout", WrapError(ErrTimeout, "run job", context.DeadlineExceeded), CauseTimeout},
		{"provider", NewStageError(StageSummary, WrapError(ErrProviderUnavailable, "complete", errors.New("open"))), CauseProviderUnavailable},
		{"stage", NewStageError(StageInsights, errors.New("boom")), "stage_error:insights"},
		{"unknown", errors.New("boom"), CauseInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CauseOf(tc.err); got != tc.want {
				t.Fatalf("CauseOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStageErrorUnwrapsToKindAndCause(t *testing.T) {
	root := errors.New("root")
	err := fmt.Errorf("run: %w", NewStageError(StageSummary, root))
	if !IsKind(err, ErrStageFailed) {
		t.Fatalf("expected ErrStageFailed in chain")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected root cause in chain")
	}
	if NewStageError(StageSummary, nil) != nil {
		t.Fatalf("expected nil for nil cause")
	}
}

func TestNotFoundKindsShareBase(t *testing.T) {
	if !IsKind(WrapError(ErrDocumentNotFound, "get", errors.New("id=x")), ErrNotFound) {
		t.Fatalf("document not found must match ErrNotFound")
	}
	if !IsKind(ErrReportNotFound, ErrNotFound) {
		t.Fatalf("report not found must match ErrNotFound")
	}
}

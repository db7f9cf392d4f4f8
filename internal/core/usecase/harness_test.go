package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
	"github.com/kirillkom/document-analysis-engine/internal/core/stage"
	"github.com/kirillkom/document-analysis-engine/internal/core/workflow"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/jobqueue"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/notifier"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/repository/memory"
)

const contractText = `This Service Agreement is entered into between Acme Corp and Globex LLC on 01/15/2025.
The contractor shall deliver the software platform by the deadline of 03/01/2025 for a total fee of $120,000.

Any breach of confidential information results in a penalty of $10,000 and immediate termination.
The client accepts liability for late payments. Please review and sign the agreement before the due date.
Representative: John Smith`

type contentFake struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *contentFake) Content(_ context.Context, doc *domain.Document) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.data[doc.ID]
	if !ok {
		return nil, errors.New("missing content")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *contentFake) Metadata(_ context.Context, doc *domain.Document) (ports.ContentMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ports.ContentMetadata{MimeType: "text/plain", Size: int64(len(f.data[doc.ID]))}, nil
}

type extractorFake struct{}

func (extractorFake) Extract(_ context.Context, data []byte, mimeType string) (string, error) {
	if mimeType != "text/plain" {
		return "", domain.WrapError(domain.ErrUnsupportedFormat, "extract", errors.New(mimeType))
	}
	return string(data), nil
}

// strategyFake stands in for a registered stage name with scripted behavior.
type strategyFake struct {
	name  string
	err   error
	block bool
	calls int
	mu    sync.Mutex
}

func (s *strategyFake) Name() string { return s.name }

func (s *strategyFake) Analyze(ctx context.Context, in stage.Input) (domain.StageResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return domain.StageResult{}, ctx.Err()
	}
	if s.err != nil {
		return domain.StageResult{}, s.err
	}
	return domain.StageResult{Stage: s.name, Payload: []byte(`{}`), Confidence: 1}, nil
}

func (s *strategyFake) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	repo     *memory.DocumentRepository
	archive  *memory.JobArchive
	queue    *jobqueue.Queue
	broker   *notifier.Broker
	content  *contentFake
	catalog  *workflow.Catalog
	analyze  *AnalyzeUseCase
	orch     *Orchestrator
	reports  *ReportUseCase
	observer *stageObserverFake
}

type stageObserverFake struct {
	mu       sync.Mutex
	outcomes map[string]bool
}

func (f *stageObserverFake) ObserveStage(stage string, succeeded bool, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[stage] = succeeded
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultStrategies() []stage.Strategy {
	return []stage.Strategy{stage.NewSummary(nil, nil), stage.NewCategorization(nil), stage.NewInsights()}
}

func newHarness(t *testing.T, strategies []stage.Strategy, cfg OrchestratorConfig, workflows ...domain.WorkflowDefinition) *harness {
	t.Helper()
	registry, err := stage.NewRegistry(strategies...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	catalog, err := workflow.New(registry, workflows...)
	if err != nil {
		t.Fatalf("workflow.New() error = %v", err)
	}

	h := &harness{
		repo:     memory.NewDocumentRepository(),
		archive:  memory.NewJobArchive(),
		queue:    jobqueue.New(jobqueue.Options{LeaseTimeout: time.Minute, MaxLeaseRetries: 1, PollInterval: 5 * time.Millisecond}),
		broker:   notifier.NewBroker(64, discardLogger()),
		content:  &contentFake{data: make(map[string][]byte)},
		catalog:  catalog,
		observer: &stageObserverFake{outcomes: make(map[string]bool)},
	}
	h.analyze = NewAnalyzeUseCase(h.repo, catalog, h.queue, h.broker, h.archive, discardLogger())
	h.orch = NewOrchestrator(OrchestratorDeps{
		Repo:      h.repo,
		Content:   h.content,
		Extractor: extractorFake{},
		Registry:  registry,
		Catalog:   catalog,
		Events:    h.broker,
		Archive:   h.archive,
		Jobs:      h.queue,
		Observer:  h.observer,
		Logger:    discardLogger(),
	}, cfg)
	h.reports = NewReportUseCase(h.repo)
	return h
}

func (h *harness) addDocument(t *testing.T, id, text string) {
	t.Helper()
	h.content.mu.Lock()
	h.content.data[id] = []byte(text)
	h.content.mu.Unlock()
	now := time.Now().UTC()
	err := h.repo.Create(context.Background(), &domain.Document{
		ID:             id,
		Filename:       id + ".txt",
		MimeType:       "text/plain",
		Size:           int64(len(text)),
		StoragePath:    id,
		AnalysisStatus: domain.StatusNotAnalyzed,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

// runNext claims the next job and runs it the way a pool worker would.
func (h *harness) runNext(t *testing.T) domain.AnalysisJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := h.queue.Claim(ctx, "worker-test")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	_ = h.orch.Handle(context.Background(), job)
	if err := h.queue.Complete(job.ID, job.ClaimToken); err != nil && !errors.Is(err, jobqueue.ErrReleased) {
		t.Fatalf("Complete() error = %v", err)
	}
	return job
}

func (h *harness) analysis(t *testing.T, id string) domain.AnalysisView {
	t.Helper()
	view, err := h.analyze.GetAnalysis(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAnalysis() error = %v", err)
	}
	return view
}

func drainEvents(sub ports.Subscription) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

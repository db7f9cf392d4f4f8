package usecase

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
	"github.com/kirillkom/document-analysis-engine/internal/core/stage"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/jobqueue"
)

func eventTypes(events []domain.Event) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestAnalysisLifecycleEventsAndResult(t *testing.T) {
	h := newHarness(t, defaultStrategies(), OrchestratorConfig{})
	h.addDocument(t, "doc-1", contractText)
	sub := h.broker.SubscribeDocument("doc-1")
	defer sub.Close()
	client := h.broker.SubscribeClient("client-1")
	defer client.Close()

	if view := h.analysis(t, "doc-1"); view.Status != domain.StatusNotAnalyzed || view.AnalysisResult != nil || view.Error != nil {
		t.Fatalf("unexpected initial view %+v", view)
	}
	if _, err := h.analyze.Analyze(context.Background(), "doc-1", "", "client-1"); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	h.runNext(t)

	events := drainEvents(sub)
	want := []domain.EventType{
		domain.EventJobEnqueued,
		domain.EventJobStarted,
		domain.EventStageCompleted,
		domain.EventStageCompleted,
		domain.EventStageCompleted,
		domain.EventJobCompleted,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
		if events[i].Seq != uint64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, events[i].Seq)
		}
	}
	if events[2].Stage != domain.StageSummary || events[4].Stage != domain.StageInsights || !*events[3].Succeeded {
		t.Fatalf("unexpected stage events %+v", events[2:5])
	}
	if n := len(drainEvents(client)); n != len(want) {
		t.Fatalf("client topic expected %d events, got %d", len(want), n)
	}

	view := h.analysis(t, "doc-1")
	if view.Status != domain.StatusCompleted || view.Error != nil {
		t.Fatalf("unexpected view %+v", view)
	}
	result := view.AnalysisResult
	if result == nil || len(result.Stages) != 3 {
		t.Fatalf("expected 3 stage results, got %+v", result)
	}
	if names := result.StageNames(); names[0] != "summary" || names[1] != "categorization" || names[2] != "insights" {
		t.Fatalf("unexpected stage order %v", names)
	}
	if result.Risk.Label == "" || result.Risk.Score < 0 || result.Risk.Score > 1 || len(result.Risk.Factors) == 0 {
		t.Fatalf("unexpected risk %+v", result.Risk)
	}
	if result.ExecutiveSummary == "" || len([]rune(result.ExecutiveSummary)) > 600 {
		t.Fatalf("unexpected executive summary %q", result.ExecutiveSummary)
	}
	if result.Version != "1.0" || result.Workflow != "all" {
		t.Fatalf("unexpected metadata %+v", result)
	}
	if h.observer.outcomes["insights"] != true {
		t.Fatalf("expected stage observer to record insights")
	}
	archived, _ := h.archive.ListByDocument(context.Background(), "doc-1", 1)
	if len(archived) != 1 || archived[0].Outcome != domain.OutcomeSucceeded {
		t.Fatalf("expected archived success, got %+v", archived)
	}
}

func TestEmptyExtractionFailsBeforeAnyStage(t *testing.T) {
	insights := &strategyFake{name: domain.StageInsights}
	h := newHarness(t, []stage.Strategy{stage.NewSummary(nil, nil), stage.NewCategorization(nil), insights}, OrchestratorConfig{})
	h.addDocument(t, "doc-1", "   \n\t ")
	sub := h.broker.SubscribeDocument("doc-1")
	defer sub.Close()

	_, _ = h.analyze.Analyze(context.Background(), "doc-1", "all", "")
	h.runNext(t)

	view := h.analysis(t, "doc-1")
	if view.Status != domain.StatusFailed || view.AnalysisResult != nil {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Error == nil || view.Error.Cause != domain.CauseExtraction {
		t.Fatalf("expected extraction_error, got %+v", view.Error)
	}
	if insights.callCount() != 0 {
		t.Fatalf("no stage may run after failed extraction")
	}
	for _, ev := range drainEvents(sub) {
		if ev.Type == domain.EventStageCompleted {
			t.Fatalf("unexpected stage event %+v", ev)
		}
	}
}

func TestUnsupportedFormatIsExtractionError(t *testing.T) {
	h := newHarness(t, defaultStrategies(), OrchestratorConfig{})
	h.content.data["doc-png"] = []byte("\x89PNG")
	if err := h.repo.Create(context.Background(), &domain.Document{ID: "doc-png", MimeType: "image/png"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, _ = h.analyze.Analyze(context.Background(), "doc-png", "all", "")
	h.runNext(t)

	view := h.analysis(t, "doc-png")
	if view.Status != domain.StatusFailed || view.Error.Cause != domain.CauseExtraction {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestOptionalStageFailureStillCompletes(t *testing.T) {
	insights := &strategyFake{name: domain.StageInsights, err: errors.New("model crashed")}
	h := newHarness(t, []stage.Strategy{stage.NewSummary(nil, nil), stage.NewCategorization(nil), insights}, OrchestratorConfig{})
	h.addDocument(t, "doc-1", contractText)
	sub := h.broker.SubscribeDocument("doc-1")
	defer sub.Close()

	_, _ = h.analyze.Analyze(context.Background(), "doc-1", "all", "")
	h.runNext(t)

	view := h.analysis(t, "doc-1")
	if view.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%+v)", view.Status, view.Error)
	}
	if names := view.AnalysisResult.StageNames(); len(names) != 2 || names[0] != "summary" || names[1] != "categorization" {
		t.Fatalf("unexpected stages %v", names)
	}
	failed := view.AnalysisResult.FailedStages
	if len(failed) != 1 || failed[0].Stage != "insights" || failed[0].Cause != "stage_error:insights" {
		t.Fatalf("unexpected failed stages %+v", failed)
	}

	var sawFailure bool
	for _, ev := range drainEvents(sub) {
		if ev.Type == domain.EventStageCompleted && ev.Stage == "insights" {
			sawFailure = ev.Succeeded != nil && !*ev.Succeeded
		}
	}
	if !sawFailure {
		t.Fatalf("expected stage_completed with succeeded=false for insights")
	}
}

func TestRequiredStageFailureFailsJob(t *testing.T) {
	insights := &strategyFake{name: domain.StageInsights, err: domain.WrapError(domain.ErrProviderUnavailable, "complete", errors.New("circuit open"))}
	h := newHarness(t, []stage.Strategy{stage.NewSummary(nil, nil), stage.NewCategorization(nil), insights}, OrchestratorConfig{},
		domain.WorkflowDefinition{
			Name: "strict",
			Stages: []domain.StageSpec{
				{Name: "summary"},
				{Name: "insights", Required: true},
			},
		})
	h.addDocument(t, "doc-1", contractText)

	_, _ = h.analyze.Analyze(context.Background(), "doc-1", "strict", "")
	h.runNext(t)

	view := h.analysis(t, "doc-1")
	if view.Status != domain.StatusFailed || view.Error.Cause != domain.CauseProviderUnavailable {
		t.Fatalf("unexpected view %+v / %+v", view, view.Error)
	}
}

func TestMajorityStageFailureFailsJob(t *testing.T) {
	categorization := &strategyFake{name: domain.StageCategorization, err: errors.New("boom")}
	insights := &strategyFake{name: domain.StageInsights, err: errors.New("boom")}
	h := newHarness(t, []stage.Strategy{stage.NewSummary(nil, nil), categorization, insights}, OrchestratorConfig{})
	h.addDocument(t, "doc-1", contractText)

	_, _ = h.analyze.Analyze(context.Background(), "doc-1", "all", "")
	h.runNext(t)

	view := h.analysis(t, "doc-1")
	if view.Status != domain.StatusFailed || view.Error.Cause != "stage_error:categorization" {
		t.Fatalf("unexpected view %+v / %+v", view, view.Error)
	}
}

func TestDependentStageIsSkippedAfterFailure(t *testing.T) {
	summary := &strategyFake{name: domain.StageSummary, err: errors.New("boom")}
	categorization := &strategyFake{name: domain.StageCategorization}
	h := newHarness(t, []stage.Strategy{summary, categorization, stage.NewInsights()}, OrchestratorConfig{},
		domain.WorkflowDefinition{
			Name: "chained",
			Stages: []domain.StageSpec{
				{Name: "insights"},
				{Name: "summary"},
				{Name: "categorization", DependsOn: []string{"summary"}},
			},
		})
	h.addDocument(t, "doc-1", contractText)

	_, _ = h.analyze.Analyze(context.Background(), "doc-1", "chained", "")
	h.runNext(t)

	if categorization.callCount() != 0 {
		t.Fatalf("dependent stage must not run")
	}
	view := h.analysis(t, "doc-1")
	if view.Status != domain.StatusFailed || view.Error.Cause != "stage_error:summary" {
		t.Fatalf("unexpected view %+v / %+v", view, view.Error)
	}
}

func TestParallelWorkflowKeepsDeclaredOrder(t *testing.T) {
	h := newHarness(t, defaultStrategies(), OrchestratorConfig{}, domain.WorkflowDefinition{
		Name:     "fanout",
		Parallel: true,
		Stages: []domain.StageSpec{
			{Name: "insights"},
			{Name: "summary"},
			{Name: "categorization", DependsOn: []string{"summary"}},
		},
	})
	h.addDocument(t, "doc-1", contractText)

	_, _ = h.analyze.Analyze(context.Background(), "doc-1", "fanout", "")
	h.runNext(t)

	view := h.analysis(t, "doc-1")
	names := view.AnalysisResult.StageNames()
	if len(names) != 3 || names[0] != "insights" || names[1] != "summary" || names[2] != "categorization" {
		t.Fatalf("unexpected order %v", names)
	}
}

func TestJobTimeoutFailsWithTimeoutCause(t *testing.T) {
	insights := &strategyFake{name: domain.StageInsights, block: true}
	h := newHarness(t, []stage.Strategy{stage.NewSummary(nil, nil), stage.NewCategorization(nil), insights}, OrchestratorConfig{JobTimeout: 50 * time.Millisecond})
	h.addDocument(t, "doc-1", contractText)
	sub := h.broker.SubscribeDocument("doc-1")
	defer sub.Close()

	_, _ = h.analyze.Analyze(context.Background(), "doc-1", "all", "")
	h.runNext(t)

	view := h.analysis(t, "doc-1")
	if view.Status != domain.StatusFailed || view.Error.Cause != domain.CauseTimeout {
		t.Fatalf("unexpected view %+v / %+v", view, view.Error)
	}
	time.Sleep(20 * time.Millisecond)
	events := drainEvents(sub)
	if last := events[len(events)-1]; last.Type != domain.EventJobFailed || last.Reason != domain.CauseTimeout {
		t.Fatalf("expected job_failed to be the last event, got %+v", last)
	}
}

func TestAwaitOutcomeKeepsFinishedResultAtDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	timedOut := errors.New("deadline")

	done := make(chan pipelineOutcome, 1)
	done <- pipelineOutcome{result: &domain.AnalysisResult{DocumentID: "doc-1"}}
	for i := 0; i < 20; i++ {
		if i > 0 {
			done <- pipelineOutcome{result: &domain.AnalysisResult{DocumentID: "doc-1"}}
		}
		if out := awaitOutcome(ctx, done, timedOut); out.err != nil || out.result == nil {
			t.Fatalf("finished result replaced by %v", out.err)
		}
	}

	done <- pipelineOutcome{err: errors.New("stage failed")}
	if out := awaitOutcome(ctx, done, timedOut); !errors.Is(out.err, timedOut) {
		t.Fatalf("expected deadline error for failed pipeline, got %v", out.err)
	}
	if out := awaitOutcome(ctx, make(chan pipelineOutcome), timedOut); !errors.Is(out.err, timedOut) {
		t.Fatalf("expected deadline error without outcome, got %v", out.err)
	}
}

func TestReanalysisKeepsPreviousResultVisible(t *testing.T) {
	h := newHarness(t, defaultStrategies(), OrchestratorConfig{})
	h.addDocument(t, "doc-1", contractText)

	_, _ = h.analyze.Analyze(context.Background(), "doc-1", "all", "")
	h.runNext(t)
	first := h.analysis(t, "doc-1")

	if _, err := h.analyze.Analyze(context.Background(), "doc-1", "summary", ""); err != nil {
		t.Fatalf("completed documents must accept a new request: %v", err)
	}
	pending := h.analysis(t, "doc-1")
	if pending.Status != domain.StatusPending || pending.AnalysisResult == nil || pending.AnalysisResult.JobID != first.AnalysisResult.JobID {
		t.Fatalf("previous result must stay readable while pending, got %+v", pending)
	}

	h.runNext(t)
	second := h.analysis(t, "doc-1")
	if !second.AnalysisResult.CompletedAt.After(first.AnalysisResult.CompletedAt) {
		t.Fatalf("expected newer completed_at, got %v then %v", first.AnalysisResult.CompletedAt, second.AnalysisResult.CompletedAt)
	}
	if second.AnalysisResult.JobID != "doc-1:2" || len(second.AnalysisResult.Stages) != 1 {
		t.Fatalf("unexpected second result %+v", second.AnalysisResult)
	}
}

func TestFailedReanalysisKeepsLastResult(t *testing.T) {
	h := newHarness(t, defaultStrategies(), OrchestratorConfig{})
	h.addDocument(t, "doc-1", contractText)
	_, _ = h.analyze.Analyze(context.Background(), "doc-1", "all", "")
	h.runNext(t)

	h.content.mu.Lock()
	h.content.data["doc-1"] = []byte("")
	h.content.mu.Unlock()
	_, _ = h.analyze.Analyze(context.Background(), "doc-1", "all", "")
	h.runNext(t)

	view := h.analysis(t, "doc-1")
	if view.Status != domain.StatusFailed || view.Error == nil || view.AnalysisResult == nil {
		t.Fatalf("expected failed status with previous result, got %+v", view)
	}
}

func TestResultsAreDeterministic(t *testing.T) {
	h := newHarness(t, defaultStrategies(), OrchestratorConfig{})
	h.addDocument(t, "doc-a", contractText)
	h.addDocument(t, "doc-b", contractText)

	for _, id := range []string{"doc-a", "doc-b"} {
		_, _ = h.analyze.Analyze(context.Background(), id, "all", "")
		h.runNext(t)
	}
	a := h.analysis(t, "doc-a").AnalysisResult
	b := h.analysis(t, "doc-b").AnalysisResult
	for i := range a.Stages {
		if !bytes.Equal(a.Stages[i].Payload, b.Stages[i].Payload) || a.Stages[i].Confidence != b.Stages[i].Confidence {
			t.Fatalf("stage %s differs between identical inputs", a.Stages[i].Stage)
		}
	}
	if a.Risk.Score != b.Risk.Score || a.ExecutiveSummary != b.ExecutiveSummary {
		t.Fatalf("aggregates differ between identical inputs")
	}
}

func TestLeaseExpiryRequeuesThenFails(t *testing.T) {
	h := newHarness(t, defaultStrategies(), OrchestratorConfig{})
	h.addDocument(t, "doc-1", contractText)
	sub := h.broker.SubscribeDocument("doc-1")
	defer sub.Close()
	_, _ = h.analyze.Analyze(context.Background(), "doc-1", "all", "")

	ctx := context.Background()
	job, _ := h.queue.Claim(ctx, "w1")
	_ = h.repo.MarkAnalysisProcessing(ctx, "doc-1", job.ID, time.Now())

	h.orch.LeaseExpired(ctx, job, true)
	if view := h.analysis(t, "doc-1"); view.Status != domain.StatusPending {
		t.Fatalf("expected pending after requeue, got %s", view.Status)
	}
	h.orch.LeaseExpired(ctx, job, false)
	view := h.analysis(t, "doc-1")
	if view.Status != domain.StatusFailed || view.Error.Cause != domain.CauseInternal {
		t.Fatalf("unexpected view %+v", view)
	}

	types := eventTypes(drainEvents(sub))
	if types[len(types)-2] != domain.EventJobRequeued || types[len(types)-1] != domain.EventJobFailed {
		t.Fatalf("unexpected events %v", types)
	}
}

type slowSink struct {
	delay time.Duration
}

func (s slowSink) Export(ctx context.Context, _ *domain.Document, _ *domain.AnalysisResult) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return nil
}

func waitForEvent(t *testing.T, sub ports.Subscription, want domain.EventType) domain.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed before %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestCompletedEventAllowsImmediateReanalysis(t *testing.T) {
	h := newHarness(t, defaultStrategies(), OrchestratorConfig{})
	h.orch.sinks = []ports.AnalysisSink{slowSink{delay: 300 * time.Millisecond}}
	h.addDocument(t, "doc-1", contractText)
	sub := h.broker.SubscribeDocument("doc-1")
	defer sub.Close()

	pool := jobqueue.NewPool(h.queue, h.orch, nil, discardLogger(), jobqueue.PoolConfig{Workers: 1, SweepInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = pool.Run(ctx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	if _, err := h.analyze.Analyze(context.Background(), "doc-1", "all", ""); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	waitForEvent(t, sub, domain.EventJobCompleted)

	if view := h.analysis(t, "doc-1"); view.Status != domain.StatusCompleted {
		t.Fatalf("expected completed after job_completed, got %s", view.Status)
	}
	handle, err := h.analyze.Analyze(context.Background(), "doc-1", "all", "")
	if err != nil {
		t.Fatalf("re-analysis right after job_completed failed: %v", err)
	}
	if handle.JobID != domain.JobID("doc-1", 2) {
		t.Fatalf("unexpected job id %s", handle.JobID)
	}
	waitForEvent(t, sub, domain.EventJobCompleted)
}

func TestFailedEventAllowsImmediateReanalysis(t *testing.T) {
	h := newHarness(t, defaultStrategies(), OrchestratorConfig{})
	h.addDocument(t, "doc-1", "   ")
	sub := h.broker.SubscribeDocument("doc-1")
	defer sub.Close()

	pool := jobqueue.NewPool(h.queue, h.orch, nil, discardLogger(), jobqueue.PoolConfig{Workers: 1, SweepInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = pool.Run(ctx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	if _, err := h.analyze.Analyze(context.Background(), "doc-1", "all", ""); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	waitForEvent(t, sub, domain.EventJobFailed)
	if _, err := h.analyze.Analyze(context.Background(), "doc-1", "all", ""); err != nil {
		t.Fatalf("re-analysis right after job_failed failed: %v", err)
	}
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
	"github.com/kirillkom/document-analysis-engine/internal/core/stage"
)

const persistTimeout = 10 * time.Second

type OrchestratorConfig struct {
	JobTimeout        time.Duration
	Version           string
	SummaryMaxRunes   int
	MaxParallelStages int
}

// Orchestrator executes claimed analysis jobs. It is the only writer of
// analysis state once a job has been claimed.
type Orchestrator struct {
	repo      ports.DocumentRepository
	content   ports.ContentStore
	extractor ports.TextExtractor
	registry  *stage.Registry
	catalog   ports.WorkflowCatalog
	events    ports.EventPublisher
	archive   ports.JobArchive
	jobs      ports.JobReleaser
	sinks     []ports.AnalysisSink
	observer  ports.StageObserver
	risk      RiskPolicy
	logger    *slog.Logger
	cfg       OrchestratorConfig
	now       func() time.Time
}

type OrchestratorDeps struct {
	Repo      ports.DocumentRepository
	Content   ports.ContentStore
	Extractor ports.TextExtractor
	Registry  *stage.Registry
	Catalog   ports.WorkflowCatalog
	Events    ports.EventPublisher
	Archive   ports.JobArchive
	// Jobs releases claims as soon as a terminal state is stored.
	Jobs     ports.JobReleaser
	Sinks    []ports.AnalysisSink
	Observer ports.StageObserver
	Risk     RiskPolicy
	Logger   *slog.Logger
}

func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 120 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "1.0"
	}
	if cfg.SummaryMaxRunes <= 0 {
		cfg.SummaryMaxRunes = 600
	}
	if cfg.MaxParallelStages <= 0 {
		cfg.MaxParallelStages = 4
	}
	if deps.Risk == nil {
		deps.Risk = DefaultWeightedRiskPolicy()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		repo:      deps.Repo,
		content:   deps.Content,
		extractor: deps.Extractor,
		registry:  deps.Registry,
		catalog:   deps.Catalog,
		events:    deps.Events,
		archive:   deps.Archive,
		jobs:      deps.Jobs,
		sinks:     deps.Sinks,
		observer:  deps.Observer,
		risk:      deps.Risk,
		logger:    deps.Logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// jobFailure carries an explicit cause tag for job-level failures.
type jobFailure struct {
	cause string
	err   error
}

func (f *jobFailure) Error() string { return f.err.Error() }
func (f *jobFailure) Unwrap() error { return f.err }

func causeOf(err error) string {
	var jf *jobFailure
	if errors.As(err, &jf) {
		return jf.cause
	}
	return domain.CauseOf(err)
}

// run tracks one execution. Once sealed no further events are published.
type run struct {
	job domain.AnalysisJob

	mu     sync.Mutex
	sealed bool
}

func (r *run) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

type pipelineOutcome struct {
	doc    *domain.Document
	result *domain.AnalysisResult
	err    error
}

// Handle runs job to a terminal state within the job timeout.
func (o *Orchestrator) Handle(ctx context.Context, job domain.AnalysisJob) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancel()

	r := &run{job: job}
	startedAt := o.now().UTC().Truncate(time.Microsecond)
	if err := o.repo.MarkAnalysisProcessing(ctx, job.DocumentID, job.ID, startedAt); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			o.logger.Warn("job_superseded", "document_id", job.DocumentID, "job_id", job.ID, "error", err)
			return nil
		}
		return o.fail(ctx, r, domain.CauseInternal, fmt.Errorf("mark analysis processing: %w", err))
	}
	o.logger.Info("job_started", "document_id", job.DocumentID, "job_id", job.ID, "worker_id", job.WorkerID, "workflow", job.Workflow)
	o.publish(ctx, r, domain.Event{Type: domain.EventJobStarted, Status: domain.StatusProcessing})

	done := make(chan pipelineOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- pipelineOutcome{err: domain.WrapError(domain.ErrInternal, "run pipeline", fmt.Errorf("panic: %v\n%s", rec, debug.Stack()))}
			}
		}()
		doc, result, err := o.pipeline(ctx, r, startedAt)
		done <- pipelineOutcome{doc: doc, result: result, err: err}
	}()

	out := awaitOutcome(ctx, done, domain.WrapError(domain.ErrTimeout, "run analysis", fmt.Errorf("job exceeded %s", o.cfg.JobTimeout)))
	if out.err != nil {
		return o.fail(ctx, r, causeOf(out.err), out.err)
	}
	return o.complete(ctx, r, out.doc, out.result)
}

// awaitOutcome waits for the pipeline or the job deadline. A pipeline that
// already finished successfully keeps its result when both are ready; its
// errors are reported as timedOut once the deadline has passed.
func awaitOutcome(ctx context.Context, done <-chan pipelineOutcome, timedOut error) pipelineOutcome {
	select {
	case out := <-done:
		if out.err != nil && ctx.Err() != nil {
			return pipelineOutcome{err: timedOut}
		}
		return out
	case <-ctx.Done():
	}
	select {
	case out := <-done:
		if out.err == nil {
			return out
		}
	default:
	}
	return pipelineOutcome{err: timedOut}
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run, startedAt time.Time) (*domain.Document, *domain.AnalysisResult, error) {
	doc, err := o.repo.GetByID(ctx, r.job.DocumentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load document: %w", err)
	}
	def, err := o.catalog.Get(r.job.Workflow)
	if err != nil {
		return nil, nil, domain.WrapError(domain.ErrInternal, "resolve workflow", err)
	}

	text, err := o.extract(ctx, doc)
	if err != nil {
		return nil, nil, err
	}

	stages, failures := o.runStages(ctx, r, def, text)
	if err := o.judge(def, failures); err != nil {
		return nil, nil, err
	}

	completedAt := o.now().UTC().Truncate(time.Microsecond)
	if doc.AnalysisCompletedAt != nil && !completedAt.After(*doc.AnalysisCompletedAt) {
		completedAt = doc.AnalysisCompletedAt.Add(time.Microsecond).UTC()
	}
	result := &domain.AnalysisResult{
		DocumentID:       doc.ID,
		JobID:            r.job.ID,
		Workflow:         def.Name,
		Version:          o.cfg.Version,
		Stages:           stages,
		FailedStages:     failures,
		Risk:             o.risk.Assess(stages, len(def.Stages), len(failures)),
		ExecutiveSummary: executiveSummary(stages, o.cfg.SummaryMaxRunes),
		StartedAt:        startedAt,
		CompletedAt:      completedAt,
		ProcessingMs:     roundMs(completedAt.Sub(startedAt)),
	}
	return doc, result, nil
}

func (o *Orchestrator) extract(ctx context.Context, doc *domain.Document) (string, error) {
	mimeType := doc.MimeType
	if mimeType == "" {
		meta, err := o.content.Metadata(ctx, doc)
		if err != nil {
			return "", domain.WrapError(domain.ErrExtractionFailed, "read content metadata", err)
		}
		mimeType = meta.MimeType
	}
	rc, err := o.content.Content(ctx, doc)
	if err != nil {
		return "", domain.WrapError(domain.ErrExtractionFailed, "open content", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", domain.WrapError(domain.ErrExtractionFailed, "read content", err)
	}

	text, err := o.extractor.Extract(ctx, data, mimeType)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedFormat) || errors.Is(err, domain.ErrExtractionFailed) {
			return "", err
		}
		return "", domain.WrapError(domain.ErrExtractionFailed, "extract text", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", domain.WrapError(domain.ErrExtractionFailed, "extract text", errors.New("empty extracted text"))
	}
	return text, nil
}

type stageOutcome struct {
	result   domain.StageResult
	err      error
	skipped  bool
	duration time.Duration
}

// runStages executes def in dependency waves. Sequential workflows use one
// stage per wave. Results and failures come back in declared order.
func (o *Orchestrator) runStages(ctx context.Context, r *run, def domain.WorkflowDefinition, text string) ([]domain.StageResult, []domain.StageFailure) {
	outcomes := make([]stageOutcome, len(def.Stages))
	index := make(map[string]int, len(def.Stages))
	for i, spec := range def.Stages {
		index[spec.Name] = i
	}

	for _, wave := range planWaves(def) {
		prior := make([]domain.StageResult, 0, len(def.Stages))
		for i := range def.Stages {
			if done := outcomes[i]; done.err == nil && !done.skipped && done.result.Stage != "" {
				prior = append(prior, done.result)
			}
		}

		var g errgroup.Group
		g.SetLimit(o.cfg.MaxParallelStages)
		for _, i := range wave {
			spec := def.Stages[i]
			if dep, failed := failedDependency(spec, outcomes, index); failed {
				outcomes[i] = stageOutcome{skipped: true, err: fmt.Errorf("dependency %s failed", dep)}
				continue
			}
			g.Go(func() error {
				outcomes[i] = o.executeStage(ctx, r, def.Name, spec, text, prior)
				return nil
			})
		}
		_ = g.Wait()

		for _, i := range wave {
			o.reportStage(ctx, r, def.Stages[i].Name, outcomes[i])
		}
	}

	var (
		results  []domain.StageResult
		failures []domain.StageFailure
	)
	for i, spec := range def.Stages {
		out := outcomes[i]
		switch {
		case out.skipped:
			failures = append(failures, domain.StageFailure{Stage: spec.Name, Cause: domain.CauseDependencyFailed, Message: out.err.Error()})
		case out.err != nil:
			failures = append(failures, domain.StageFailure{Stage: spec.Name, Cause: stageFailureCause(spec.Name, out.err), Message: out.err.Error()})
		default:
			results = append(results, out.result)
		}
	}
	if results == nil {
		results = []domain.StageResult{}
	}
	return results, failures
}

func (o *Orchestrator) executeStage(ctx context.Context, r *run, workflow string, spec domain.StageSpec, text string, prior []domain.StageResult) (out stageOutcome) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			out = stageOutcome{err: domain.NewStageError(spec.Name, domain.WrapError(domain.ErrInternal, "run stage", fmt.Errorf("panic: %v", rec)))}
		}
		out.duration = time.Since(start)
	}()

	strategy, ok := o.registry.Get(spec.Name)
	if !ok {
		return stageOutcome{err: domain.NewStageError(spec.Name, domain.WrapError(domain.ErrInternal, "resolve stage", fmt.Errorf("stage %q not registered", spec.Name)))}
	}

	stageCtx := ctx
	if spec.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	readOnly := make([]domain.StageResult, len(prior))
	for i, p := range prior {
		readOnly[i] = p.Clone()
	}
	result, err := strategy.Analyze(stageCtx, stage.Input{
		DocumentID: r.job.DocumentID,
		Workflow:   workflow,
		Text:       text,
		Config:     spec.Config,
		Prior:      readOnly,
	})
	if err == nil && stageCtx.Err() != nil {
		err = stageCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = domain.WrapError(domain.ErrTimeout, "run stage", err)
	}
	if err != nil {
		return stageOutcome{err: domain.NewStageError(spec.Name, err)}
	}
	result.Stage = spec.Name
	result.DurationMs = roundMs(time.Since(start))
	return stageOutcome{result: result}
}

func (o *Orchestrator) reportStage(ctx context.Context, r *run, name string, out stageOutcome) {
	succeeded := out.err == nil && !out.skipped
	event := domain.Event{Type: domain.EventStageCompleted, Stage: name, Status: domain.StatusProcessing, Succeeded: &succeeded}
	if !succeeded {
		reason := stageFailureCause(name, out.err)
		if out.skipped {
			reason = domain.CauseDependencyFailed
		}
		event.Reason = reason
		o.logger.Warn("stage_failed", "document_id", r.job.DocumentID, "job_id", r.job.ID, "stage", name, "cause", reason, "error", out.err)
	}
	if o.observer != nil && !out.skipped {
		o.observer.ObserveStage(name, succeeded, out.duration)
	}
	o.publish(ctx, r, event)
}

// judge fails the job when a required stage failed or more than half of
// the requested stages failed.
func (o *Orchestrator) judge(def domain.WorkflowDefinition, failures []domain.StageFailure) error {
	if len(failures) == 0 {
		return nil
	}
	failedSet := make(map[string]domain.StageFailure, len(failures))
	for _, f := range failures {
		failedSet[f.Stage] = f
	}
	for _, spec := range def.Stages {
		if f, failed := failedSet[spec.Name]; failed && spec.Required {
			cause := f.Cause
			if cause == domain.CauseDependencyFailed {
				cause = domain.StageCause(spec.Name)
			}
			return &jobFailure{cause: cause, err: fmt.Errorf("required stage %s failed: %s", spec.Name, f.Message)}
		}
	}
	if len(failures)*2 > len(def.Stages) {
		first := failures[0]
		return &jobFailure{
			cause: domain.StageCause(first.Stage),
			err:   fmt.Errorf("%d of %d stages failed, first %s: %s", len(failures), len(def.Stages), first.Stage, first.Message),
		}
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, r *run, doc *domain.Document, result *domain.AnalysisResult) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := o.repo.CompleteAnalysis(pctx, r.job.DocumentID, r.job.ID, result); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			o.logger.Warn("job_superseded", "document_id", r.job.DocumentID, "job_id", r.job.ID, "error", err)
			return nil
		}
		return o.fail(ctx, r, domain.CauseInternal, fmt.Errorf("persist analysis result: %w", err))
	}

	o.release(r)
	o.publishTerminal(pctx, r, domain.Event{Type: domain.EventJobCompleted, Status: domain.StatusCompleted})
	o.logger.Info("job_completed",
		"document_id", r.job.DocumentID,
		"job_id", r.job.ID,
		"stages", len(result.Stages),
		"failed_stages", len(result.FailedStages),
		"risk", result.Risk.Label,
		"processing_ms", result.ProcessingMs,
	)

	o.archiveJob(pctx, r.job, domain.OutcomeSucceeded, "")
	for _, sink := range o.sinks {
		if err := sink.Export(pctx, doc, result); err != nil {
			o.logger.Warn("analysis_export_failed", "document_id", r.job.DocumentID, "job_id", r.job.ID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, r *run, cause string, failErr error) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	failure := domain.AnalysisError{
		Cause:   cause,
		Message: failErr.Error(),
		JobID:   r.job.ID,
		At:      o.now().UTC(),
	}
	if err := o.repo.FailAnalysis(pctx, r.job.DocumentID, r.job.ID, failure); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			o.logger.Warn("job_superseded", "document_id", r.job.DocumentID, "job_id", r.job.ID, "error", err)
			r.seal()
			return failErr
		}
		o.logger.Error("analysis_fail_persist_failed", "document_id", r.job.DocumentID, "job_id", r.job.ID, "error", err)
	}

	o.release(r)
	o.publishTerminal(pctx, r, domain.Event{Type: domain.EventJobFailed, Status: domain.StatusFailed, Reason: cause})
	o.logger.Warn("job_failed", "document_id", r.job.DocumentID, "job_id", r.job.ID, "cause", cause, "error", failErr)
	o.archiveJob(pctx, r.job, domain.OutcomeFailed, failErr.Error())
	return failErr
}

// release gives the claim back once the terminal state is stored. It runs
// before the terminal event so listeners can start the next job at once.
func (o *Orchestrator) release(r *run) {
	if o.jobs == nil || r.job.ClaimToken == "" {
		return
	}
	if err := o.jobs.Complete(r.job.ID, r.job.ClaimToken); err != nil {
		o.logger.Debug("job_release_skipped", "document_id", r.job.DocumentID, "job_id", r.job.ID, "error", err)
	}
}

// LeaseExpired is called by the worker pool when a claim went stale.
func (o *Orchestrator) LeaseExpired(ctx context.Context, job domain.AnalysisJob, requeued bool) {
	r := &run{job: job}
	if requeued {
		if err := o.repo.RestoreAnalysisStatus(ctx, job.DocumentID, job.ID, domain.StatusPending); err != nil {
			o.logger.Error("job_requeue_restore_failed", "document_id", job.DocumentID, "job_id", job.ID, "error", err)
		}
		o.publish(ctx, r, domain.Event{Type: domain.EventJobRequeued, Status: domain.StatusPending, Reason: "lease_expired"})
		return
	}
	_ = o.fail(ctx, r, domain.CauseInternal, fmt.Errorf("lease expired after %d retries", job.LeaseRetries))
}

func (o *Orchestrator) archiveJob(ctx context.Context, job domain.AnalysisJob, outcome domain.JobOutcome, message string) {
	if o.archive == nil {
		return
	}
	finished := o.now().UTC()
	job.Outcome = outcome
	job.FinishedAt = &finished
	job.Error = message
	if err := o.archive.Archive(ctx, job); err != nil {
		o.logger.Warn("job_archive_failed", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, r *run, event domain.Event) {
	o.emit(ctx, r, event, false)
}

func (o *Orchestrator) publishTerminal(ctx context.Context, r *run, event domain.Event) {
	o.emit(ctx, r, event, true)
}

func (o *Orchestrator) emit(ctx context.Context, r *run, event domain.Event, terminal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	if terminal {
		r.sealed = true
	}
	if o.events == nil {
		return
	}
	event.DocumentID = r.job.DocumentID
	event.JobID = r.job.ID
	event.ClientID = r.job.ClientID
	event.Workflow = r.job.Workflow
	if event.At.IsZero() {
		event.At = o.now().UTC()
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Warn("event_publish_failed", "document_id", event.DocumentID, "type", event.Type, "error", err)
	}
}

// planWaves groups stage indexes into dependency levels. Sequential
// workflows get one stage per wave.
func planWaves(def domain.WorkflowDefinition) [][]int {
	if !def.Parallel {
		waves := make([][]int, len(def.Stages))
		for i := range def.Stages {
			waves[i] = []int{i}
		}
		return waves
	}
	level := make(map[string]int, len(def.Stages))
	var waves [][]int
	for i, spec := range def.Stages {
		l := 0
		for _, dep := range spec.DependsOn {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[spec.Name] = l
		for len(waves) <= l {
			waves = append(waves, nil)
		}
		waves[l] = append(waves[l], i)
	}
	return waves
}

func failedDependency(spec domain.StageSpec, outcomes []stageOutcome, index map[string]int) (string, bool) {
	for _, dep := range spec.DependsOn {
		i, ok := index[dep]
		if !ok {
			continue
		}
		if outcomes[i].err != nil || outcomes[i].skipped {
			return dep, true
		}
	}
	return "", false
}

func stageFailureCause(name string, err error) string {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return domain.CauseTimeout
	case errors.Is(err, domain.ErrProviderUnavailable):
		return domain.CauseProviderUnavailable
	default:
		return domain.StageCause(name)
	}
}

func roundMs(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())) / 1000
}

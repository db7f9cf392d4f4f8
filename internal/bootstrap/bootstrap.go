package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-analysis-engine/internal/config"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
	"github.com/kirillkom/document-analysis-engine/internal/core/stage"
	"github.com/kirillkom/document-analysis-engine/internal/core/usecase"
	"github.com/kirillkom/document-analysis-engine/internal/core/workflow"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/chunking"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/extractor"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/extractor/docx"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/graph/neo4j"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/jobqueue"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/notifier"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/queue/nats"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/repository/memory"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/resilience"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/document-analysis-engine/internal/observability/logging"
	"github.com/kirillkom/document-analysis-engine/internal/observability/metrics"
)

// HealthCheck reports the state of one external dependency.
type HealthCheck func(ctx context.Context) error

type App struct {
	Config config.Config
	Logger *slog.Logger

	Repo     ports.DocumentRepository
	Archive  ports.JobArchive
	Catalog  *workflow.Catalog
	Broker   *notifier.Broker
	Jobs     *jobqueue.Queue
	Uploads  *nats.Queue
	Events   *nats.EventBridge
	Control  *nats.JobControl
	Breakers *resilience.Executor

	IngestUC  *usecase.IngestDocumentUseCase
	AnalyzeUC *usecase.AnalyzeUseCase
	ReportUC  *usecase.ReportUseCase
	StatusUC  *usecase.StatusUseCase
	Pool      *jobqueue.Pool

	WorkerMetrics *metrics.WorkerMetrics
	HealthChecks  map[string]HealthCheck

	closers []func()
}

// New wires every component named by cfg. service distinguishes metric
// namespaces and worker ids between the api and worker binaries.
func New(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{
		Config:        cfg,
		Logger:        logger,
		WorkerMetrics: metrics.NewWorkerMetrics(service),
		HealthChecks:  make(map[string]HealthCheck),
	}
	if err := app.init(ctx, service); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context, service string) error {
	cfg := a.Config

	if err := a.initStores(ctx); err != nil {
		return err
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("init object storage: %w", err)
	}

	a.Breakers = resilience.NewExecutor(resilienceConfig(cfg),
		resilience.WithLogger(logging.Component(a.Logger, "resilience")),
		resilience.WithStateListener(a.WorkerMetrics.BreakerStateChanged),
	)

	if cfg.NATSEnabled {
		uploads, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ClientName:         "document-analysis-" + service,
			QueueGroup:         "document-analysis-workers",
			ResilienceExecutor: a.Breakers,
			Logger:             logging.Component(a.Logger, "nats"),
		})
		if err != nil {
			return fmt.Errorf("init message queue: %w", err)
		}
		a.Uploads = uploads
		a.closers = append(a.closers, uploads.Close)
		a.HealthChecks["nats"] = func(context.Context) error {
			if !uploads.Conn().IsConnected() {
				return errors.New(uploads.Conn().Status().String())
			}
			return nil
		}
	}

	registry, err := stage.NewRegistry(a.strategies()...)
	if err != nil {
		return fmt.Errorf("init stage registry: %w", err)
	}
	extra, err := workflow.LoadFile(cfg.WorkflowsFile)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	a.Catalog, err = workflow.New(registry, extra...)
	if err != nil {
		return fmt.Errorf("init workflow catalog: %w", err)
	}

	a.Broker = notifier.NewBroker(cfg.EventBufferSize, logging.Component(a.Logger, "notifier"))
	a.closers = append(a.closers, a.Broker.Close)
	if a.Uploads != nil {
		a.Events = nats.NewEventBridge(a.Uploads, cfg.NATSEventsPrefix)
		a.Broker.AddForwarder(a.Events)
		a.Control = nats.NewJobControl(a.Uploads, cfg.NATSControlSubject, 2*time.Second)
	}

	a.Jobs = jobqueue.New(jobqueue.Options{
		LeaseTimeout:    cfg.LeaseTimeout(),
		MaxLeaseRetries: cfg.MaxLeaseRetries,
	})

	risk, err := usecase.RiskPolicyByName(cfg.RiskPolicy)
	if err != nil {
		return err
	}
	sinks, err := a.initSinks(ctx)
	if err != nil {
		return err
	}

	orchestrator := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Repo:      a.Repo,
		Content:   storage,
		Extractor: newExtractor(),
		Registry:  registry,
		Catalog:   a.Catalog,
		Events:    a.Broker,
		Archive:   a.Archive,
		Jobs:      a.Jobs,
		Sinks:     sinks,
		Observer:  a.WorkerMetrics,
		Risk:      risk,
		Logger:    logging.Component(a.Logger, "orchestrator"),
	}, usecase.OrchestratorConfig{
		JobTimeout:        cfg.JobTimeout(),
		Version:           cfg.AnalysisVersion,
		SummaryMaxRunes:   cfg.ExecSummaryMaxRunes,
		MaxParallelStages: cfg.MaxParallelStages,
	})
	a.Pool = jobqueue.NewPool(a.Jobs, orchestrator, a.WorkerMetrics, logging.Component(a.Logger, "pool"), jobqueue.PoolConfig{
		Workers:       cfg.WorkerCount,
		SweepInterval: cfg.LeaseSweepInterval(),
		WorkerPrefix:  service,
	})

	var announce ports.MessageQueue
	if a.Uploads != nil {
		announce = a.Uploads
	}
	a.IngestUC = usecase.NewIngestDocumentUseCase(a.Repo, storage, announce)
	var analyzeOpts []usecase.AnalyzeOption
	if a.Control != nil {
		analyzeOpts = append(analyzeOpts, usecase.WithRemoteJobs(a.Control))
	}
	a.AnalyzeUC = usecase.NewAnalyzeUseCase(a.Repo, a.Catalog, a.Jobs, a.Broker, a.Archive, a.Logger, analyzeOpts...)
	a.ReportUC = usecase.NewReportUseCase(a.Repo)
	a.StatusUC = usecase.NewStatusUseCase(a.Jobs, a.Broker)
	return nil
}

func (a *App) initStores(ctx context.Context) error {
	switch a.Config.StoreBackend {
	case "postgres":
		db, err := postgres.OpenDB(a.Config.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.Repo = postgres.NewDocumentRepository(db)
		a.Archive = postgres.NewJobArchive(db)
		a.HealthChecks["postgres"] = pingDB(db)
	default:
		a.Repo = memory.NewDocumentRepository()
		a.Archive = memory.NewJobArchive()
	}
	return nil
}

func pingDB(db *sql.DB) HealthCheck {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

// strategies builds the registered stages. Without a provider the stages
// fall back to their local heuristics.
func (a *App) strategies() []stage.Strategy {
	cfg := a.Config
	splitter := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)

	var completer stage.Completer
	if cfg.OllamaEnabled {
		provider := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, time.Duration(cfg.OllamaTimeoutSeconds)*time.Second, a.Breakers)
		completer = stage.NewProviderCache(provider, cfg.ProviderCacheSize)
		a.HealthChecks["ollama"] = func(context.Context) error {
			for op, state := range a.Breakers.States() {
				if state == "open" {
					return fmt.Errorf("circuit %s is open", op)
				}
			}
			return nil
		}
	}
	return []stage.Strategy{
		stage.NewSummary(completer, splitter),
		stage.NewCategorization(completer),
		stage.NewInsights(),
	}
}

func (a *App) initSinks(ctx context.Context) ([]ports.AnalysisSink, error) {
	cfg := a.Config
	if cfg.Neo4jURI == "" {
		return nil, nil
	}
	projector, err := neo4j.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase)
	if err != nil {
		return nil, fmt.Errorf("connect neo4j: %w", err)
	}
	a.closers = append(a.closers, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = projector.Close(closeCtx)
	})
	return []ports.AnalysisSink{projector}, nil
}

func newExtractor() *extractor.Mux {
	text := plaintext.NewExtractor()
	return extractor.NewMux().
		Handle("text/*", text).
		Handle("application/json", text).
		Handle("application/xml", text).
		Handle(extractor.MimePDF, pdf.NewExtractor()).
		Handle(extractor.MimeDOCX, docx.NewExtractor())
}

func resilienceConfig(cfg config.Config) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempts
	rc.RetryInitialBackoff = time.Duration(cfg.ResilienceRetryInitialBackoffMS) * time.Millisecond
	rc.RetryMaxBackoff = time.Duration(cfg.ResilienceRetryMaxBackoffMS) * time.Millisecond
	rc.BreakerEnabled = cfg.ResilienceBreakerEnabled
	rc.BreakerMinRequests = uint32(max(cfg.ResilienceBreakerMinRequests, 0))
	rc.BreakerFailureRatio = cfg.ResilienceBreakerFailureRatio
	rc.BreakerOpenTimeout = time.Duration(cfg.ResilienceBreakerOpenTimeoutSecs) * time.Second
	return rc
}

// RunPool runs the worker pool until ctx ends.
func (a *App) RunPool(ctx context.Context) error {
	return a.Pool.Run(ctx)
}

// Recover re-enqueues analyses left pending or processing by a previous
// process.
func (a *App) Recover(ctx context.Context) {
	n, err := a.AnalyzeUC.Recover(ctx, a.Config.RecoverStaleAfter())
	if err != nil {
		a.Logger.Error("analysis_recovery_failed", "error", err)
		return
	}
	if n > 0 {
		a.Logger.Info("analysis_recovered", "documents", n)
	}
}

// AutoAnalyze starts the configured workflow for every announced upload.
// It blocks until ctx ends.
func (a *App) AutoAnalyze(ctx context.Context) error {
	if a.Uploads == nil {
		return errors.New("auto analyze requires nats")
	}
	flow := a.Config.AutoAnalyzeFlow
	return a.Uploads.SubscribeDocumentUploaded(ctx, func(handlerCtx context.Context, documentID string) error {
		handle, err := a.AnalyzeUC.Analyze(handlerCtx, documentID, flow, "")
		if err != nil {
			return err
		}
		a.Logger.Info("auto_analysis_enqueued", "document_id", documentID, "job_id", handle.JobID, "workflow", flow)
		return nil
	})
}

// RelayEvents feeds events published by other processes into the local
// broker so SSE and WebSocket clients see them. It blocks until ctx ends.
func (a *App) RelayEvents(ctx context.Context) error {
	if a.Events == nil {
		return errors.New("event relay requires nats")
	}
	return a.Events.Relay(ctx, a.Broker.Relay)
}

// ServeJobControl answers cancel requests for jobs queued in this process.
// It blocks until ctx ends.
func (a *App) ServeJobControl(ctx context.Context) error {
	if a.Control == nil {
		return errors.New("job control requires nats")
	}
	return a.Control.Serve(ctx, a.Jobs.Cancel)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	httpadapter "github.com/kirillkom/document-analysis-engine/internal/adapters/http"
	mcpadapter "github.com/kirillkom/document-analysis-engine/internal/adapters/mcp"
	"github.com/kirillkom/document-analysis-engine/internal/bootstrap"
	"github.com/kirillkom/document-analysis-engine/internal/config"
	"github.com/kirillkom/document-analysis-engine/internal/observability/logging"
	"github.com/kirillkom/document-analysis-engine/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("api", cfg.LogLevel)
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "api", logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	var gatherers []prometheus.Gatherer
	var workers sync.WaitGroup
	poolCtx, stopPool := context.WithCancel(context.Background())
	if cfg.EmbeddedWorker {
		gatherers = append(gatherers, app.WorkerMetrics.Registry())
		workers.Add(1)
		go func() {
			defer workers.Done()
			_ = app.RunPool(poolCtx)
		}()
		app.Recover(ctx)
	}
	if cfg.NATSEnabled {
		workers.Add(2)
		go func() {
			defer workers.Done()
			if err := app.RelayEvents(ctx); err != nil {
				logger.Error("event_relay_failed", "error", err)
			}
		}()
		go func() {
			defer workers.Done()
			if err := app.ServeJobControl(ctx); err != nil {
				logger.Error("job_control_failed", "error", err)
			}
		}()
	}

	opts := []httpadapter.Option{
		httpadapter.WithLogger(logger),
		httpadapter.WithMetrics(metrics.NewHTTPServerMetrics("api"), gatherers...),
		httpadapter.WithStatus(app.StatusUC),
	}
	for name, check := range app.HealthChecks {
		opts = append(opts, httpadapter.WithHealthCheck(name, httpadapter.HealthCheck(check)))
	}
	if cfg.MCPEnabled {
		mcpServer := mcpadapter.NewServer(mcpadapter.Deps{
			Analysis:  app.AnalyzeUC,
			Reports:   app.ReportUC,
			Workflows: app.Catalog,
		})
		opts = append(opts, httpadapter.WithMCPHandler(mcpadapter.HTTPHandler(mcpServer)))
	}

	router := httpadapter.NewRouter(cfg, app.IngestUC, app.IngestUC, app.AnalyzeUC, app.ReportUC, app.Catalog, app.Broker, opts...)
	handler, err := router.Handler()
	if err != nil {
		logger.Error("router_init_failed", "error", err)
		os.Exit(1)
	}
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort, "embedded_worker", cfg.EmbeddedWorker)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_failed", "error", err)
	}
	stopPool()
	workers.Wait()
	logger.Info("api_stopped")
}

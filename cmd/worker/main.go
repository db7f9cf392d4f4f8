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

	"github.com/kirillkom/document-analysis-engine/internal/bootstrap"
	"github.com/kirillkom/document-analysis-engine/internal/config"
	"github.com/kirillkom/document-analysis-engine/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "worker", logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.WorkerMetrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		for name, check := range app.HealthChecks {
			if err := check(r.Context()); err != nil {
				http.Error(w, name+": "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", "error", err)
		}
	}()

	poolCtx, stopPool := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = app.RunPool(poolCtx)
	}()
	app.Recover(ctx)

	if cfg.NATSEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.ServeJobControl(ctx); err != nil {
				logger.Error("job_control_failed", "error", err)
			}
		}()
	}
	if cfg.AutoAnalyzeUpload {
		logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "workflow", cfg.AutoAnalyzeFlow)
		if err := app.AutoAnalyze(ctx); err != nil {
			logger.Error("worker_subscribe_failed", "error", err)
			stop()
		}
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	stopPool()
	wg.Wait()
	logger.Info("worker_stopped")
}

package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/document-analysis-engine/internal/config"
	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
	"github.com/kirillkom/document-analysis-engine/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/document-analysis-engine/internal/observability/metrics"
)

const serviceName = "api"

// HealthCheck reports the state of one dependency.
type HealthCheck func(ctx context.Context) error

type Router struct {
	cfg       config.Config
	ingest    ports.DocumentIngestor
	docs      ports.DocumentReader
	analysis  ports.AnalysisService
	reports   ports.ReportService
	workflows ports.WorkflowCatalog
	events    ports.EventSubscriber
	status    ports.StatusReporter

	logger        *slog.Logger
	metrics       *metrics.HTTPServerMetrics
	extraGatherer []prometheus.Gatherer
	mcpHandler    http.Handler
	checks        map[string]HealthCheck
	heartbeat     time.Duration
}

type Option func(*Router)

func WithLogger(logger *slog.Logger) Option {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithMetrics enables request metrics and serves them on /metrics together
// with any extra gatherers.
func WithMetrics(m *metrics.HTTPServerMetrics, extra ...prometheus.Gatherer) Option {
	return func(rt *Router) {
		rt.metrics = m
		rt.extraGatherer = extra
	}
}

// WithMCPHandler mounts a tool server on /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(rt *Router) {
		rt.mcpHandler = h
	}
}

func WithHealthCheck(name string, check HealthCheck) Option {
	return func(rt *Router) {
		if check != nil {
			rt.checks[name] = check
		}
	}
}

// WithStatus serves the processing summary on /v1/status.
func WithStatus(status ports.StatusReporter) Option {
	return func(rt *Router) {
		rt.status = status
	}
}

// WithHeartbeat sets the idle interval between SSE keep-alive comments.
func WithHeartbeat(d time.Duration) Option {
	return func(rt *Router) {
		if d > 0 {
			rt.heartbeat = d
		}
	}
}

func NewRouter(
	cfg config.Config,
	ingest ports.DocumentIngestor,
	docs ports.DocumentReader,
	analysis ports.AnalysisService,
	reports ports.ReportService,
	workflows ports.WorkflowCatalog,
	events ports.EventSubscriber,
	opts ...Option,
) *Router {
	rt := &Router{
		cfg:       cfg,
		ingest:    ingest,
		docs:      docs,
		analysis:  analysis,
		reports:   reports,
		workflows: workflows,
		events:    events,
		logger:    slog.Default(),
		checks:    make(map[string]HealthCheck),
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Handler builds the routed API with its middleware chain. It fails only
// when the embedded OpenAPI document is broken.
func (rt *Router) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /openapi.yaml", rt.openAPI)
	mux.HandleFunc("GET /v1/workflows", rt.listWorkflows)
	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents/{document_id}", rt.getDocument)
	mux.HandleFunc("POST /v1/documents/{document_id}/analyze", rt.analyzeDocument)
	mux.HandleFunc("POST /v1/analyses", rt.analyzeBatch)
	mux.HandleFunc("GET /v1/documents/{document_id}/jobs", rt.listJobs)
	mux.HandleFunc("GET /v1/documents/{document_id}/analysis", rt.getAnalysis)
	mux.HandleFunc("DELETE /v1/documents/{document_id}/analysis/job", rt.cancelAnalysis)
	mux.HandleFunc("GET /v1/documents/{document_id}/report", rt.getReport)
	mux.HandleFunc("GET /v1/documents/{document_id}/events", rt.streamDocumentEvents)
	mux.Handle("GET /v1/clients/{client_id}/events", rt.clientEventsHandler())
	if rt.status != nil {
		mux.HandleFunc("GET /v1/status", rt.processingStatus)
	}
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.HandlerWith(rt.extraGatherer...))
	}
	if rt.mcpHandler != nil {
		mux.Handle("/mcp", rt.mcpHandler)
	}

	var handler http.Handler = mux
	if rt.cfg.APIValidate {
		oapiRouter, err := loadOpenAPIRouter()
		if err != nil {
			return nil, err
		}
		handler = requestValidationMiddleware(oapiRouter, handler)
	}

	var onReject rejectRecorder
	if rt.metrics != nil {
		onReject = func(reason string) { rt.metrics.RecordRejected(serviceName, reason) }
	}
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, time.Duration(rt.cfg.APIQueueWaitMS)*time.Millisecond, onReject)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, onReject)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	handler = requestIDMiddleware(handler)
	return handler, nil
}

func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(rt.checks))
	status := "ok"
	for name, check := range rt.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	body := map[string]any{"status": status}
	if len(components) > 0 {
		body["components"] = components
	}
	writeJSON(w, code, body)
}

func (rt *Router) openAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(OpenAPIDocument())
}

func (rt *Router) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": rt.workflows.List()})
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if limit := rt.cfg.APIMaxUploadMB; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(limit)<<20)
	}
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	doc, err := rt.ingest.Upload(r.Context(), fileHeader.Filename, fileHeader.Header.Get("Content-Type"), file)
	if err != nil {
		rt.logger.Error("document_upload_failed", "filename", fileHeader.Filename, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.docs.GetByID(r.Context(), r.PathValue("document_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) analyzeDocument(w http.ResponseWriter, r *http.Request) {
	workflow := domain.DefaultWorkflow
	if err := runtime.BindQueryParameter("form", true, false, "workflow", r.URL.Query(), &workflow); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid workflow parameter: %v", err))
		return
	}
	if strings.TrimSpace(workflow) == "" {
		workflow = domain.DefaultWorkflow
	}
	clientID := strings.TrimSpace(r.Header.Get("X-Client-Id"))

	handle, err := rt.analysis.Analyze(r.Context(), r.PathValue("document_id"), workflow, clientID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

type batchRequest struct {
	DocumentIDs []string `json:"document_ids"`
	Workflow    string   `json:"workflow"`
}

type batchItem struct {
	DocumentID string            `json:"document_id"`
	Status     int               `json:"status"`
	Job        *domain.JobHandle `json:"job,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (rt *Router) analyzeBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	workflow := strings.TrimSpace(req.Workflow)
	if workflow == "" {
		workflow = domain.DefaultWorkflow
	}
	clientID := strings.TrimSpace(r.Header.Get("X-Client-Id"))

	items, err := rt.analysis.AnalyzeBatch(r.Context(), req.DocumentIDs, workflow, clientID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]batchItem, 0, len(items))
	for _, item := range items {
		entry := batchItem{DocumentID: item.DocumentID, Job: item.Job, Status: http.StatusAccepted}
		if item.Err != nil {
			entry.Status = mapErrorToHTTPStatus(item.Err)
			entry.Error = item.Err.Error()
			if entry.Status == http.StatusInternalServerError {
				entry.Error = "internal error"
			}
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (rt *Router) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit parameter: %v", err))
		return
	}
	if limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}
	jobs, err := rt.analysis.ListJobs(r.Context(), r.PathValue("document_id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (rt *Router) processingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.status.Status(r.Context()))
}

func (rt *Router) getAnalysis(w http.ResponseWriter, r *http.Request) {
	view, err := rt.analysis.GetAnalysis(r.Context(), r.PathValue("document_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) cancelAnalysis(w http.ResponseWriter, r *http.Request) {
	handle, err := rt.analysis.Cancel(r.Context(), r.PathValue("document_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (rt *Router) getReport(w http.ResponseWriter, r *http.Request) {
	format := "json"
	if err := runtime.BindQueryParameter("form", true, false, "format", r.URL.Query(), &format); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid format parameter: %v", err))
		return
	}
	if format != "json" && format != "xlsx" {
		writeError(w, http.StatusBadRequest, "format must be json or xlsx")
		return
	}

	report, err := rt.reports.Generate(r.Context(), r.PathValue("document_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if format == "json" {
		writeJSON(w, http.StatusOK, report)
		return
	}

	data, err := xlsx.Render(report)
	if err != nil {
		rt.logger.Error("report_render_failed", "document_id", report.Document.ID, "error", err)
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", xlsx.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.ReportID+".xlsx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

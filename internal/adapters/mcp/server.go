package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
	"github.com/kirillkom/document-analysis-engine/internal/core/ports"
)

const (
	serverName    = "document-analysis-engine"
	serverVersion = "1.0.0"
	// EndpointPath is where the streamable HTTP transport is mounted.
	EndpointPath = "/mcp"
)

// Deps holds the services exposed as tools.
type Deps struct {
	Analysis  ports.AnalysisService
	Reports   ports.ReportService
	Workflows ports.WorkflowCatalog
}

// NewServer registers the analysis tools.
func NewServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithInstructions("Start document analyses, poll their state and fetch reports."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_workflows",
			mcp.WithDescription("List the workflows accepted by analyze_document."),
		),
		listWorkflows(deps),
	)
	s.AddTool(
		mcp.NewTool("analyze_document",
			mcp.WithDescription("Queue an analysis of an uploaded document. Fails if one is already in flight."),
			mcp.WithString("document_id", mcp.Description("Document id returned by upload"), mcp.Required()),
			mcp.WithString("workflow", mcp.Description("Workflow name (default all)")),
			mcp.WithString("client_id", mcp.Description("Caller id used to route events")),
		),
		analyzeDocument(deps),
	)
	s.AddTool(
		mcp.NewTool("analyze_documents",
			mcp.WithDescription("Queue analyses of several documents. Each document reports its own job or error."),
			mcp.WithArray("document_ids", mcp.Description("Document ids returned by upload"), mcp.Required(), mcp.WithStringItems()),
			mcp.WithString("workflow", mcp.Description("Workflow name (default all)")),
			mcp.WithString("client_id", mcp.Description("Caller id used to route events")),
		),
		analyzeDocuments(deps),
	)
	s.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List finished analysis jobs of a document, newest first."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 20)")),
		),
		listJobs(deps),
	)
	s.AddTool(
		mcp.NewTool("get_analysis",
			mcp.WithDescription("Return analysis status, result and error of a document."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
		),
		getAnalysis(deps),
	)
	s.AddTool(
		mcp.NewTool("cancel_analysis",
			mcp.WithDescription("Cancel a queued analysis that no worker has claimed yet."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
		),
		cancelAnalysis(deps),
	)
	s.AddTool(
		mcp.NewTool("get_report",
			mcp.WithDescription("Return the JSON report of the latest completed analysis."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
		),
		getReport(deps),
	)
	return s
}

// HTTPHandler serves s over the stateless streamable HTTP transport.
func HTTPHandler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s,
		server.WithEndpointPath(EndpointPath),
		server.WithStateLess(true),
	)
}

func listWorkflows(deps Deps) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(deps.Workflows.List())
	}
}

func analyzeDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcp.NewToolResultError("document_id is required"), nil
		}
		workflow := req.GetString("workflow", domain.DefaultWorkflow)
		if workflow == "" {
			workflow = domain.DefaultWorkflow
		}
		handle, err := deps.Analysis.Analyze(ctx, documentID, workflow, req.GetString("client_id", ""))
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(handle)
	}
}

type batchItem struct {
	DocumentID string            `json:"document_id"`
	Job        *domain.JobHandle `json:"job,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func analyzeDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids, err := req.RequireStringSlice("document_ids")
		if err != nil {
			return mcp.NewToolResultError("document_ids must be a list of strings"), nil
		}
		workflow := req.GetString("workflow", domain.DefaultWorkflow)
		if workflow == "" {
			workflow = domain.DefaultWorkflow
		}
		items, err := deps.Analysis.AnalyzeBatch(ctx, ids, workflow, req.GetString("client_id", ""))
		if err != nil {
			return toolError(err), nil
		}
		out := make([]batchItem, 0, len(items))
		for _, item := range items {
			entry := batchItem{DocumentID: item.DocumentID, Job: item.Job}
			if item.Err != nil {
				entry.Error = errorText(item.Err)
			}
			out = append(out, entry)
		}
		return jsonResult(out)
	}
}

func listJobs(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcp.NewToolResultError("document_id is required"), nil
		}
		jobs, err := deps.Analysis.ListJobs(ctx, documentID, req.GetInt("limit", 0))
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(jobs)
	}
}

func getAnalysis(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcp.NewToolResultError("document_id is required"), nil
		}
		view, err := deps.Analysis.GetAnalysis(ctx, documentID)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(view)
	}
}

func cancelAnalysis(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcp.NewToolResultError("document_id is required"), nil
		}
		handle, err := deps.Analysis.Cancel(ctx, documentID)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(handle)
	}
}

func getReport(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcp.NewToolResultError("document_id is required"), nil
		}
		report, err := deps.Reports.Generate(ctx, documentID)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(report)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError reports domain failures to the caller without failing the call.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(errorText(err))
}

func errorText(err error) string {
	switch {
	case domain.IsKind(err, domain.ErrNotFound),
		domain.IsKind(err, domain.ErrConflict),
		domain.IsKind(err, domain.ErrInvalidInput):
		return err.Error()
	default:
		return "internal error"
	}
}

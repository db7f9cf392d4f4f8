package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

type analysisFake struct {
	workflow string
	clientID string
	limit    int
	err      error
	errFor   map[string]error
}

func (f *analysisFake) Analyze(_ context.Context, documentID, workflow, clientID string) (domain.JobHandle, error) {
	f.workflow, f.clientID = workflow, clientID
	if f.err != nil {
		return domain.JobHandle{}, f.err
	}
	return domain.JobHandle{JobID: domain.JobID(documentID, 1), DocumentID: documentID, Workflow: workflow, Status: domain.StatusPending}, nil
}

func (f *analysisFake) GetAnalysis(_ context.Context, documentID string) (domain.AnalysisView, error) {
	if f.err != nil {
		return domain.AnalysisView{}, f.err
	}
	return domain.AnalysisView{DocumentID: documentID, Status: domain.StatusCompleted}, nil
}

func (f *analysisFake) AnalyzeBatch(ctx context.Context, documentIDs []string, workflow, clientID string) ([]domain.BatchItem, error) {
	if len(documentIDs) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "analyze batch", errors.New("no document ids"))
	}
	items := make([]domain.BatchItem, 0, len(documentIDs))
	for _, id := range documentIDs {
		if err := f.errFor[id]; err != nil {
			items = append(items, domain.BatchItem{DocumentID: id, Err: err})
			continue
		}
		handle, _ := f.Analyze(ctx, id, workflow, clientID)
		items = append(items, domain.BatchItem{DocumentID: id, Job: &handle})
	}
	return items, nil
}

func (f *analysisFake) ListJobs(_ context.Context, documentID string, limit int) ([]domain.AnalysisJob, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return []domain.AnalysisJob{{ID: domain.JobID(documentID, 1), DocumentID: documentID, Outcome: domain.OutcomeCancelled}}, nil
}

func (f *analysisFake) Cancel(_ context.Context, documentID string) (domain.JobHandle, error) {
	return domain.JobHandle{}, f.err
}

type reportsFake struct{ err error }

func (f reportsFake) Generate(_ context.Context, documentID string) (*domain.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Report{ReportID: "rpt-" + documentID, Category: "contract"}, nil
}

type workflowsFake struct{}

func (workflowsFake) Get(string) (domain.WorkflowDefinition, error) {
	return domain.WorkflowDefinition{}, nil
}

func (workflowsFake) List() []domain.WorkflowDefinition {
	return []domain.WorkflowDefinition{{Name: "all", BuiltIn: true}, {Name: "quick"}}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestAnalyzeDocumentTool(t *testing.T) {
	fake := &analysisFake{}
	handler := analyzeDocument(Deps{Analysis: fake})

	result, err := handler(context.Background(), makeCallToolRequest("analyze_document", map[string]any{
		"document_id": "doc-1",
		"client_id":   "agent-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	var handle domain.JobHandle
	if err := json.Unmarshal([]byte(toolText(t, result)), &handle); err != nil {
		t.Fatalf("decode handle: %v", err)
	}
	if handle.JobID != "doc-1:1" || fake.workflow != domain.DefaultWorkflow || fake.clientID != "agent-1" {
		t.Fatalf("unexpected handle %+v workflow=%q client=%q", handle, fake.workflow, fake.clientID)
	}
}

func TestAnalyzeDocumentToolRequiresDocumentID(t *testing.T) {
	handler := analyzeDocument(Deps{Analysis: &analysisFake{}})
	result, err := handler(context.Background(), makeCallToolRequest("analyze_document", map[string]any{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected tool error")
	}
}

func TestToolErrorsHideInternalDetails(t *testing.T) {
	conflict := analyzeDocument(Deps{Analysis: &analysisFake{err: domain.WrapError(domain.ErrConflict, "analyze", errors.New("job doc-1:3 in flight"))}})
	result, _ := conflict(context.Background(), makeCallToolRequest("analyze_document", map[string]any{"document_id": "doc-1"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "in flight") {
		t.Fatalf("expected conflict detail, got %q", toolText(t, result))
	}

	internal := getReport(Deps{Reports: reportsFake{err: errors.New("db password rejected")}})
	result, _ = internal(context.Background(), makeCallToolRequest("get_report", map[string]any{"document_id": "doc-1"}))
	if !result.IsError || toolText(t, result) != "internal error" {
		t.Fatalf("expected masked error, got %q", toolText(t, result))
	}
}

func TestGetReportAndListWorkflowsTools(t *testing.T) {
	deps := Deps{Analysis: &analysisFake{}, Reports: reportsFake{}, Workflows: workflowsFake{}}

	result, err := getReport(deps)(context.Background(), makeCallToolRequest("get_report", map[string]any{"document_id": "doc-1"}))
	if err != nil || result.IsError {
		t.Fatalf("get_report failed: %v", err)
	}
	if !strings.Contains(toolText(t, result), `"report_id":"rpt-doc-1"`) {
		t.Fatalf("unexpected report %s", toolText(t, result))
	}

	result, err = listWorkflows(deps)(context.Background(), makeCallToolRequest("list_workflows", nil))
	if err != nil || result.IsError {
		t.Fatalf("list_workflows failed: %v", err)
	}
	var list []domain.WorkflowDefinition
	if err := json.Unmarshal([]byte(toolText(t, result)), &list); err != nil || len(list) != 2 {
		t.Fatalf("unexpected workflows %s (%v)", toolText(t, result), err)
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	s := NewServer(Deps{Analysis: &analysisFake{}, Reports: reportsFake{}, Workflows: workflowsFake{}})
	tools := s.ListTools()
	for _, name := range []string{"list_workflows", "analyze_document", "analyze_documents", "list_jobs", "get_analysis", "cancel_analysis", "get_report"} {
		if _, ok := tools[name]; !ok {
			t.Fatalf("tool %s not registered", name)
		}
	}
	if HTTPHandler(s) == nil {
		t.Fatalf("expected http handler")
	}
}

func TestAnalyzeDocumentsTool(t *testing.T) {
	fake := &analysisFake{errFor: map[string]error{
		"doc-2": domain.WrapError(domain.ErrConflict, "analyze document", errors.New("document doc-2 is pending")),
		"doc-3": errors.New("db password rejected"),
	}}
	handler := analyzeDocuments(Deps{Analysis: fake})

	result, err := handler(context.Background(), makeCallToolRequest("analyze_documents", map[string]any{
		"document_ids": []any{"doc-1", "doc-2", "doc-3"},
		"workflow":     "quick",
	}))
	if err != nil || result.IsError {
		t.Fatalf("analyze_documents failed: %v", err)
	}
	var items []batchItem
	if err := json.Unmarshal([]byte(toolText(t, result)), &items); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %+v", items)
	}
	if items[0].Job == nil || items[0].Job.JobID != "doc-1:1" || items[0].Error != "" || fake.workflow != "quick" {
		t.Fatalf("unexpected first item %+v", items[0])
	}
	if items[1].Job != nil || !strings.Contains(items[1].Error, "pending") {
		t.Fatalf("unexpected conflict item %+v", items[1])
	}
	if items[2].Error != "internal error" {
		t.Fatalf("expected masked error, got %+v", items[2])
	}

	result, _ = handler(context.Background(), makeCallToolRequest("analyze_documents", map[string]any{"document_ids": "doc-1"}))
	if !result.IsError {
		t.Fatalf("expected tool error for non-list ids")
	}
	result, _ = handler(context.Background(), makeCallToolRequest("analyze_documents", map[string]any{"document_ids": []any{}}))
	if !result.IsError {
		t.Fatalf("expected tool error for empty batch")
	}
}

func TestListJobsTool(t *testing.T) {
	fake := &analysisFake{}
	result, err := listJobs(Deps{Analysis: fake})(context.Background(), makeCallToolRequest("list_jobs", map[string]any{
		"document_id": "doc-1",
		"limit":       float64(3),
	}))
	if err != nil || result.IsError {
		t.Fatalf("list_jobs failed: %v", err)
	}
	var jobs []domain.AnalysisJob
	if err := json.Unmarshal([]byte(toolText(t, result)), &jobs); err != nil || len(jobs) != 1 || jobs[0].ID != "doc-1:1" {
		t.Fatalf("unexpected jobs %s (%v)", toolText(t, result), err)
	}
	if fake.limit != 3 {
		t.Fatalf("expected limit 3, got %d", fake.limit)
	}
}

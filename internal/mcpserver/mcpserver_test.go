package mcpserver

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/shaun0927/browserparallel/internal/coreerr"
	"github.com/shaun0927/browserparallel/internal/dispatch"
	"github.com/shaun0927/browserparallel/internal/screenshot"
	"github.com/shaun0927/browserparallel/internal/session"
	"github.com/shaun0927/browserparallel/internal/workflow"
)

type fakeSurface struct {
	sent          []string
	created       []string
	closed        []string
	screenshotErr error
	workflowJobs  []dispatch.WorkflowJob
}

func (f *fakeSurface) GetPage(ctx context.Context, sessionID string, tabID target.ID, toolName string) (dispatch.Page, error) {
	if sessionID == "missing" {
		return dispatch.Page{}, coreerr.ErrSessionNotFound
	}
	return dispatch.Page{SessionID: sessionID, TabID: tabID}, nil
}

func (f *fakeSurface) Send(ctx context.Context, page dispatch.Page, method string, params any, result any) error {
	f.sent = append(f.sent, method)
	return nil
}

func (f *fakeSurface) CreateTarget(ctx context.Context, sessionID string, url string) (target.ID, error) {
	f.created = append(f.created, sessionID+":"+url)
	return target.ID("new-tab"), nil
}

func (f *fakeSurface) CloseTarget(ctx context.Context, sessionID string, tabID target.ID) error {
	f.closed = append(f.closed, string(tabID))
	return nil
}

func (f *fakeSurface) WithSessionQueue(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeSurface) CaptureScreenshot(ctx context.Context, page dispatch.Page, opts screenshot.Options) (dispatch.ScreenshotResult, error) {
	if f.screenshotErr != nil {
		return dispatch.ScreenshotResult{}, f.screenshotErr
	}
	return dispatch.ScreenshotResult{Data: "base64data", DurationMS: 12}, nil
}

func (f *fakeSurface) AcquirePoolPage(ctx context.Context) (target.ID, error) { return "pool-1", nil }

func (f *fakeSurface) AcquirePoolBatch(ctx context.Context, n int) ([]target.ID, error) {
	return make([]target.ID, n), nil
}

func (f *fakeSurface) ReleasePoolPage(id target.ID) {}

func (f *fakeSurface) SessionStats() session.Stats {
	return session.Stats{ActiveCount: 1, TotalCreated: 1}
}

func (f *fakeSurface) InitWorkflow(ctx context.Context, workflowID string, jobs []dispatch.WorkflowJob, opts workflow.Options) (string, []string, error) {
	if workflowID == "" {
		workflowID = "wf-1"
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	f.workflowJobs = jobs
	return workflowID, ids, nil
}

func (f *fakeSurface) CollectWorkflow(ctx context.Context, workflowID string) ([]workflow.WorkerResult, error) {
	if workflowID == "missing" {
		return nil, coreerr.ErrTargetNotFound
	}
	results := make([]workflow.WorkerResult, len(f.workflowJobs))
	for i, j := range f.workflowJobs {
		results[i] = workflow.WorkerResult{WorkerID: j.ID, Status: workflow.StatusCompleted}
	}
	return results, nil
}

func (f *fakeSurface) CollectWorkflowPartial(ctx context.Context, workflowID string, wait time.Duration) (workflow.PartialSnapshot, error) {
	return workflow.PartialSnapshot{IsFullyComplete: true}, nil
}

var _ dispatch.Surface = (*fakeSurface)(nil)

func callReq(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestHandleNavigate_SendsPageNavigate(t *testing.T) {
	f := &fakeSurface{}
	s := New("browserparallel", "test", f)

	result, err := s.handleNavigate(context.Background(), callReq(map[string]any{
		"sessionId": "s1", "tabId": "t1", "url": "https://example.com",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, f.sent, "Page.navigate")
}

func TestHandleNavigate_MissingSessionReturnsToolError(t *testing.T) {
	f := &fakeSurface{}
	s := New("browserparallel", "test", f)

	result, err := s.handleNavigate(context.Background(), callReq(map[string]any{
		"sessionId": "missing", "tabId": "t1", "url": "https://example.com",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleCreateTarget_ForwardsURL(t *testing.T) {
	f := &fakeSurface{}
	s := New("browserparallel", "test", f)

	result, err := s.handleCreateTarget(context.Background(), callReq(map[string]any{
		"sessionId": "s1", "url": "https://example.com",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, f.created, "s1:https://example.com")
}

func TestHandleScreenshot_ReturnsCapturedData(t *testing.T) {
	f := &fakeSurface{}
	s := New("browserparallel", "test", f)

	result, err := s.handleScreenshot(context.Background(), callReq(map[string]any{
		"sessionId": "s1", "tabId": "t1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
}

func TestHandleSessionsList_ReportsStats(t *testing.T) {
	f := &fakeSurface{}
	s := New("browserparallel", "test", f)

	result, err := s.handleSessionsList(context.Background(), callReq(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
}

func TestHandleWorkflowInit_SplitsURLsIntoJobs(t *testing.T) {
	f := &fakeSurface{}
	s := New("browserparallel", "test", f)

	result, err := s.handleWorkflowInit(context.Background(), callReq(map[string]any{
		"urls": "https://a.example, https://b.example",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, f.workflowJobs, 2)
	require.Equal(t, "https://a.example", f.workflowJobs[0].URL)
	require.Equal(t, "https://b.example", f.workflowJobs[1].URL)
}

func TestHandleWorkflowInit_RejectsEmptyURLs(t *testing.T) {
	f := &fakeSurface{}
	s := New("browserparallel", "test", f)

	result, err := s.handleWorkflowInit(context.Background(), callReq(map[string]any{
		"urls": "  , ",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleWorkflowCollect_ReturnsWorkerResults(t *testing.T) {
	f := &fakeSurface{}
	s := New("browserparallel", "test", f)

	_, err := s.handleWorkflowInit(context.Background(), callReq(map[string]any{"urls": "https://a.example"}))
	require.NoError(t, err)

	result, err := s.handleWorkflowCollect(context.Background(), callReq(map[string]any{"workflowId": "wf-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
}

func TestHandleWorkflowCollect_UnknownWorkflowReturnsToolError(t *testing.T) {
	f := &fakeSurface{}
	s := New("browserparallel", "test", f)

	result, err := s.handleWorkflowCollect(context.Background(), callReq(map[string]any{"workflowId": "missing"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleWorkflowCollectPartial_ReturnsSnapshot(t *testing.T) {
	f := &fakeSurface{}
	s := New("browserparallel", "test", f)

	result, err := s.handleWorkflowCollectPartial(context.Background(), callReq(map[string]any{"workflowId": "wf-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
}

func TestHandleCloseTarget_ClosesRequestedTab(t *testing.T) {
	f := &fakeSurface{}
	s := New("browserparallel", "test", f)

	result, err := s.handleCloseTarget(context.Background(), callReq(map[string]any{
		"sessionId": "s1", "tabId": "t1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, f.closed, "t1")
}

// Package mcpserver hosts the stdio MCP tool protocol loop (spec.md
// §6): it registers tool descriptors and forwards tools/call into the
// dispatch surface. It never implements CDP, session, or pool logic
// itself.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/shaun0927/browserparallel/internal/coreerr"
	"github.com/shaun0927/browserparallel/internal/corelog"
	"github.com/shaun0927/browserparallel/internal/dispatch"
	"github.com/shaun0927/browserparallel/internal/screenshot"
	"github.com/shaun0927/browserparallel/internal/workflow"
)

// Server wraps an *server.MCPServer with the tool handlers that
// forward into a dispatch.Surface.
type Server struct {
	mcp     *server.MCPServer
	surface dispatch.Surface
	log     *logrus.Entry
}

// New builds the MCP server and registers every tool spec.md §6 names.
func New(name, version string, surface dispatch.Surface) *Server {
	s := &Server{
		mcp:     server.NewMCPServer(name, version, server.WithToolCapabilities(true)),
		surface: surface,
		log:     corelog.For("mcpserver"),
	}
	s.registerTools()
	return s
}

// Serve blocks, speaking the MCP protocol over stdio until ctx is
// canceled or the transport closes.
func (s *Server) Serve(ctx context.Context) error {
	return server.ServeStdio(s.mcp, server.WithStdioContextFunc(func(context.Context) context.Context {
		return ctx
	}))
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("navigate",
		mcp.WithDescription("Navigate a tab to a URL"),
		mcp.WithString("sessionId", mcp.Required()),
		mcp.WithString("tabId", mcp.Required()),
		mcp.WithString("url", mcp.Required()),
	), s.handleNavigate)

	s.mcp.AddTool(mcp.NewTool("create_target",
		mcp.WithDescription("Open a new tab in a session, optionally navigating it to a URL"),
		mcp.WithString("sessionId", mcp.Required()),
		mcp.WithString("url"),
	), s.handleCreateTarget)

	s.mcp.AddTool(mcp.NewTool("close_target",
		mcp.WithDescription("Close a tab in a session"),
		mcp.WithString("sessionId", mcp.Required()),
		mcp.WithString("tabId", mcp.Required()),
	), s.handleCloseTarget)

	s.mcp.AddTool(mcp.NewTool("screenshot",
		mcp.WithDescription("Capture a screenshot of a tab"),
		mcp.WithString("sessionId", mcp.Required()),
		mcp.WithString("tabId", mcp.Required()),
		mcp.WithString("format"),
		mcp.WithBoolean("fullPage"),
	), s.handleScreenshot)

	s.mcp.AddTool(mcp.NewTool("sessions_list",
		mcp.WithDescription("Report session manager stats: active/created/cleaned counts, uptime, memory"),
	), s.handleSessionsList)

	s.mcp.AddTool(mcp.NewTool("workflow_init",
		mcp.WithDescription("Start a bounded multi-worker job: one pooled tab per URL, each navigated then evaluating the given script"),
		mcp.WithString("workflowId", mcp.Description("Optional caller-assigned id; one is generated if omitted")),
		mcp.WithString("urls", mcp.Required(), mcp.Description("Comma-separated list of URLs, one per worker")),
		mcp.WithString("script", mcp.Description("JavaScript expression evaluated on each worker's tab after navigation")),
		mcp.WithNumber("workerTimeoutMs", mcp.Description("Per-worker deadline in milliseconds")),
		mcp.WithNumber("globalTimeoutMs", mcp.Description("Whole-workflow deadline in milliseconds")),
	), s.handleWorkflowInit)

	s.mcp.AddTool(mcp.NewTool("workflow_collect",
		mcp.WithDescription("Block until every worker of a workflow is terminal and return its results"),
		mcp.WithString("workflowId", mcp.Required()),
	), s.handleWorkflowCollect)

	s.mcp.AddTool(mcp.NewTool("workflow_collect_partial",
		mcp.WithDescription("Return a snapshot of a workflow's worker states without requiring full completion"),
		mcp.WithString("workflowId", mcp.Required()),
		mcp.WithNumber("waitMs", mcp.Description("Optionally poll up to this many milliseconds for more workers to finish first")),
	), s.handleWorkflowCollectPartial)
}

func (s *Server) handleNavigate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tabID, err := req.RequireString("tabId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	pg, err := s.surface.GetPage(ctx, sessionID, target.ID(tabID), "navigate")
	if err != nil {
		return s.toolError(err), nil
	}
	if err := s.surface.Send(ctx, pg, "Page.navigate", &page.NavigateParams{URL: url}, nil); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("navigated %s to %s", tabID, url)), nil
}

func (s *Server) handleCreateTarget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	url := req.GetString("url", "")

	tabID, err := s.surface.CreateTarget(ctx, sessionID, url)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(string(tabID)), nil
}

func (s *Server) handleCloseTarget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tabID, err := req.RequireString("tabId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.surface.CloseTarget(ctx, sessionID, target.ID(tabID)); err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText("closed"), nil
}

func (s *Server) handleScreenshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tabID, err := req.RequireString("tabId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	format := req.GetString("format", "webp")
	fullPage := req.GetBool("fullPage", false)

	pg, err := s.surface.GetPage(ctx, sessionID, target.ID(tabID), "screenshot")
	if err != nil {
		return s.toolError(err), nil
	}
	result, err := s.surface.CaptureScreenshot(ctx, pg, screenshot.Options{
		Format:   screenshot.Format(format),
		FullPage: fullPage,
	})
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(result.Data), nil
}

func (s *Server) handleSessionsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.surface.SessionStats()
	return mcp.NewToolResultText(fmt.Sprintf(
		"active=%d created=%d cleaned=%d uptime_ms=%d mem_alloc_mb=%.2f",
		stats.ActiveCount, stats.TotalCreated, stats.TotalCleaned, stats.UptimeMS, stats.MemAllocMB,
	)), nil
}

func (s *Server) handleWorkflowInit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawURLs, err := req.RequireString("urls")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	workflowID := req.GetString("workflowId", "")
	script := req.GetString("script", "")
	workerTimeoutMs := req.GetInt("workerTimeoutMs", 0)
	globalTimeoutMs := req.GetInt("globalTimeoutMs", 0)

	var jobs []dispatch.WorkflowJob
	for i, u := range strings.Split(rawURLs, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		jobs = append(jobs, dispatch.WorkflowJob{ID: fmt.Sprintf("w-%d", i), URL: u, Script: script})
	}
	if len(jobs) == 0 {
		return mcp.NewToolResultError("urls must contain at least one URL"), nil
	}

	opts := workflow.Options{
		WorkerTimeout: time.Duration(workerTimeoutMs) * time.Millisecond,
		GlobalTimeout: time.Duration(globalTimeoutMs) * time.Millisecond,
	}
	resolvedID, ids, err := s.surface.InitWorkflow(ctx, workflowID, jobs, opts)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("workflowId=%s workers=%s", resolvedID, strings.Join(ids, ","))), nil
}

func (s *Server) handleWorkflowCollect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflowId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.surface.CollectWorkflow(ctx, workflowID)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(formatWorkerResults(results)), nil
}

func (s *Server) handleWorkflowCollectPartial(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflowId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	waitMs := req.GetInt("waitMs", 0)
	snap, err := s.surface.CollectWorkflowPartial(ctx, workflowID, time.Duration(waitMs)*time.Millisecond)
	if err != nil {
		return s.toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"complete=%v completed=%s running=%s failed=%s",
		snap.IsFullyComplete,
		formatWorkerResults(snap.Completed),
		formatWorkerResults(snap.Running),
		formatWorkerResults(snap.Failed),
	)), nil
}

func formatWorkerResults(results []workflow.WorkerResult) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("%s:%s", r.WorkerID, r.Status)
	}
	return strings.Join(parts, ",")
}

func (s *Server) toolError(err error) *mcp.CallToolResult {
	if errors.Is(err, coreerr.ErrSessionNotFound) || errors.Is(err, coreerr.ErrTargetNotFound) {
		return mcp.NewToolResultError(err.Error())
	}
	s.log.WithError(err).Warn("tool dispatch failed")
	return mcp.NewToolResultErrorFromErr("tool dispatch failed", err)
}

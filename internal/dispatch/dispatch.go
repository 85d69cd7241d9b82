// Package dispatch defines the typed contract tool implementations
// consume from the core (spec.md §4.8): session/page lookup, CDP
// command dispatch, the session FIFO, screenshot capture, and pool
// access, plus an optional routing hook for a secondary backend.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/shaun0927/browserparallel/internal/cdp"
	"github.com/shaun0927/browserparallel/internal/coreerr"
	"github.com/shaun0927/browserparallel/internal/queue"
	"github.com/shaun0927/browserparallel/internal/screenshot"
	"github.com/shaun0927/browserparallel/internal/session"
	"github.com/shaun0927/browserparallel/internal/workflow"
)

// Page is what getPage resolves to: a live CDP target plus which
// backend should serve it. Backend is empty for the default CDP path;
// a non-empty value names whatever secondary backend the routing hook
// selected.
type Page struct {
	SessionID string
	TabID     target.ID
	Backend   string
}

// ScreenshotResult mirrors spec.md §4.8's captureScreenshot return
// shape.
type ScreenshotResult struct {
	Data       string
	DurationMS int64
	WaitMS     int64
}

// Surface is the narrow, typed boundary tool handlers call into. It
// deliberately never exposes the CDP client, session manager, or pool
// concrete types — only the operations spec.md §4.8 names.
type Surface interface {
	GetPage(ctx context.Context, sessionID string, tabID target.ID, toolName string) (Page, error)
	Send(ctx context.Context, page Page, method string, params any, result any) error
	CreateTarget(ctx context.Context, sessionID string, url string) (target.ID, error)
	CloseTarget(ctx context.Context, sessionID string, tabID target.ID) error
	WithSessionQueue(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error
	CaptureScreenshot(ctx context.Context, page Page, opts screenshot.Options) (ScreenshotResult, error)
	AcquirePoolPage(ctx context.Context) (target.ID, error)
	AcquirePoolBatch(ctx context.Context, n int) ([]target.ID, error)
	ReleasePoolPage(id target.ID)
	// SessionStats exposes the session manager's stats read-only, for
	// the MCP host's sessions_list tool (spec.md §4.6).
	SessionStats() session.Stats
	// InitWorkflow starts a bounded multi-worker fan-out job: one
	// worker per job, each navigating its own pooled tab to job.URL (if
	// set) then evaluating job.Script to produce its result (spec.md
	// §4.7). Returns the resolved workflow id (generated when
	// workflowID is empty) and the assigned worker ids in job order.
	InitWorkflow(ctx context.Context, workflowID string, jobs []WorkflowJob, opts workflow.Options) (string, []string, error)
	// CollectWorkflow blocks until every worker of workflowID is
	// terminal and returns the results ordered by worker id.
	CollectWorkflow(ctx context.Context, workflowID string) ([]workflow.WorkerResult, error)
	// CollectWorkflowPartial returns a snapshot of workflowID's worker
	// states without requiring full completion.
	CollectWorkflowPartial(ctx context.Context, workflowID string, wait time.Duration) (workflow.PartialSnapshot, error)
}

// WorkflowJob is one worker's unit of work within a workflow: navigate
// (if URL is set) then evaluate Script on the resulting page.
type WorkflowJob struct {
	ID     string
	URL    string
	Script string
}

// RoutingHook re-exports session.RoutingHook so callers configuring
// the surface don't need to import the session package directly.
type RoutingHook = session.RoutingHook

// CDP narrows the client surface the surface implementation depends
// on beyond what session.CDP already covers.
type CDP interface {
	session.CDP
	Send(ctx context.Context, id target.ID, method string, params any, result any) error
}

// core is the default Surface implementation, wiring the session
// manager, page pool, screenshot scheduler, and CDP client together.
type core struct {
	cdp      CDP
	sessions *session.Manager
	screens  *screenshot.Scheduler
	pool     Pool

	workflowsMu sync.Mutex
	workflows   map[string]*workflow.Engine
}

// Pool narrows the pool surface this package depends on.
type Pool interface {
	Acquire(ctx context.Context) (target.ID, error)
	AcquireBatch(ctx context.Context, n int) ([]target.ID, error)
	Release(id target.ID)
	// NoteNavigation records the origin a pool-owned page just
	// navigated to, so the pool's Release reset can scope
	// Storage.clearDataForOrigin correctly (spec.md §8). Ids the pool
	// isn't tracking as checked out are ignored.
	NoteNavigation(id target.ID, rawURL string)
}

// New builds the default tool dispatch Surface.
func New(c CDP, sessions *session.Manager, screens *screenshot.Scheduler, pool Pool) Surface {
	return &core{cdp: c, sessions: sessions, screens: screens, pool: pool, workflows: make(map[string]*workflow.Engine)}
}

func (c *core) GetPage(ctx context.Context, sessionID string, tabID target.ID, toolName string) (Page, error) {
	id, backend, err := c.sessions.GetPage(ctx, sessionID, tabID, toolName)
	if err != nil {
		return Page{}, err
	}
	return Page{SessionID: sessionID, TabID: id, Backend: backend}, nil
}

func (c *core) Send(ctx context.Context, pg Page, method string, params any, result any) error {
	if method == "Page.navigate" {
		if np, ok := params.(*page.NavigateParams); ok {
			c.pool.NoteNavigation(pg.TabID, np.URL)
		}
	}
	return c.cdp.Send(ctx, pg.TabID, method, params, result)
}

func (c *core) CreateTarget(ctx context.Context, sessionID string, url string) (target.ID, error) {
	id, err := c.sessions.CreateTarget(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if url != "" {
		if err := c.cdp.Send(ctx, id, "Page.navigate", &page.NavigateParams{URL: url}, nil); err != nil {
			return id, err
		}
		c.pool.NoteNavigation(id, url)
	}
	return id, nil
}

func (c *core) CloseTarget(ctx context.Context, sessionID string, tabID target.ID) error {
	if err := c.cdp.Send(ctx, tabID, "Target.closeTarget", &target.CloseTargetParams{TargetID: tabID}, nil); err != nil {
		return err
	}
	return c.sessions.CloseTab(sessionID, tabID)
}

func (c *core) WithSessionQueue(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	q := c.sessions.QueueFor(sessionID)
	return q.Submit(ctx, queue.Task(fn))
}

func (c *core) CaptureScreenshot(ctx context.Context, page Page, opts screenshot.Options) (ScreenshotResult, error) {
	result, err := c.screens.Capture(ctx, page.TabID, opts)
	if err != nil {
		return ScreenshotResult{}, err
	}
	return ScreenshotResult{Data: result.Data, DurationMS: result.CaptureMS, WaitMS: result.WaitMS}, nil
}

func (c *core) AcquirePoolPage(ctx context.Context) (target.ID, error) {
	return c.pool.Acquire(ctx)
}

func (c *core) AcquirePoolBatch(ctx context.Context, n int) ([]target.ID, error) {
	return c.pool.AcquireBatch(ctx, n)
}

func (c *core) ReleasePoolPage(id target.ID) {
	c.pool.Release(id)
}

func (c *core) SessionStats() session.Stats {
	return c.sessions.Stats()
}

func (c *core) InitWorkflow(ctx context.Context, workflowID string, jobs []WorkflowJob, opts workflow.Options) (string, []string, error) {
	engine := workflow.New(workflowID, c.pool)

	tasks := make(map[string]workflow.Task, len(jobs))
	urls := make(map[string]string, len(jobs))
	ids := make([]string, 0, len(jobs))
	for i, job := range jobs {
		id := job.ID
		if id == "" {
			id = fmt.Sprintf("w-%d", i)
		}
		ids = append(ids, id)
		urls[id] = job.URL
		script := job.Script
		tasks[id] = func(ctx context.Context, w *workflow.Worker) (any, error) {
			return c.runWorkflowTask(ctx, engine, w, script)
		}
	}

	if err := engine.Init(ctx, tasks, urls, opts); err != nil {
		return "", nil, err
	}

	c.workflowsMu.Lock()
	c.workflows[engine.ID()] = engine
	c.workflowsMu.Unlock()

	return engine.ID(), ids, nil
}

// runWorkflowTask is the body shared by every workflow worker: navigate
// to w.URL (if set), then evaluate script and report it as the
// worker's extracted data.
func (c *core) runWorkflowTask(ctx context.Context, engine *workflow.Engine, w *workflow.Worker, script string) (any, error) {
	if w.URL != "" {
		if err := c.cdp.Send(ctx, w.TabID, "Page.navigate", &page.NavigateParams{URL: w.URL}, nil); err != nil {
			return nil, err
		}
		c.pool.NoteNavigation(w.TabID, w.URL)
	}
	if script == "" {
		return nil, nil
	}

	var evalResult struct {
		Result struct {
			Value any `json:"value"`
		} `json:"result"`
		ExceptionDetails *runtime.ExceptionDetails `json:"exceptionDetails,omitempty"`
	}
	params := &runtime.EvaluateParams{Expression: script, ReturnByValue: true, AwaitPromise: true}
	if err := c.cdp.Send(ctx, w.TabID, "Runtime.evaluate", params, &evalResult); err != nil {
		return nil, err
	}
	if evalResult.ExceptionDetails != nil {
		return nil, fmt.Errorf("workflow: evaluate %q: %s", w.ID, evalResult.ExceptionDetails.Text)
	}

	engine.OnWorkerUpdate(w.ID, evalResult.Result.Value)
	return evalResult.Result.Value, nil
}

func (c *core) CollectWorkflow(ctx context.Context, workflowID string) ([]workflow.WorkerResult, error) {
	engine, err := c.requireWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	return engine.Collect(ctx)
}

func (c *core) CollectWorkflowPartial(ctx context.Context, workflowID string, wait time.Duration) (workflow.PartialSnapshot, error) {
	engine, err := c.requireWorkflow(workflowID)
	if err != nil {
		return workflow.PartialSnapshot{}, err
	}
	return engine.CollectPartial(ctx, wait), nil
}

func (c *core) requireWorkflow(workflowID string) (*workflow.Engine, error) {
	c.workflowsMu.Lock()
	engine, ok := c.workflows[workflowID]
	c.workflowsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", coreerr.ErrTargetNotFound, workflowID)
	}
	return engine, nil
}

// Compile-time assertion that *cdp.Client satisfies the CDP interface
// this package depends on.
var _ CDP = (*cdp.Client)(nil)

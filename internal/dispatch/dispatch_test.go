package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"

	"github.com/shaun0927/browserparallel/internal/cdp"
	"github.com/shaun0927/browserparallel/internal/config"
	"github.com/shaun0927/browserparallel/internal/screenshot"
	"github.com/shaun0927/browserparallel/internal/session"
	"github.com/shaun0927/browserparallel/internal/workflow"
)

type fakeCDP struct {
	counter int64
	sent    []string
}

func (f *fakeCDP) CreatePage(ctx context.Context, opts cdp.CreatePageOptions) (target.ID, error) {
	id := atomic.AddInt64(&f.counter, 1)
	return target.ID(fmt.Sprintf("t-%d", id)), nil
}

func (f *fakeCDP) Send(ctx context.Context, id target.ID, method string, params any, result any) error {
	f.sent = append(f.sent, method)
	return nil
}

func (f *fakeCDP) OnTargetDestroyed(fn cdp.TargetDestroyedListener) {}

func (f *fakeCDP) CreateBrowserContext(ctx context.Context) (string, error) {
	id := atomic.AddInt64(&f.counter, 1)
	return fmt.Sprintf("ctx-%d", id), nil
}

func (f *fakeCDP) DisposeBrowserContext(ctx context.Context, id string) error { return nil }

type fakePool struct {
	counter  int64
	released []target.ID
	noted    map[target.ID]string
}

func (p *fakePool) Acquire(ctx context.Context) (target.ID, error) {
	id := atomic.AddInt64(&p.counter, 1)
	return target.ID(fmt.Sprintf("pool-%d", id)), nil
}

func (p *fakePool) AcquireBatch(ctx context.Context, n int) ([]target.ID, error) {
	ids := make([]target.ID, n)
	for i := range ids {
		id := atomic.AddInt64(&p.counter, 1)
		ids[i] = target.ID(fmt.Sprintf("pool-%d", id))
	}
	return ids, nil
}

func (p *fakePool) Release(id target.ID) { p.released = append(p.released, id) }

func (p *fakePool) NoteNavigation(id target.ID, rawURL string) {
	if p.noted == nil {
		p.noted = make(map[target.ID]string)
	}
	p.noted[id] = rawURL
}

func testCfg() config.Config {
	cfg := config.Default()
	cfg.MaxSessions = 10
	cfg.CommandTimeout = time.Second
	return cfg
}

func newSurface() (Surface, *fakeCDP, *fakePool, *session.Manager) {
	c := &fakeCDP{}
	pool := &fakePool{}
	sessions := session.New(testCfg(), c, context.Background())
	screens := screenshot.New(config.Default(), c)
	return New(c, sessions, screens, pool), c, pool, sessions
}

func TestGetPage_ResolvesRegisteredTab(t *testing.T) {
	surface, _, _, sessions := newSurface()
	s, err := sessions.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)
	tabID, err := sessions.CreateTarget(context.Background(), s.ID)
	require.NoError(t, err)

	page, err := surface.GetPage(context.Background(), s.ID, tabID, "")
	require.NoError(t, err)
	require.Equal(t, tabID, page.TabID)
	require.Empty(t, page.Backend)
}

func TestGetPage_RoutingHookSelectsBackend(t *testing.T) {
	surface, _, _, sessions := newSurface()
	sessions.SetRoutingHook(func(toolName string) (string, bool) {
		if toolName == "screenshot" {
			return "legacy-renderer", true
		}
		return "", false
	})

	s, err := sessions.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)
	tabID, err := sessions.CreateTarget(context.Background(), s.ID)
	require.NoError(t, err)

	page, err := surface.GetPage(context.Background(), s.ID, tabID, "screenshot")
	require.NoError(t, err)
	require.Equal(t, "legacy-renderer", page.Backend)

	page2, err := surface.GetPage(context.Background(), s.ID, tabID, "click")
	require.NoError(t, err)
	require.Empty(t, page2.Backend)
}

func TestAcquireAndReleasePoolPage(t *testing.T) {
	surface, _, pool, _ := newSurface()
	id, err := surface.AcquirePoolPage(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	surface.ReleasePoolPage(id)
	require.Equal(t, []target.ID{id}, pool.released)
}

func TestAcquirePoolBatch_ReturnsRequestedCount(t *testing.T) {
	surface, _, _, _ := newSurface()
	ids, err := surface.AcquirePoolBatch(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, ids, 4)
}

func TestWithSessionQueue_RunsOnSessionFIFO(t *testing.T) {
	surface, _, _, sessions := newSurface()
	s, err := sessions.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		err := surface.WithSessionQueue(context.Background(), s.ID, func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestSessionStats_ReflectsCreatedSessions(t *testing.T) {
	surface, _, _, sessions := newSurface()
	_, err := sessions.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)

	stats := surface.SessionStats()
	require.Equal(t, 1, stats.ActiveCount)
	require.Equal(t, 1, stats.TotalCreated)
}

func TestCloseTarget_SendsCloseCommand(t *testing.T) {
	surface, c, _, sessions := newSurface()
	s, err := sessions.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)
	tabID, err := sessions.CreateTarget(context.Background(), s.ID)
	require.NoError(t, err)

	require.NoError(t, surface.CloseTarget(context.Background(), s.ID, tabID))
	require.Contains(t, c.sent, "Target.closeTarget")
}

func TestCloseTarget_PrunesTabRecord(t *testing.T) {
	surface, _, _, sessions := newSurface()
	s, err := sessions.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)
	tabID, err := sessions.CreateTarget(context.Background(), s.ID)
	require.NoError(t, err)

	require.NoError(t, surface.CloseTarget(context.Background(), s.ID, tabID))

	_, _, err = sessions.GetPage(context.Background(), s.ID, tabID, "")
	require.Error(t, err)
}

func TestSend_NavigateNotesOriginOnPool(t *testing.T) {
	surface, _, pool, _ := newSurface()
	ctx := context.Background()

	id, err := surface.AcquirePoolPage(ctx)
	require.NoError(t, err)

	err = surface.Send(ctx, Page{TabID: id}, "Page.navigate", &page.NavigateParams{URL: "https://example.com/a"}, nil)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a", pool.noted[id])
}

func TestInitAndCollectWorkflow_RunsEveryJob(t *testing.T) {
	surface, _, _, _ := newSurface()
	ctx := context.Background()

	jobs := []WorkflowJob{
		{ID: "w1", URL: "https://example.com/1"},
		{ID: "w2", URL: "https://example.com/2"},
	}
	workflowID, ids, err := surface.InitWorkflow(ctx, "", jobs, workflow.Options{WorkerTimeout: time.Second, GlobalTimeout: time.Second})
	require.NoError(t, err)
	require.NotEmpty(t, workflowID)
	require.Equal(t, []string{"w1", "w2"}, ids)

	results, err := surface.CollectWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equal(t, workflow.StatusCompleted, r.Status)
	}
}

func TestCollectWorkflow_UnknownIDFails(t *testing.T) {
	surface, _, _, _ := newSurface()
	_, err := surface.CollectWorkflow(context.Background(), "missing")
	require.Error(t, err)
}

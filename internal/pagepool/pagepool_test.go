package pagepool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"

	"github.com/shaun0927/browserparallel/internal/cdp"
	"github.com/shaun0927/browserparallel/internal/config"
)

type sentCall struct {
	id     target.ID
	method string
	params any
}

type fakeCDP struct {
	mu       sync.Mutex
	counter  int64
	closed   map[target.ID]bool
	listener cdp.TargetDestroyedListener
	sent     []sentCall
}

func newFakeCDP() *fakeCDP { return &fakeCDP{closed: make(map[target.ID]bool)} }

func (f *fakeCDP) CreatePage(ctx context.Context, opts cdp.CreatePageOptions) (target.ID, error) {
	id := atomic.AddInt64(&f.counter, 1)
	return target.ID(fmt.Sprintf("t-%d", id)), nil
}

func (f *fakeCDP) Send(ctx context.Context, id target.ID, method string, params any, result any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentCall{id: id, method: method, params: params})
	if method == "Target.closeTarget" {
		f.closed[id] = true
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeCDP) callsFor(id target.ID, method string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, c := range f.sent {
		if c.id == id && c.method == method {
			out = append(out, c.params)
		}
	}
	return out
}

func (f *fakeCDP) OnTargetDestroyed(fn cdp.TargetDestroyedListener) { f.listener = fn }

func (f *fakeCDP) isClosed(id target.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[id]
}

func testCfg() config.Config {
	cfg := config.Default()
	cfg.MinPoolSize = 2
	cfg.MaxPoolSize = 5
	cfg.PreWarm = false
	cfg.MaintenanceInterval = time.Hour
	cfg.CommandTimeout = time.Second
	cfg.BatchConcurrency = 4
	return cfg
}

func TestAcquireRelease_NeverExceedsMaxPoolSize(t *testing.T) {
	fake := newFakeCDP()
	p := New(testCfg(), fake)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	ids := make([]target.ID, 0, 8)
	for i := 0; i < 8; i++ {
		id, err := p.Acquire(context.Background())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// Release one at a time, waiting for each page to leave the in-use
	// set before releasing the next. Release removes it from that set
	// synchronously; the cleanup that may return it to the available
	// list still runs in the background and re-checks capacity under
	// the pool lock.
	for i, id := range ids {
		p.Release(id)
		wantInUse := len(ids) - i - 1
		require.Eventually(t, func() bool {
			return p.Stats().InUse == wantInUse
		}, time.Second, time.Millisecond)
	}

	stats := p.Stats()
	require.LessOrEqual(t, stats.Available+stats.InUse, testCfg().MaxPoolSize)
}

func TestRelease_ClosesWhenRecyclingDisabled(t *testing.T) {
	fake := newFakeCDP()
	cfg := testCfg()
	cfg.MaxPoolSize = 0
	p := New(cfg, fake)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	id, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(id)

	require.Eventually(t, func() bool { return fake.isClosed(id) }, time.Second, time.Millisecond)
}

func TestAcquireBatch_CreatesRemainderConcurrently(t *testing.T) {
	fake := newFakeCDP()
	p := New(testCfg(), fake)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	ids, err := p.AcquireBatch(context.Background(), 6)
	require.NoError(t, err)
	require.Len(t, ids, 6)

	stats := p.Stats()
	require.Equal(t, 6, stats.InUse)
}

func TestNoteNavigation_ScopesStorageClearToLastOrigin(t *testing.T) {
	fake := newFakeCDP()
	p := New(testCfg(), fake)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	id, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.NoteNavigation(id, "https://example.com/path?x=1")
	p.Release(id)

	require.Eventually(t, func() bool {
		calls := fake.callsFor(id, "Storage.clearDataForOrigin")
		if len(calls) != 1 {
			return false
		}
		params, ok := calls[0].(*storage.ClearDataForOriginParams)
		return ok && params.Origin == "https://example.com"
	}, time.Second, time.Millisecond)
}

func TestNoteNavigation_IgnoresIDsNotCheckedOut(t *testing.T) {
	fake := newFakeCDP()
	p := New(testCfg(), fake)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	p.NoteNavigation(target.ID("not-in-use"), "https://example.com")
	require.Empty(t, fake.callsFor(target.ID("not-in-use"), "Storage.clearDataForOrigin"))
}

func TestForgetTarget_RemovesDestroyedTabFromBookkeeping(t *testing.T) {
	fake := newFakeCDP()
	p := New(testCfg(), fake)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown()

	id, err := p.Acquire(context.Background())
	require.NoError(t, err)

	fake.listener(id)

	stats := p.Stats()
	require.Equal(t, 0, stats.InUse)
}

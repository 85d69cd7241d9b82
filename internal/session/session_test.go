package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"

	"github.com/shaun0927/browserparallel/internal/cdp"
	"github.com/shaun0927/browserparallel/internal/config"
	"github.com/shaun0927/browserparallel/internal/coreerr"
)

type fakeCDP struct {
	counter  int64
	listener cdp.TargetDestroyedListener
}

func (f *fakeCDP) CreatePage(ctx context.Context, opts cdp.CreatePageOptions) (target.ID, error) {
	id := atomic.AddInt64(&f.counter, 1)
	return target.ID(fmt.Sprintf("t-%d", id)), nil
}

func (f *fakeCDP) Send(ctx context.Context, id target.ID, method string, params any, result any) error {
	return nil
}

func (f *fakeCDP) OnTargetDestroyed(fn cdp.TargetDestroyedListener) { f.listener = fn }

func (f *fakeCDP) CreateBrowserContext(ctx context.Context) (string, error) {
	id := atomic.AddInt64(&f.counter, 1)
	return fmt.Sprintf("ctx-%d", id), nil
}

func (f *fakeCDP) DisposeBrowserContext(ctx context.Context, id string) error { return nil }

func testCfg() config.Config {
	cfg := config.Default()
	cfg.MaxSessions = 2
	cfg.SessionTTL = 50 * time.Millisecond
	cfg.CleanupInterval = 10 * time.Millisecond
	cfg.CommandTimeout = time.Second
	return cfg
}

func TestGetOrCreateSession_GeneratesIDAndIsolatedContext(t *testing.T) {
	m := New(testCfg(), &fakeCDP{}, context.Background())
	s, err := m.GetOrCreateSession(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	require.NotEmpty(t, s.BrowserContextID)
}

func TestGetOrCreateSession_ReturnsExistingForSameID(t *testing.T) {
	m := New(testCfg(), &fakeCDP{}, context.Background())
	s1, err := m.GetOrCreateSession(context.Background(), "fixed")
	require.NoError(t, err)
	s2, err := m.GetOrCreateSession(context.Background(), "fixed")
	require.NoError(t, err)
	require.Same(t, s1, s2)
}

func TestSessionLimit_ReclaimsBeforeFailing(t *testing.T) {
	m := New(testCfg(), &fakeCDP{}, context.Background())
	_, err := m.GetOrCreateSession(context.Background(), "a")
	require.NoError(t, err)
	_, err = m.GetOrCreateSession(context.Background(), "b")
	require.NoError(t, err)

	time.Sleep(testCfg().SessionTTL + 20*time.Millisecond)

	// both sessions are now idle past TTL; creating a third should
	// reclaim inactive sessions instead of immediately failing.
	_, err = m.GetOrCreateSession(context.Background(), "c")
	require.NoError(t, err)
}

func TestSessionLimit_FailsWhenNoneReclaimable(t *testing.T) {
	m := New(testCfg(), &fakeCDP{}, context.Background())
	_, err := m.GetOrCreateSession(context.Background(), "a")
	require.NoError(t, err)
	_, err = m.GetOrCreateSession(context.Background(), "b")
	require.NoError(t, err)

	_, err = m.GetOrCreateSession(context.Background(), "c")
	require.ErrorIs(t, err, coreerr.ErrSessionLimit)
}

func TestCreateTarget_RegistersTabRecord(t *testing.T) {
	m := New(testCfg(), &fakeCDP{}, context.Background())
	s, err := m.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)

	tabID, err := m.CreateTarget(context.Background(), s.ID)
	require.NoError(t, err)

	_, _, err = m.GetPage(context.Background(), s.ID, tabID, "")
	require.NoError(t, err)
}

func TestDelete_RemovesSession(t *testing.T) {
	m := New(testCfg(), &fakeCDP{}, context.Background())
	s, err := m.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NoError(t, m.Delete(s.ID))

	_, err = m.GetPage(context.Background(), s.ID, "t-1", "")
	require.Error(t, err)
}

func TestForgetTab_PrunesTabRecordOnTargetDestroyed(t *testing.T) {
	fake := &fakeCDP{}
	m := New(testCfg(), fake, context.Background())
	s, err := m.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)

	tabID, err := m.CreateTarget(context.Background(), s.ID)
	require.NoError(t, err)

	fake.listener(tabID)

	_, err = m.GetPage(context.Background(), s.ID, tabID, "")
	require.Error(t, err)
}

func TestForgetTab_IgnoresUnknownTarget(t *testing.T) {
	fake := &fakeCDP{}
	m := New(testCfg(), fake, context.Background())
	_, err := m.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)

	require.NotPanics(t, func() { fake.listener(target.ID("never-created")) })
}

func TestCloseTab_PrunesTabRecordImmediately(t *testing.T) {
	fake := &fakeCDP{}
	m := New(testCfg(), fake, context.Background())
	s, err := m.GetOrCreateSession(context.Background(), "sess-1")
	require.NoError(t, err)

	tabID, err := m.CreateTarget(context.Background(), s.ID)
	require.NoError(t, err)

	require.NoError(t, m.CloseTab(s.ID, tabID))

	_, err = m.GetPage(context.Background(), s.ID, tabID, "")
	require.Error(t, err)

	// A target-destroyed event arriving afterwards for the same tab
	// must be a no-op, not a panic on an already-removed tabOwner entry.
	require.NotPanics(t, func() { fake.listener(tabID) })
}

// Package pagepool pre-allocates and recycles browser tabs so
// parallel workflows don't pay tab-creation latency on every acquire
// (spec.md §4.4).
package pagepool

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shaun0927/browserparallel/internal/cdp"
	"github.com/shaun0927/browserparallel/internal/config"
	"github.com/shaun0927/browserparallel/internal/corelog"
)

// CDP narrows the client surface this package depends on.
type CDP interface {
	CreatePage(ctx context.Context, opts cdp.CreatePageOptions) (target.ID, error)
	Send(ctx context.Context, id target.ID, method string, params any, result any) error
	OnTargetDestroyed(fn cdp.TargetDestroyedListener)
}

type entry struct {
	id         target.ID
	lastOrigin string
	releasedAt time.Time
	acquiredAt time.Time
}

// Stats reports the pool's current counters (spec.md §4.4 invariant
// list).
type Stats struct {
	Available    int
	InUse        int
	TotalCreated int
	Reused       int
	OnDemand     int
}

// Pool manages a set of pre-warmed tabs in the default browser
// context.
type Pool struct {
	cfg config.Config
	cdp CDP
	log *logrus.Entry

	mu        sync.Mutex
	available []*entry
	inUse     map[target.ID]*entry
	suppress  bool // replenishment suppression, set during acquire-batch

	totalCreated int
	reused       int
	onDemand     int

	maintCancel context.CancelFunc
	maintDone   chan struct{}
}

// New builds a Pool. Call Start to pre-warm and begin maintenance.
func New(cfg config.Config, client CDP) *Pool {
	return &Pool{
		cfg:   cfg,
		cdp:   client,
		log:   corelog.For("pagepool"),
		inUse: make(map[target.ID]*entry),
	}
}

// Start pre-warms the pool to MinPoolSize (if PreWarm is enabled) and
// begins the periodic idle-eviction sweep.
func (p *Pool) Start(ctx context.Context) error {
	p.cdp.OnTargetDestroyed(p.forgetTarget)

	if p.cfg.PreWarm {
		if err := p.replenish(ctx, p.cfg.MinPoolSize); err != nil {
			return err
		}
	}

	maintCtx, cancel := context.WithCancel(ctx)
	p.maintCancel = cancel
	p.maintDone = make(chan struct{})
	go p.maintenanceLoop(maintCtx)
	return nil
}

func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer close(p.maintDone)
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// forgetTarget removes a tab from the pool's bookkeeping without
// attempting to close it again, since Chrome itself just did.
func (p *Pool) forgetTarget(id target.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, id)
	kept := p.available[:0]
	for _, e := range p.available {
		if e.id != id {
			kept = append(kept, e)
		}
	}
	p.available = kept
}

// NoteNavigation records the origin a checked-out page just navigated
// to, so a later Release knows which origin's storage resetPage must
// scope Storage.clearDataForOrigin to. Ids the pool isn't currently
// tracking as in-use are ignored.
func (p *Pool) NoteNavigation(id target.ID, rawURL string) {
	origin := pageOrigin(rawURL)
	if origin == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.inUse[id]; ok {
		e.lastOrigin = origin
	}
}

func pageOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	keep := make([]*entry, 0, len(p.available))
	var evict []*entry
	for _, e := range p.available {
		if len(keep)+len(p.inUse) < p.cfg.MinPoolSize {
			keep = append(keep, e)
			continue
		}
		if time.Since(e.releasedAt) > p.cfg.PageIdleTimeout {
			evict = append(evict, e)
			continue
		}
		keep = append(keep, e)
	}
	p.available = keep
	p.mu.Unlock()

	for _, e := range evict {
		p.closeQuietly(e.id)
	}
}

// Acquire returns a pooled page if one is available, else creates one
// on demand. Unless replenishment suppression is active, a
// replenishment to MinPoolSize is scheduled asynchronously.
func (p *Pool) Acquire(ctx context.Context) (target.ID, error) {
	p.mu.Lock()
	if n := len(p.available); n > 0 {
		e := p.available[n-1]
		p.available = p.available[:n-1]
		e.acquiredAt = time.Now()
		p.inUse[e.id] = e
		p.reused++
		suppress := p.suppress
		p.mu.Unlock()
		if !suppress {
			go p.replenishAsync()
		}
		return e.id, nil
	}
	suppress := p.suppress
	p.mu.Unlock()

	id, err := p.createOne(ctx)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.onDemand++
	p.mu.Unlock()
	if !suppress {
		go p.replenishAsync()
	}
	return id, nil
}

// AcquireBatch takes up to n pages from the pool and creates the rest
// concurrently, bounded by BatchConcurrency. It suppresses
// replenishment for the duration (so the inner single-page creates
// don't each trigger it) and does not replenish afterward — the
// caller is expected to release pages back when done.
func (p *Pool) AcquireBatch(ctx context.Context, n int) ([]target.ID, error) {
	p.mu.Lock()
	p.suppress = true
	take := n
	if take > len(p.available) {
		take = len(p.available)
	}
	taken := p.available[len(p.available)-take:]
	p.available = p.available[:len(p.available)-take]
	for _, e := range taken {
		e.acquiredAt = time.Now()
		p.inUse[e.id] = e
	}
	p.reused += len(taken)
	remaining := n - take
	p.mu.Unlock()

	result := make([]target.ID, 0, n)
	for _, e := range taken {
		result = append(result, e.id)
	}

	if remaining > 0 {
		created, err := p.createConcurrently(ctx, remaining)
		if err != nil {
			p.mu.Lock()
			p.suppress = false
			p.mu.Unlock()
			for _, id := range result {
				p.closeQuietly(id)
			}
			return nil, err
		}
		p.mu.Lock()
		p.onDemand += len(created)
		for _, id := range created {
			p.inUse[id] = &entry{id: id, acquiredAt: time.Now()}
		}
		p.mu.Unlock()
		result = append(result, created...)
	}

	p.mu.Lock()
	p.suppress = false
	p.mu.Unlock()

	return result, nil
}

func (p *Pool) createConcurrently(ctx context.Context, n int) ([]target.ID, error) {
	limit := p.cfg.BatchConcurrency
	if limit <= 0 {
		limit = n
	}
	ids := make([]target.ID, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			id, err := p.createOne(gctx)
			if err != nil {
				return err
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *Pool) createOne(ctx context.Context) (target.ID, error) {
	id, err := p.cdp.CreatePage(ctx, cdp.CreatePageOptions{})
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.totalCreated++
	p.mu.Unlock()
	return id, nil
}

// Release returns a page to the pool, or closes it immediately if the
// pool is at capacity. Cleanup (navigate blank, clear cookies, clear
// origin storage) runs asynchronously; any failure closes the page
// instead of returning it to the available list.
func (p *Pool) Release(id target.ID) {
	p.mu.Lock()
	e, ok := p.inUse[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, id)

	atCapacity := p.cfg.MaxPoolSize > 0 && len(p.available)+len(p.inUse) >= p.cfg.MaxPoolSize
	p.mu.Unlock()

	if p.cfg.MaxPoolSize == 0 || atCapacity {
		p.closeQuietly(id)
		return
	}

	go p.cleanupAndReturn(e)
}

func (p *Pool) cleanupAndReturn(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CommandTimeout)
	defer cancel()

	if err := p.resetPage(ctx, e); err != nil {
		p.log.WithError(err).WithField("target_id", e.id).Warn("page cleanup failed; closing instead of recycling")
		p.closeQuietly(e.id)
		return
	}

	p.mu.Lock()
	atCapacity := p.cfg.MaxPoolSize > 0 && len(p.available)+len(p.inUse) >= p.cfg.MaxPoolSize
	if atCapacity {
		p.mu.Unlock()
		p.closeQuietly(e.id)
		return
	}
	e.releasedAt = time.Now()
	p.available = append(p.available, e)
	p.mu.Unlock()
}

// resetPage navigates to blank, clears cookies, and clears any
// per-origin storage observed before blanking. It never issues a
// wildcard Storage.clearDataForOrigin — that call is a documented
// no-op and must not be relied on.
func (p *Pool) resetPage(ctx context.Context, e *entry) error {
	origin := e.lastOrigin

	if err := p.cdp.Send(ctx, e.id, "Page.navigate", &page.NavigateParams{URL: "about:blank"}, nil); err != nil {
		return err
	}
	if err := p.cdp.Send(ctx, e.id, "Network.clearBrowserCookies", nil, nil); err != nil {
		return err
	}
	if origin != "" {
		params := &storage.ClearDataForOriginParams{Origin: origin, StorageTypes: "all"}
		if err := p.cdp.Send(ctx, e.id, "Storage.clearDataForOrigin", params, nil); err != nil {
			return err
		}
	}
	e.lastOrigin = ""
	return nil
}

func (p *Pool) closeQuietly(id target.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CommandTimeout)
	defer cancel()
	if err := p.cdp.Send(ctx, id, "Target.closeTarget", &target.CloseTargetParams{TargetID: id}, nil); err != nil {
		p.log.WithError(err).WithField("target_id", id).Debug("close target failed")
	}
}

func (p *Pool) replenishAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.MaintenanceInterval)
	defer cancel()
	p.mu.Lock()
	current := len(p.available) + len(p.inUse)
	need := p.cfg.MinPoolSize - current
	p.mu.Unlock()
	if need > 0 {
		_ = p.replenish(ctx, need)
	}
}

func (p *Pool) replenish(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	ids, err := p.createConcurrently(ctx, n)
	if err != nil {
		return err
	}
	p.mu.Lock()
	for _, id := range ids {
		p.available = append(p.available, &entry{id: id, releasedAt: time.Now()})
	}
	p.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available:    len(p.available),
		InUse:        len(p.inUse),
		TotalCreated: p.totalCreated,
		Reused:       p.reused,
		OnDemand:     p.onDemand,
	}
}

// Shutdown closes every page, available and in-use, and stops
// maintenance.
func (p *Pool) Shutdown() {
	if p.maintCancel != nil {
		p.maintCancel()
		<-p.maintDone
	}

	p.mu.Lock()
	all := append([]*entry(nil), p.available...)
	for _, e := range p.inUse {
		all = append(all, e)
	}
	p.available = nil
	p.inUse = make(map[target.ID]*entry)
	p.mu.Unlock()

	for _, e := range all {
		p.closeQuietly(e.id)
	}
}

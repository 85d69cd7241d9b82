// Package session implements session lifecycle management (spec.md
// §4.6): per-session isolated browser context, tab registry, TTL
// expiry, and session-limit enforcement.
package session

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shaun0927/browserparallel/internal/cdp"
	"github.com/shaun0927/browserparallel/internal/config"
	"github.com/shaun0927/browserparallel/internal/coreerr"
	"github.com/shaun0927/browserparallel/internal/corelog"
	"github.com/shaun0927/browserparallel/internal/queue"
)

// CDP narrows the client surface session needs.
type CDP interface {
	CreatePage(ctx context.Context, opts cdp.CreatePageOptions) (target.ID, error)
	Send(ctx context.Context, id target.ID, method string, params any, result any) error
	OnTargetDestroyed(fn cdp.TargetDestroyedListener)
	CreateBrowserContext(ctx context.Context) (string, error)
	DisposeBrowserContext(ctx context.Context, id string) error
}

// TabRecord holds the CDP target identifier, its viewport, and its
// creation time (spec.md §3 "Tab record"). The owning session is not
// stored here; the Manager's tabOwner index maps each target to it.
type TabRecord struct {
	TargetID  target.ID
	Width     int
	Height    int
	CreatedAt time.Time
}

// Session is the unit spec.md §3 describes: creation/last-activity
// timestamps, optional isolated browser context, and tab set. Its FIFO
// queue is held by the Manager's queue.Manager, keyed by session id.
// A Session holds no workflow reference; the dispatch surface keeps
// workflows keyed by workflow id.
type Session struct {
	ID               string
	BrowserContextID string
	CreatedAt        time.Time

	mu           sync.Mutex
	lastActivity time.Time
	tabs         map[target.ID]*TabRecord
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// RoutingHook is the spec.md §4.8 dependency-inversion seam: given a
// tool name, it may decide a call belongs to a secondary backend
// instead of the CDP one. Returning ok=false falls through to the
// default CDP-backed path.
type RoutingHook func(toolName string) (backend string, ok bool)

// Stats mirrors spec.md §4.6's "stats" operation.
type Stats struct {
	ActiveCount  int
	TotalCreated int
	TotalCleaned int
	UptimeMS     int64
	MemAllocMB   float64
}

// Manager owns every live Session.
type Manager struct {
	cfg config.Config
	cdp CDP
	log *logrus.Entry

	queues *queue.Manager
	router RoutingHook

	startedAt time.Time

	mu           sync.Mutex
	sessions     map[string]*Session
	tabOwner     map[target.ID]string
	totalCreated int
	totalCleaned int

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// New builds a session Manager and subscribes it to target-destroyed
// events so a tab closed out of band (crashed, closed by the page
// itself, etc.) is still pruned from its owning session's tab
// registry (spec.md §9: "treat the target-destroyed channel as the
// sole source of truth for deletion"). Call StartAutoCleanup to begin
// the periodic idle sweep.
func New(cfg config.Config, cdp CDP, parent context.Context) *Manager {
	m := &Manager{
		cfg:       cfg,
		cdp:       cdp,
		log:       corelog.For("session-manager"),
		queues:    queue.NewManager(parent),
		startedAt: time.Now(),
		sessions:  make(map[string]*Session),
		tabOwner:  make(map[target.ID]string),
	}
	m.cdp.OnTargetDestroyed(m.forgetTab)
	return m
}

// forgetTab removes id from whichever session owns it. It is the
// target-destroyed listener and the only path that must work for tabs
// closed outside an explicit CloseTab call.
func (m *Manager) forgetTab(id target.ID) {
	m.mu.Lock()
	sessionID, ok := m.tabOwner[id]
	if ok {
		delete(m.tabOwner, id)
	}
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok || s == nil {
		return
	}
	s.mu.Lock()
	delete(s.tabs, id)
	s.mu.Unlock()
}

// CloseTab removes tabId from sessionId's registry immediately,
// independent of the target-destroyed event which may arrive later
// (or, for a tab closed by a command this call itself issues, is
// exactly what triggers it).
func (m *Manager) CloseTab(sessionID string, tabID target.ID) error {
	s, err := m.requireSession(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.tabs, tabID)
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.tabOwner, tabID)
	m.mu.Unlock()
	return nil
}

// SetRoutingHook installs the optional routing hook. Passing nil
// restores the default (CDP-only) behavior.
func (m *Manager) SetRoutingHook(hook RoutingHook) {
	m.mu.Lock()
	m.router = hook
	m.mu.Unlock()
}

// GetOrCreateSession returns the session for id, creating it (with a
// generated id if empty) if it does not exist. Enforces MaxSessions:
// on reaching the limit it first tries reclaiming inactive sessions,
// and only then fails.
func (m *Manager) GetOrCreateSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if id != "" {
		if s, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			s.touch()
			return s, nil
		}
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if active >= m.cfg.MaxSessions {
		m.CleanupInactive(m.cfg.SessionTTL)
		m.mu.Lock()
		active = len(m.sessions)
		m.mu.Unlock()
		if active >= m.cfg.MaxSessions {
			return nil, coreerr.ErrSessionLimit
		}
	}

	if id == "" {
		id = uuid.NewString()
	}

	browserContextID, err := m.cdp.CreateBrowserContext(ctx)
	if err != nil {
		m.log.WithError(err).Warn("failed to create isolated browser context; session will use the default context")
	}

	s := &Session{
		ID:               id,
		BrowserContextID: browserContextID,
		CreatedAt:        time.Now(),
		lastActivity:     time.Now(),
		tabs:             make(map[target.ID]*TabRecord),
	}

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		existing.touch()
		return existing, nil
	}
	m.sessions[id] = s
	m.totalCreated++
	m.mu.Unlock()

	m.log.WithField("session_id", id).Info("session created")
	return s, nil
}

// CreateTarget opens a new tab inside sessionId's context.
func (m *Manager) CreateTarget(ctx context.Context, sessionID string) (target.ID, error) {
	s, err := m.requireSession(sessionID)
	if err != nil {
		return "", err
	}
	s.touch()

	id, err := m.cdp.CreatePage(ctx, cdp.CreatePageOptions{BrowserContextID: s.BrowserContextID})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.tabs[id] = &TabRecord{TargetID: id, Width: cdp.DefaultViewportWidth, Height: cdp.DefaultViewportHeight, CreatedAt: time.Now()}
	s.mu.Unlock()

	m.mu.Lock()
	m.tabOwner[id] = sessionID
	m.mu.Unlock()

	return id, nil
}

// GetPage resolves sessionId/tabId to a live CDP target, honoring an
// installed routing hook for toolName (spec.md §4.6/§4.8). When no
// hook is installed, or the hook declines, this returns the plain CDP
// target id.
func (m *Manager) GetPage(ctx context.Context, sessionID string, tabID target.ID, toolName string) (target.ID, string, error) {
	s, err := m.requireSession(sessionID)
	if err != nil {
		return "", "", err
	}
	s.touch()

	s.mu.Lock()
	_, ok := s.tabs[tabID]
	s.mu.Unlock()
	if !ok {
		return "", "", coreerr.ErrTargetNotFound
	}

	m.mu.Lock()
	hook := m.router
	m.mu.Unlock()
	if hook != nil && toolName != "" {
		if backend, ok := hook(toolName); ok {
			return tabID, backend, nil
		}
	}
	return tabID, "", nil
}

// Touch updates sessionId's last-activity timestamp.
func (m *Manager) Touch(sessionID string) error {
	s, err := m.requireSession(sessionID)
	if err != nil {
		return err
	}
	s.touch()
	return nil
}

// QueueFor returns the FIFO queue for sessionId, used by
// withSessionQueue in the dispatch surface.
func (m *Manager) QueueFor(sessionID string) *queue.Queue {
	return m.queues.For(sessionID)
}

// CleanupInactive deletes sessions idle beyond maxIdle and returns
// their ids.
func (m *Manager) CleanupInactive(maxIdle time.Duration) []string {
	m.mu.Lock()
	var victims []string
	for id, s := range m.sessions {
		if s.idleSince() > maxIdle {
			victims = append(victims, id)
		}
	}
	m.mu.Unlock()

	for _, id := range victims {
		_ = m.Delete(id)
	}
	return victims
}

// CleanupAll deletes every session.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Delete(id)
	}
}

// Delete clears sessionId's queue, closes all its pages, and removes
// it.
func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return coreerr.ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	m.totalCleaned++
	m.mu.Unlock()

	m.queues.Remove(sessionID)

	s.mu.Lock()
	tabs := make([]target.ID, 0, len(s.tabs))
	for id := range s.tabs {
		tabs = append(tabs, id)
	}
	s.mu.Unlock()

	m.mu.Lock()
	for _, id := range tabs {
		delete(m.tabOwner, id)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()
	for _, id := range tabs {
		if err := m.cdp.Send(ctx, id, "Target.closeTarget", &target.CloseTargetParams{TargetID: id}, nil); err != nil {
			m.log.WithError(err).WithField("target_id", id).Debug("close target on session delete failed")
		}
	}

	if s.BrowserContextID != "" {
		if err := m.cdp.DisposeBrowserContext(ctx, s.BrowserContextID); err != nil {
			m.log.WithError(err).WithField("session_id", sessionID).Debug("dispose browser context failed")
		}
	}

	m.log.WithField("session_id", sessionID).Info("session deleted")
	return nil
}

// Stats reports spec.md §4.6's session-manager stats.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	active := len(m.sessions)
	created := m.totalCreated
	cleaned := m.totalCleaned
	m.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Stats{
		ActiveCount:  active,
		TotalCreated: created,
		TotalCleaned: cleaned,
		UptimeMS:     time.Since(m.startedAt).Milliseconds(),
		MemAllocMB:   float64(memStats.Alloc) / (1024 * 1024),
	}
}

// StartAutoCleanup begins the periodic cleanup-inactive sweep at
// cfg.CleanupInterval.
func (m *Manager) StartAutoCleanup(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cleanupCancel = cancel
	m.cleanupDone = make(chan struct{})
	go func() {
		defer close(m.cleanupDone)
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ids := m.CleanupInactive(m.cfg.SessionTTL); len(ids) > 0 {
					m.log.WithField("count", len(ids)).Info("auto-cleanup removed inactive sessions")
				}
			}
		}
	}()
}

// StopAutoCleanup stops the periodic sweep started by
// StartAutoCleanup, if running.
func (m *Manager) StopAutoCleanup() {
	if m.cleanupCancel != nil {
		m.cleanupCancel()
		<-m.cleanupDone
	}
}

func (m *Manager) requireSession(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", coreerr.ErrSessionNotFound, id)
	}
	return s, nil
}

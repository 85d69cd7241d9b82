// Package cdp implements the core's single owning connection to the
// browser (spec.md §4.1): connect/force-reconnect coalescing,
// attach/detach sub-session multiplexing, command dispatch, active
// heartbeating, and page creation with cookie bridging.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/shaun0927/browserparallel/internal/config"
	"github.com/shaun0927/browserparallel/internal/corelog"
	"github.com/shaun0927/browserparallel/internal/coreerr"
)

// State is the connection state machine defined in spec.md §3/§4.1.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ConnectionEvent is emitted to subscribers on every state transition
// of interest (spec.md §4.1's {connected, disconnected, reconnecting,
// reconnect-failed} set).
type ConnectionEvent string

const (
	EventConnected       ConnectionEvent = "connected"
	EventDisconnected    ConnectionEvent = "disconnected"
	EventReconnecting    ConnectionEvent = "reconnecting"
	EventReconnectFailed ConnectionEvent = "reconnect_failed"
)

// ConnectionListener observes connection state transitions. Per
// spec.md §9, listener errors (panics) are caught and logged, never
// propagated to the emitter.
type ConnectionListener func(ConnectionEvent)

// TargetDestroyedListener observes target-destroyed events — the sole
// source of truth for tab-record pruning across the core.
type TargetDestroyedListener func(target.ID)

// EndpointResolver discovers the browser's WebSocket debug endpoint.
// Implemented by internal/launcher.Launcher; narrowed to an interface
// here so this package does not import the launcher's process-spawning
// concerns.
type EndpointResolver interface {
	Endpoint(ctx context.Context) (string, error)
}

type pendingCall struct {
	result chan wireMessage
}

// Client owns exactly one WebSocket to the browser. All mutable state
// is confined to methods that take c.mu, matching spec.md §5's
// single-writer discipline — there is no lock-free path.
type Client struct {
	cfg      config.Config
	log      *logrus.Entry
	dial     dialer
	resolver EndpointResolver

	mu           sync.Mutex
	state        State
	wsURL        string
	lastVerified time.Time
	conn         socket
	readDone     chan struct{}

	nextID  int64
	pending map[int64]*pendingCall

	// sessions maps an attached target to its CDP sub-session id.
	// Mutated only by this client; readers get snapshots.
	sessions map[target.ID]target.SessionID
	// sessionTargets is the reverse index, used to resolve incoming
	// sub-session-scoped events back to a target id.
	sessionTargets map[target.SessionID]target.ID

	connectGroup singleflight.Group

	listeners        []ConnectionListener
	targetDestroyedL []TargetDestroyedListener

	cookies *cookieBridge

	reconnectAttempts int32
	heartbeatCancel   context.CancelFunc
}

// New creates a Client bound to the given endpoint resolver (normally
// an *launcher.Launcher). The client does not connect until Connect is
// called.
func New(cfg config.Config, resolver EndpointResolver) *Client {
	c := &Client{
		cfg:            cfg,
		log:            corelog.For("cdp-client"),
		dial:           gorillaDialer{},
		resolver:       resolver,
		state:          StateDisconnected,
		pending:        make(map[int64]*pendingCall),
		sessions:       make(map[target.ID]target.SessionID),
		sessionTargets: make(map[target.SessionID]target.ID),
	}
	c.cookies = newCookieBridge(cfg, c)
	return c
}

// OnConnectionEvent registers a listener for connection state changes.
func (c *Client) OnConnectionEvent(l ConnectionListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// OnTargetDestroyed registers a listener invoked whenever Chrome
// reports a target has gone away. This is the only path by which the
// session manager and page pool learn a tab died asynchronously.
func (c *Client) OnTargetDestroyed(l TargetDestroyedListener) {
	c.mu.Lock()
	c.targetDestroyedL = append(c.targetDestroyedL, l)
	c.mu.Unlock()
}

func (c *Client) emit(ev ConnectionEvent) {
	c.mu.Lock()
	ls := append([]ConnectionListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		safeCall(func() { l(ev) }, c.log)
	}
}

func (c *Client) emitTargetDestroyed(id target.ID) {
	c.mu.Lock()
	ls := append([]TargetDestroyedListener(nil), c.targetDestroyedL...)
	c.mu.Unlock()
	for _, l := range ls {
		safeCall(func() { l(id) }, c.log)
	}
}

func safeCall(fn func(), log *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Warn("connection listener panicked; ignoring")
		}
	}()
	fn()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes (or verifies) the connection. Concurrent callers
// coalesce onto the same underlying attach attempt (spec.md §4.1,
// §8 "Connect coalescing").
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.lastVerified) < c.cfg.ConnectReuseWindow && c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	v, err, _ := c.connectGroup.Do("connect", func() (any, error) {
		return nil, c.connectOnce(ctx)
	})
	_ = v
	return err
}

func (c *Client) connectOnce(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.mu.Lock()
	c.state = StateConnecting
	wasConnected := c.conn != nil
	c.mu.Unlock()

	if !wasConnected {
		if err := c.dialFresh(connectCtx); err != nil {
			c.setDisconnected()
			return coreerr.Wrap(coreerr.KindConnectTimeout, "connect timed out", err)
		}
	} else if err := c.probe(connectCtx); err != nil {
		return c.forceReconnectLocked(ctx)
	}

	c.mu.Lock()
	c.state = StateConnected
	c.lastVerified = time.Now()
	c.mu.Unlock()

	c.emit(EventConnected)
	return nil
}

// dialFresh opens the WebSocket, starts the read loop, and attaches to
// the browser-level target so Target.* commands can be issued.
func (c *Client) dialFresh(ctx context.Context) error {
	wsURL, err := c.resolver.Endpoint(ctx)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	conn, err := c.dial.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.wsURL = wsURL
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn, c.readDone)

	return c.probe(ctx)
}

// probe issues a lightweight Browser.getVersion to confirm liveness,
// bounded by ProbeTimeout (spec.md §4.1).
func (c *Client) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	var result browser.GetVersionReturns
	return c.sendLocked(probeCtx, "", "Browser.getVersion", nil, &result)
}

// ForceReconnect invalidates all connection-scoped state and
// re-establishes the socket from scratch (spec.md §4.1, §8 "Reconnect
// clears state").
func (c *Client) ForceReconnect(ctx context.Context) error {
	return c.forceReconnectLocked(ctx)
}

func (c *Client) forceReconnectLocked(ctx context.Context) error {
	c.emit(EventReconnecting)

	c.mu.Lock()
	c.state = StateReconnecting
	oldConn := c.conn
	c.conn = nil
	c.sessions = make(map[target.ID]target.SessionID)
	c.sessionTargets = make(map[target.SessionID]target.ID)
	c.lastVerified = time.Time{}
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	c.cookies.invalidateAll()

	for _, p := range pending {
		close(p.result)
	}
	if oldConn != nil {
		_ = oldConn.Close()
	}

	attempts := atomic.AddInt32(&c.reconnectAttempts, 1)
	if int(attempts) > c.cfg.MaxReconnectAttempts {
		c.emit(EventReconnectFailed)
		return coreerr.New(coreerr.KindReconnectFailed, "max reconnection attempts exceeded")
	}

	if err := c.dialFresh(ctx); err != nil {
		c.setDisconnected()
		return coreerr.Wrap(coreerr.KindReconnectFailed, "reconnect attempt failed", err)
	}

	atomic.StoreInt32(&c.reconnectAttempts, 0)
	c.mu.Lock()
	c.state = StateConnected
	c.lastVerified = time.Now()
	c.mu.Unlock()
	c.emit(EventConnected)
	return nil
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.emit(EventDisconnected)
}

// AttachToTarget multiplexes a new sub-session over the single
// WebSocket for the given target (spec.md §4.1).
func (c *Client) AttachToTarget(ctx context.Context, id target.ID) (target.SessionID, error) {
	c.mu.Lock()
	if sid, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		return sid, nil
	}
	c.mu.Unlock()

	var ret target.AttachToTargetReturns
	params := &target.AttachToTargetParams{TargetID: id, Flatten: true}
	if err := c.Send(ctx, "", "Target.attachToTarget", params, &ret); err != nil {
		return "", coreerr.Command("Target.attachToTarget", err)
	}

	c.mu.Lock()
	c.sessions[id] = ret.SessionID
	c.sessionTargets[ret.SessionID] = id
	c.mu.Unlock()
	return ret.SessionID, nil
}

// DetachFromTarget tears down a sub-session.
func (c *Client) DetachFromTarget(ctx context.Context, id target.ID) error {
	c.mu.Lock()
	sid, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
		delete(c.sessionTargets, sid)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	params := &target.DetachFromTargetParams{SessionID: sid}
	if err := c.Send(ctx, "", "Target.detachFromTarget", params, nil); err != nil {
		return coreerr.Command("Target.detachFromTarget", err)
	}
	return nil
}

// Send dispatches a CDP command on the target's sub-session (or the
// browser-level session when id is empty, e.g. Target.* commands).
func (c *Client) Send(ctx context.Context, id target.ID, method string, params any, result any) error {
	c.mu.Lock()
	sid := ""
	if id != "" {
		sid = string(c.sessions[id])
	}
	c.mu.Unlock()
	return c.sendLocked(ctx, sid, method, params, result)
}

func (c *Client) sendLocked(ctx context.Context, sessionID string, method string, params any, result any) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return coreerr.ErrNotConnected
	}
	conn := c.conn
	c.nextID++
	id := c.nextID
	call := &pendingCall{result: make(chan wireMessage, 1)}
	c.pending[id] = call
	c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			c.dropPending(id)
			return fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}

	msg := wireMessage{ID: id, SessionID: sessionID, Method: method, Params: raw}
	timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	writeErrCh := make(chan error, 1)
	go func() { writeErrCh <- conn.WriteJSON(msg) }()

	select {
	case err := <-writeErrCh:
		if err != nil {
			c.dropPending(id)
			return coreerr.Command(method, err)
		}
	case <-timeoutCtx.Done():
		c.dropPending(id)
		return coreerr.Command(method, timeoutCtx.Err())
	}

	select {
	case resp, ok := <-call.result:
		if !ok {
			return coreerr.ErrQueueCleared
		}
		if resp.Error != nil {
			return coreerr.Command(method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	case <-timeoutCtx.Done():
		c.dropPending(id)
		return coreerr.Command(method, timeoutCtx.Err())
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop is the single reader goroutine for the socket. It routes
// command responses by id and events by sub-session, removing answered
// calls from c.pending and destroyed targets from c.sessions under
// c.mu; other methods of the client also write both maps under c.mu.
func (c *Client) readLoop(conn socket, done chan struct{}) {
	defer close(done)
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.log.WithError(err).Warn("cdp read loop terminated")
			c.setDisconnected()
			return
		}

		if msg.ID != 0 {
			c.mu.Lock()
			call, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				call.result <- msg
			}
			continue
		}

		c.dispatchEvent(msg)
	}
}

func (c *Client) dispatchEvent(msg wireMessage) {
	if msg.Method == "Target.targetDestroyed" {
		var ev target.EventTargetDestroyed
		if err := json.Unmarshal(msg.Params, &ev); err == nil {
			c.mu.Lock()
			if sid, ok := c.sessions[ev.TargetID]; ok {
				delete(c.sessions, ev.TargetID)
				delete(c.sessionTargets, sid)
			}
			c.mu.Unlock()
			c.cookies.purgeTarget(ev.TargetID)
			c.emitTargetDestroyed(ev.TargetID)
		}
	}
}

// StartHeartbeat starts the periodic active probe described in spec.md
// §4.1. Call the returned cancel func to end it.
// StartHeartbeat retries every tick with no backoff; acceptable since
// ForceReconnect's own MaxReconnectAttempts caps runaway retries.
func (c *Client) StartHeartbeat(ctx context.Context) context.CancelFunc {
	hbCtx, cancel := context.WithCancel(ctx)
	c.heartbeatCancel = cancel
	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				probeCtx, cancelProbe := context.WithTimeout(hbCtx, c.cfg.ProbeTimeout)
				err := c.probe(probeCtx)
				cancelProbe()
				if err != nil {
					c.log.WithError(err).Warn("heartbeat probe failed; forcing reconnect")
					if rErr := c.ForceReconnect(hbCtx); rErr != nil {
						c.log.WithError(rErr).Error("reconnect after heartbeat failure did not succeed")
					}
				}
			}
		}
	}()
	return cancel
}

// CreateBrowserContext opens a fresh isolated browser context, used
// by the session manager to give each session its own cookie/storage
// jar (spec.md §3 "Session... optional isolated browser context").
func (c *Client) CreateBrowserContext(ctx context.Context) (string, error) {
	if err := c.Connect(ctx); err != nil {
		return "", err
	}
	var ret target.CreateBrowserContextReturns
	if err := c.Send(ctx, "", "Target.createBrowserContext", &target.CreateBrowserContextParams{}, &ret); err != nil {
		return "", coreerr.Command("Target.createBrowserContext", err)
	}
	return string(ret.BrowserContextID), nil
}

// DisposeBrowserContext tears down an isolated browser context and
// every target still open inside it.
func (c *Client) DisposeBrowserContext(ctx context.Context, id string) error {
	params := &target.DisposeBrowserContextParams{BrowserContextID: target.BrowserContextID(id)}
	if err := c.Send(ctx, "", "Target.disposeBrowserContext", params, nil); err != nil {
		return coreerr.Command("Target.disposeBrowserContext", err)
	}
	return nil
}

// CreatePageOptions configures CreatePage.
type CreatePageOptions struct {
	URL              string
	BrowserContextID string // empty = default context
	SkipCookieBridge bool
}

// DefaultViewportWidth/Height are applied to every page created by
// this client (spec.md §4.1).
const (
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
)

// CreatePage opens a new tab, sets the default viewport, and (unless
// skipped, and only for the default context) bridges cookies from an
// authenticated target.
func (c *Client) CreatePage(ctx context.Context, opts CreatePageOptions) (target.ID, error) {
	if err := c.Connect(ctx); err != nil {
		return "", err
	}

	url := opts.URL
	if url == "" {
		url = "about:blank"
	}

	params := &target.CreateTargetParams{URL: url}
	if opts.BrowserContextID != "" {
		params.BrowserContextID = target.BrowserContextID(opts.BrowserContextID)
	}

	var ret target.CreateTargetReturns
	if err := c.Send(ctx, "", "Target.createTarget", params, &ret); err != nil {
		return "", coreerr.Command("Target.createTarget", err)
	}

	if _, err := c.AttachToTarget(ctx, ret.TargetID); err != nil {
		return ret.TargetID, err
	}

	viewportParams := &page.SetDeviceMetricsOverrideParams{
		Width:  DefaultViewportWidth,
		Height: DefaultViewportHeight,
	}
	if err := c.Send(ctx, ret.TargetID, "Page.setDeviceMetricsOverride", viewportParams, nil); err != nil {
		c.log.WithError(err).Warn("failed to set default viewport on new page")
	}

	if !opts.SkipCookieBridge && opts.BrowserContextID == "" {
		c.cookies.bridge(ctx, ret.TargetID, "")
	}

	return ret.TargetID, nil
}

// Close tears down the socket and stops the heartbeat, if running.
func (c *Client) Close() error {
	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

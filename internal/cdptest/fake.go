// Package cdptest provides an in-memory fake CDP transport so
// internal/cdp (and anything built on it) can be exercised without a
// real Chrome process.
package cdptest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Handler answers a command addressed to a session (empty for
// browser-level) and method, returning a raw JSON result or an error.
type Handler func(sessionID, method string, params json.RawMessage) (json.RawMessage, error)

// Dialer is a fake dialer whose handler is shared across every Socket
// it opens. Its Dial returns the *Socket as `any`, so it does not
// satisfy the unexported cdp.dialer interface by itself; tests inside
// internal/cdp wrap it in a small adapter.
type Dialer struct {
	mu      sync.Mutex
	handler Handler
	sockets []*Socket
	// FailDial, when set, makes every Dial call fail until cleared.
	FailDial bool
}

// NewDialer builds a fake dialer answering commands via handler.
func NewDialer(handler Handler) *Dialer {
	return &Dialer{handler: handler}
}

// SetHandler swaps the responder, e.g. mid-test to simulate Chrome
// going unresponsive.
func (d *Dialer) SetHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, wsURL string) (any, error) {
	d.mu.Lock()
	fail := d.FailDial
	d.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("cdptest: dial refused")
	}
	s := newSocket(d)
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
	return s, nil
}

// Emit pushes a server-initiated event (no id) to every open socket,
// simulating a CDP event such as Target.targetDestroyed.
func (d *Dialer) Emit(sessionID, method string, params any) {
	d.mu.Lock()
	sockets := append([]*Socket(nil), d.sockets...)
	d.mu.Unlock()
	raw, _ := json.Marshal(params)
	for _, s := range sockets {
		s.pushEvent(sessionID, method, raw)
	}
}

// wireEnvelope mirrors the private envelope internal/cdp uses; kept
// independent here so this package has no dependency on internal/cdp.
type wireEnvelope struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireErr        `json:"error,omitempty"`
}

type wireErr struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Socket is the fake in-memory equivalent of a websocket connection.
type Socket struct {
	d      *Dialer
	inbox  chan wireEnvelope
	closed chan struct{}
	once   sync.Once
}

func newSocket(d *Dialer) *Socket {
	return &Socket{d: d, inbox: make(chan wireEnvelope, 64), closed: make(chan struct{})}
}

// WriteJSON accepts a command, resolves it synchronously against the
// dialer's handler, and enqueues the response for the next ReadJSON.
func (s *Socket) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var req wireEnvelope
	if err := json.Unmarshal(b, &req); err != nil {
		return err
	}

	s.d.mu.Lock()
	h := s.d.handler
	s.d.mu.Unlock()

	result, herr := h(req.SessionID, req.Method, req.Params)
	resp := wireEnvelope{ID: req.ID, Result: result}
	if herr != nil {
		resp.Error = &wireErr{Code: 1, Message: herr.Error()}
	}
	select {
	case s.inbox <- resp:
	case <-s.closed:
	}
	return nil
}

// ReadJSON blocks for the next queued response or event.
func (s *Socket) ReadJSON(v any) error {
	select {
	case env := <-s.inbox:
		b, _ := json.Marshal(env)
		return json.Unmarshal(b, v)
	case <-s.closed:
		return fmt.Errorf("cdptest: socket closed")
	}
}

func (s *Socket) pushEvent(sessionID, method string, params json.RawMessage) {
	env := wireEnvelope{SessionID: sessionID, Method: method, Params: params}
	select {
	case s.inbox <- env:
	case <-s.closed:
	default:
	}
}

// Close closes the socket exactly once.
func (s *Socket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// SetReadDeadline is a no-op; tests control timing via handler delay.
func (s *Socket) SetReadDeadline(t time.Time) error { return nil }

package cdp

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// socket is the minimal surface of *websocket.Conn the client depends
// on. Narrowing to an interface lets internal/cdptest substitute a
// fully in-memory fake so the rest of the package can be exercised
// without a real Chrome process.
type socket interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
	SetReadDeadline(t time.Time) error
}

// dialer opens a socket to a CDP WebSocket endpoint. The production
// implementation wraps gorilla/websocket; tests supply a fake.
type dialer interface {
	Dial(ctx context.Context, wsURL string) (socket, error)
}

// gorillaDialer is the production dialer.
type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, wsURL string) (socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaSocket{conn: conn}, nil
}

type gorillaSocket struct {
	conn *websocket.Conn
}

func (s *gorillaSocket) WriteJSON(v any) error            { return s.conn.WriteJSON(v) }
func (s *gorillaSocket) ReadJSON(v any) error              { return s.conn.ReadJSON(v) }
func (s *gorillaSocket) Close() error                      { return s.conn.Close() }
func (s *gorillaSocket) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }

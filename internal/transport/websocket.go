package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// WebSocketConn adapts a coder/websocket connection to Conn. It is the
// primary concrete transport: both the host's inbound connections and the
// guest's single outbound connection to the host are WebSocketConns.
type WebSocketConn struct {
	conn       *websocket.Conn
	remoteAddr string
}

// NewWebSocketConn wraps an already-established websocket connection.
func NewWebSocketConn(conn *websocket.Conn, remoteAddr string) *WebSocketConn {
	return &WebSocketConn{conn: conn, remoteAddr: remoteAddr}
}

func (w *WebSocketConn) Send(ctx context.Context, data []byte) error {
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("TRANSPORT_SEND_FAILED: %w", err)
	}
	return nil
}

func (w *WebSocketConn) Recv(ctx context.Context) ([]byte, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, &ErrClosed{Reason: err.Error()}
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("TRANSPORT_NON_TEXT_FRAME")
	}
	return data, nil
}

func (w *WebSocketConn) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

func (w *WebSocketConn) RemoteAddr() string {
	return w.remoteAddr
}

// WebSocketDialer implements Dialer for the guest side: it opens the
// lobby's single host connection.
type WebSocketDialer struct {
	// OriginPatterns is not read by Dial; the handshake is made with
	// default dial options whatever it holds.
	OriginPatterns []string
}

func (d *WebSocketDialer) Dial(ctx context.Context, address string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("TRANSPORT_DIAL_FAILED: %w", err)
	}
	return NewWebSocketConn(conn, address), nil
}

// WebSocketListener implements Listener for the host side by accepting
// connections through an http.Server. It is fed upgraded connections by
// UpgradeHandler, which the host's HTTP router wires to its websocket
// route (see internal/hostcli).
type WebSocketListener struct {
	accepted chan Conn
	closed   chan struct{}
}

// NewWebSocketListener returns a listener whose Accept drains connections
// upgraded by UpgradeHandler.
func NewWebSocketListener() *WebSocketListener {
	return &WebSocketListener{
		accepted: make(chan Conn, 16),
		closed:   make(chan struct{}),
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.closed:
		return nil, &ErrClosed{Reason: "listener closed"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

// UpgradeHandler returns an http.HandlerFunc that upgrades each inbound
// request to a websocket and hands the resulting Conn to the listener.
// originPatterns follows coder/websocket's AcceptOptions.OriginPatterns —
// "*" in development, the real host name in production.
func (l *WebSocketListener) UpgradeHandler(originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			http.Error(w, "websocket upgrade failed", http.StatusInternalServerError)
			return
		}

		// A fresh opaque id per accepted connection, not the raw network
		// address: spec.md only needs a stable key distinguishing "this
		// TCP/websocket connection" from any other, never a real network
		// identity, and NATed peers can otherwise collide on r.RemoteAddr.
		connID := uuid.NewString()

		select {
		case l.accepted <- NewWebSocketConn(c, connID):
		case <-l.closed:
			c.Close(websocket.StatusGoingAway, "listener closed")
		}
	}
}

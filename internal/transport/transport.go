// Package transport provides the reliable, ordered, message-framed
// bidirectional channel the lobby and consensus layers are built on top
// of. spec.md treats the signaling substrate (how two peers learn each
// other's address) as a provided external collaborator; this package only
// models the channel itself, once established.
package transport

import "context"

// Conn is one peer-to-peer channel. Implementations must deliver bytes in
// the order they were sent (spec.md section 5's ordering guarantee) and
// must surface close/error exactly once.
type Conn interface {
	// Send writes one framed message. It may block until the transport
	// accepts it but must not silently drop it.
	Send(ctx context.Context, data []byte) error
	// Recv blocks until the next framed message arrives, the context is
	// canceled, or the connection closes (in which case it returns
	// ErrClosed).
	Recv(ctx context.Context) ([]byte, error)
	// Close tears the channel down. Idempotent.
	Close(reason string) error
	// RemoteAddr is an opaque transport-layer address, used only as a map
	// key by the lobby manager — never treated as an identity.
	RemoteAddr() string
}

// ErrClosed is returned by Recv once the connection has been closed,
// either locally or by the peer.
type ErrClosed struct{ Reason string }

func (e *ErrClosed) Error() string {
	if e.Reason == "" {
		return "CONNECTION_CLOSED"
	}
	return "CONNECTION_CLOSED: " + e.Reason
}

// Listener accepts inbound connections on the host side of the star
// topology.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Dialer establishes the guest's single outbound connection to the host.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// ErrorClass distinguishes recoverable transport failures (worth a
// capped retry, per spec.md section 5) from fatal ones (surfaced and torn
// down immediately).
type ErrorClass int

const (
	ErrorRecoverable ErrorClass = iota
	ErrorFatal
)

// Classify is the default policy: network timeouts and resets are
// recoverable, everything else is treated as fatal. Transport
// implementations that can distinguish finer-grained causes (invalid id,
// incompatible peer, crypto failure) should wrap their errors so this
// still resolves correctly, or provide their own Classify.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorRecoverable
	}
	if ce, ok := err.(interface{ Temporary() bool }); ok && ce.Temporary() {
		return ErrorRecoverable
	}
	return ErrorFatal
}

package lobby

import (
	"context"
	"sync"

	"github.com/arcade-mesh/core/internal/transport"
)

// pipeConn is a fake transport.Conn backed by channels, standing in for a
// real websocket connection in tests so the host and guest actors can be
// exercised without any network I/O.
type pipeConn struct {
	remoteAddr string
	recvCh     chan []byte
	sendCh     chan []byte
	closeCh    chan struct{}
	closeOnce  sync.Once
}

var _ transport.Conn = (*pipeConn)(nil)

// newPipePair returns two ends of one fake connection: messages sent on
// one arrive as Recv on the other, and vice versa.
func newPipePair(addr string) (near *pipeConn, far *pipeConn) {
	aToB := make(chan []byte, 16)
	bToA := make(chan []byte, 16)
	closeCh := make(chan struct{})
	near = &pipeConn{remoteAddr: addr, recvCh: bToA, sendCh: aToB, closeCh: closeCh}
	far = &pipeConn{remoteAddr: addr, recvCh: aToB, sendCh: bToA, closeCh: closeCh}
	return near, far
}

func (p *pipeConn) Send(ctx context.Context, data []byte) error {
	select {
	case p.sendCh <- data:
		return nil
	case <-p.closeCh:
		return &transport.ErrClosed{Reason: "closed"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.recvCh:
		return data, nil
	case <-p.closeCh:
		return nil, &transport.ErrClosed{Reason: "closed"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close(reason string) error {
	p.closeOnce.Do(func() { close(p.closeCh) })
	return nil
}

func (p *pipeConn) RemoteAddr() string { return p.remoteAddr }

package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

// Pipe is an in-memory Transport backed by net.Pipe. The peer end is handed
// to test code, which plays the broker role. A Pipe can be re-armed with a
// fresh conn pair to exercise reconnect paths.
type Pipe struct {
	mu     sync.Mutex
	conn   net.Conn
	peerFn func() (net.Conn, net.Conn)
	peerCh chan net.Conn

	closed atomic.Bool
}

// NewPipe creates a pipe transport. Each Connect produces a fresh pair; the
// peer end is delivered on Peers().
func NewPipe() *Pipe {
	return &Pipe{
		peerFn: func() (net.Conn, net.Conn) { return net.Pipe() },
		peerCh: make(chan net.Conn, 4),
	}
}

// Peers delivers the broker-side conn of every successful Connect.
func (p *Pipe) Peers() <-chan net.Conn {
	return p.peerCh
}

// Connect arms a fresh in-memory pair.
func (p *Pipe) Connect(_ context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}

	local, remote := p.peerFn()

	p.mu.Lock()
	p.conn = local
	p.mu.Unlock()

	p.peerCh <- remote
	return nil
}

func (p *Pipe) current() (net.Conn, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (p *Pipe) Read(b []byte) (int, error) {
	conn, err := p.current()
	if err != nil {
		return 0, err
	}
	return conn.Read(b)
}

func (p *Pipe) Write(b []byte) (int, error) {
	conn, err := p.current()
	if err != nil {
		return 0, err
	}
	return conn.Write(b)
}

// Close closes the current pair. Unlike the network transports this is not
// terminal: a later Connect re-arms the pipe, mirroring a reconnect.
func (p *Pipe) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Shutdown makes the transport permanently unusable.
func (p *Pipe) Shutdown() {
	p.closed.Store(true)
	_ = p.Close()
}

var (
	_ Transport = (*TCP)(nil)
	_ Transport = (*WebSocket)(nil)
	_ Transport = (*Pipe)(nil)
)

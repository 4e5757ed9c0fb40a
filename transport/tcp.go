package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPConfig configures a TCP (optionally TLS) transport.
type TCPConfig struct {
	// Address is the host:port to dial
	Address string

	// PreferIPv6 dials tcp6 first, falling back to tcp4
	PreferIPv6 bool

	// TLSConfig, when non-nil, wraps the stream in TLS
	TLSConfig *tls.Config

	// DialTimeout bounds the dial and TLS handshake; when the Connect context
	// carries an earlier deadline, that one applies
	DialTimeout time.Duration

	// WriteDeadline applies per Write call; zero disables it
	WriteDeadline time.Duration
}

// TCP is a Transport over a TCP connection, with optional TLS.
type TCP struct {
	cfg TCPConfig

	mu   sync.RWMutex
	conn net.Conn

	closeOnce sync.Once
	closed    atomic.Bool

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// NewTCP creates a TCP transport. The stream is not established until
// Connect.
func NewTCP(cfg TCPConfig) *TCP {
	return &TCP{cfg: cfg}
}

// Connect dials the broker and, when configured, completes the TLS
// handshake. The context bounds the whole establishment.
func (t *TCP) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}

	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	network := "tcp"
	if t.cfg.PreferIPv6 {
		network = "tcp6"
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, t.cfg.Address)
	if err != nil && t.cfg.PreferIPv6 {
		conn, err = dialer.DialContext(ctx, "tcp4", t.cfg.Address)
	}
	if err != nil {
		return wrapDialError(err)
	}

	if t.cfg.TLSConfig != nil {
		tlsConn := tls.Client(conn, t.cfg.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return wrapTLSError(err)
		}
		conn = tlsConn
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *TCP) current() (net.Conn, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (t *TCP) Read(p []byte) (int, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}

	n, err := conn.Read(p)
	if n > 0 {
		t.bytesRead.Add(uint64(n))
	}
	return n, err
}

func (t *TCP) Write(p []byte) (int, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}

	if t.cfg.WriteDeadline > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteDeadline))
	}

	n, err := conn.Write(p)
	if n > 0 {
		t.bytesWritten.Add(uint64(n))
	}
	return n, err
}

// Close tears the connection down. Idempotent.
func (t *TCP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// BytesRead returns the number of bytes read since Connect.
func (t *TCP) BytesRead() uint64 { return t.bytesRead.Load() }

// BytesWritten returns the number of bytes written since Connect.
func (t *TCP) BytesWritten() uint64 { return t.bytesWritten.Load() }

func wrapTLSError(err error) error {
	return &tlsError{err: err}
}

type tlsError struct{ err error }

func (e *tlsError) Error() string { return ErrTLSHandshake.Error() + ": " + e.err.Error() }

func (e *tlsError) Unwrap() []error { return []error{ErrTLSHandshake, e.err} }

// Package transport provides the byte-stream contract the client engine
// consumes, plus concrete TCP/TLS, WebSocket, and in-memory implementations.
// The engine treats a transport as an unframed, ordered byte stream; chunking
// is arbitrary but reordering and duplication never happen.
package transport

import (
	"context"
	"errors"
	"net"
	"os"
)

var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrTimeout           = errors.New("connect timed out")
	ErrTLSHandshake      = errors.New("TLS handshake failed")
	ErrClosed            = errors.New("transport closed")
	ErrProxy             = errors.New("invalid proxy configuration")
	ErrNotConnected      = errors.New("transport not connected")
	ErrUnreachable       = errors.New("host unreachable")
)

// Transport is the byte stream the client engine runs over. The writer
// pipeline owns Write, the reader pipeline owns Read; Close may be called
// from anywhere and must be idempotent.
type Transport interface {
	// Connect establishes the stream. The context bounds the whole
	// establishment including any handshake.
	Connect(ctx context.Context) error

	// Read fills p with the next available bytes
	Read(p []byte) (int, error)

	// Write sends p; short writes are completed or fail
	Write(p []byte) (int, error)

	// Close tears the stream down. Idempotent.
	Close() error
}

// wrapDialError maps dial failures onto the transport error taxonomy while
// preserving the original error for inspection.
func wrapDialError(err error) error {
	if err == nil {
		return nil
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return errors.Join(ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			switch sysErr.Syscall {
			case "connect":
				return errors.Join(ErrConnectionRefused, err)
			}
		}
		return errors.Join(ErrUnreachable, err)
	}

	return err
}

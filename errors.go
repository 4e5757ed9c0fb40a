package axon

import (
	"errors"
	"fmt"

	"github.com/axmq/axon/encoding"
)

var (
	// ErrClientClosed indicates the client has been closed and cannot be reused
	ErrClientClosed = errors.New("client is closed")

	// ErrNotConnected indicates the operation needs an established connection
	ErrNotConnected = errors.New("client is not connected")

	// ErrAlreadyConnected indicates Connect was called on a live connection
	ErrAlreadyConnected = errors.New("client is already connected")

	// ErrOperationTimedOut indicates the response did not arrive within the
	// configured response timeout
	ErrOperationTimedOut = errors.New("operation timed out")

	// ErrOperationCanceled indicates user or supervisor cancellation
	ErrOperationCanceled = errors.New("operation canceled")

	// ErrPacketTooLarge indicates the outgoing packet would exceed the
	// broker's maximum packet size; nothing was sent
	ErrPacketTooLarge = errors.New("packet exceeds broker maximum packet size")

	// ErrConnectionLost indicates the transport failed mid-operation
	ErrConnectionLost = errors.New("connection lost")

	// ErrNoSuchSubscription indicates an unsubscribe for a filter that is not
	// in the registry; detected locally before anything goes on the wire
	ErrNoSuchSubscription = errors.New("no such subscription")

	// ErrQoSNotSupported indicates the requested QoS exceeds the broker's
	// maximum QoS
	ErrQoSNotSupported = errors.New("QoS exceeds broker maximum")

	// ErrRetainNotSupported indicates a retained publish against a broker
	// that advertised RetainAvailable=0
	ErrRetainNotSupported = errors.New("broker does not support retained messages")

	// ErrMessageExpired indicates the message expiry interval elapsed before
	// the publish could be (re)sent
	ErrMessageExpired = errors.New("message expired")

	// Manual-ack errors
	ErrManualAcksDisabled  = errors.New("manual acknowledgement is not enabled")
	ErrAlreadyAcknowledged = errors.New("packet already acknowledged")
	ErrUnknownPacketID     = errors.New("no unacknowledged message with this packet identifier")
)

// RejectedError reports a broker rejection: an ack carried a reason code of
// 0x80 or above.
type RejectedError struct {
	Op           string
	ReasonCode   encoding.ReasonCode
	ReasonString string
}

func (e *RejectedError) Error() string {
	if e.ReasonString != "" {
		return fmt.Sprintf("%s rejected by broker: %s (%s)", e.Op, e.ReasonCode, e.ReasonString)
	}
	return fmt.Sprintf("%s rejected by broker: %s", e.Op, e.ReasonCode)
}

// ConnectionError reports a transport-level failure, either during connection
// establishment or as a read, write or keepalive failure on a live connection.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "connection failed: " + e.Err.Error() }

func (e *ConnectionError) Unwrap() error { return e.Err }

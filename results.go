package axon

import (
	"sync"

	"github.com/axmq/axon/encoding"
	"github.com/axmq/axon/session"
)

// ConnectResult reports the outcome of a CONNECT/CONNACK exchange.
type ConnectResult struct {
	ReasonCode     encoding.ReasonCode
	SessionPresent bool
	ReasonString   string

	// Negotiated holds the effective parameters after the broker's
	// overrides were applied
	Negotiated session.Negotiated

	AssignedClientID    string
	ResponseInformation string
}

// PublishResult reports the outcome of a Publish call. For QoS 0 no
// acknowledgement exists and Acknowledged stays false.
type PublishResult struct {
	// Message is the original application message
	Message *Message

	// Acknowledged is true when a PUBACK (QoS 1) or the PUBREC/PUBCOMP
	// exchange (QoS 2) completed
	Acknowledged bool

	ReasonCode   encoding.ReasonCode
	ReasonString string
}

// SubscribeResult carries the per-filter reason codes from the SUBACK, in
// request order.
type SubscribeResult struct {
	ReasonCodes  []encoding.ReasonCode
	ReasonString string
}

// AllGranted reports whether every filter was granted.
func (r *SubscribeResult) AllGranted() bool {
	for _, rc := range r.ReasonCodes {
		if rc.IsError() {
			return false
		}
	}
	return len(r.ReasonCodes) > 0
}

// UnsubscribeResult carries the per-filter reason codes from the UNSUBACK,
// in request order.
type UnsubscribeResult struct {
	ReasonCodes  []encoding.ReasonCode
	ReasonString string
}

// token is the completion signal a caller awaits while the dispatcher drives
// the protocol exchange. It is completed at most once and awaited by at most
// one caller.
type token struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newToken() *token {
	return &token{done: make(chan struct{})}
}

func (t *token) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

package axon

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axmq/axon/encoding"
	"github.com/axmq/axon/event"
	"github.com/axmq/axon/session"
	"github.com/axmq/axon/transport"
)

const (
	readChunkSize    = 4096
	receivedQueueLen = 64
	controlQueueLen  = 64
	publishQueueLen  = 64
)

// outPublish is one queued outbound publish. pending is nil on the QoS 0
// fast path; resend marks session-resumption retransmissions, which already
// hold their in-flight slot.
type outPublish struct {
	op      *pendingOp
	pending *session.Pending
	pkt     *encoding.PublishPacket
	resend  bool
}

// conn is the per-network-session runtime: the reader, writer, dispatcher,
// and keepalive goroutines plus their queues. The transport is owned
// exclusively by the writer for writes and the reader for reads; teardown is
// the one exception, where a best-effort DISCONNECT may be flushed from the
// failing goroutine.
type conn struct {
	client *Client
	tr     transport.Transport

	control  chan encoding.Packet
	publish  chan *outPublish
	received chan encoding.Packet

	keepalive     time.Duration
	maxPacketSize uint32 // broker's advertised maximum
	preread       []byte // bytes the broker sent before the pipelines started

	lastWrite atomic.Int64 // unix nanos of the last successful write
	pingSent  atomic.Int64 // unix nanos of the outstanding PINGREQ, 0 when none

	failOnce sync.Once
	failErr  error
	userStop atomic.Bool
	closedCh chan struct{}

	g errgroup.Group
}

func newConn(c *Client, tr transport.Transport, keepalive time.Duration, maxPacketSize uint32) *conn {
	return &conn{
		client:        c,
		tr:            tr,
		control:       make(chan encoding.Packet, controlQueueLen),
		publish:       make(chan *outPublish, publishQueueLen),
		received:      make(chan encoding.Packet, receivedQueueLen),
		keepalive:     keepalive,
		maxPacketSize: maxPacketSize,
		closedCh:      make(chan struct{}),
	}
}

// start launches the four long-lived goroutines.
func (cn *conn) start() {
	cn.lastWrite.Store(time.Now().UnixNano())

	cn.g.Go(cn.readLoop)
	cn.g.Go(cn.writeLoop)
	cn.g.Go(cn.dispatchLoop)

	if cn.keepalive > 0 {
		cn.g.Go(cn.keepaliveLoop)
	}
}

// wait blocks until every pipeline goroutine has exited and returns the
// first failure.
func (cn *conn) wait() error {
	return cn.g.Wait()
}

// fail records the first failure, signals every loop, and closes the
// transport so blocked reads and writes unwind.
func (cn *conn) fail(err error) {
	cn.failOnce.Do(func() {
		cn.failErr = err
		close(cn.closedCh)
		_ = cn.tr.Close()
	})
}

// stop is the user-initiated variant of fail.
func (cn *conn) stop() {
	cn.userStop.Store(true)
	cn.fail(nil)
}

func (cn *conn) done() <-chan struct{} {
	return cn.closedCh
}

// enqueueControl queues an ack or control packet on the priority queue.
func (cn *conn) enqueueControl(pkt encoding.Packet) error {
	select {
	case cn.control <- pkt:
		return nil
	case <-cn.closedCh:
		return ErrConnectionLost
	}
}

// enqueuePublish queues an outbound publish.
func (cn *conn) enqueuePublish(op *outPublish) error {
	select {
	case cn.publish <- op:
		return nil
	case <-cn.closedCh:
		return ErrConnectionLost
	}
}

// drained reports whether both send queues are currently empty.
func (cn *conn) drained() bool {
	return len(cn.control) == 0 && len(cn.publish) == 0
}

// readLoop frames the transport byte stream into packets and feeds the
// received queue in arrival order.
func (cn *conn) readLoop() error {
	buf := cn.preread
	chunk := make([]byte, readChunkSize)

	for {
		select {
		case <-cn.closedCh:
			return nil
		default:
		}

		for len(buf) > 0 {
			pkt, consumed, derr := encoding.Decode(buf, cn.client.opts.MaximumPacketSize)
			if errors.Is(derr, encoding.ErrNeedMoreData) {
				break
			}
			if derr != nil {
				cn.abort(encoding.DisconnectReason(derr), derr)
				return derr
			}

			cn.client.metrics.observeReceived(consumed)
			buf = buf[consumed:]

			select {
			case cn.received <- pkt:
			case <-cn.closedCh:
				return nil
			}
		}

		n, err := cn.tr.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			cerr := &ConnectionError{Err: err}
			cn.fail(cerr)
			return cerr
		}
	}
}

// abort sends a best-effort DISCONNECT with the given reason and fails the
// connection. Used for protocol errors detected by the reader or dispatcher.
func (cn *conn) abort(rc encoding.ReasonCode, cause error) {
	_ = cn.writePacket(&encoding.DisconnectPacket{ReasonCode: rc})
	cn.client.log.Error("protocol error, disconnecting", "reason", rc.String(), "err", cause)
	cn.fail(cause)
}

// writeLoop drains the control queue ahead of the publish queue and writes
// each packet as one contiguous sequence.
func (cn *conn) writeLoop() error {
	for {
		// Control packets always go first
		select {
		case pkt := <-cn.control:
			if err := cn.writePacket(pkt); err != nil {
				cn.fail(err)
				return err
			}
			continue
		case <-cn.closedCh:
			cn.flushControl()
			return nil
		default:
		}

		select {
		case pkt := <-cn.control:
			if err := cn.writePacket(pkt); err != nil {
				cn.fail(err)
				return err
			}
		case op := <-cn.publish:
			cn.writePublish(op)
		case <-cn.closedCh:
			cn.flushControl()
			return nil
		}
	}
}

// flushControl makes a best-effort attempt to push queued control packets
// (typically a final DISCONNECT) before the transport goes away.
func (cn *conn) flushControl() {
	for {
		select {
		case pkt := <-cn.control:
			if err := cn.writePacket(pkt); err != nil {
				return
			}
		default:
			return
		}
	}
}

// writePacket encodes and writes one packet, retrying partial writes until
// complete or the transport fails.
func (cn *conn) writePacket(pkt encoding.Packet) error {
	buf, err := pkt.Append(nil)
	if err != nil {
		return err
	}

	if cn.maxPacketSize > 0 && uint32(len(buf)) > cn.maxPacketSize {
		return ErrPacketTooLarge
	}

	total := len(buf)
	for len(buf) > 0 {
		n, err := cn.tr.Write(buf)
		if err != nil {
			return &ConnectionError{Err: err}
		}
		buf = buf[n:]
	}

	cn.lastWrite.Store(time.Now().UnixNano())
	cn.client.metrics.observeSent(total)

	if ev, ok := event.SentEvent(pkt.Type()); ok {
		cn.client.bus.Emit(ev, pkt, nil)
	}
	return nil
}

// writePublish serializes one outbound publish. A PacketTooLarge verdict is
// a local failure for this flow only; transport errors kill the connection.
func (cn *conn) writePublish(op *outPublish) {
	pkt := op.pkt
	if pkt == nil {
		// QoS 0 fast path builds the wire packet here
		var err error
		pkt, err = op.op.msg.packet()
		if err != nil {
			op.op.token.complete(err)
			return
		}
	}

	// Retransmissions carry the full topic; the alias tables were reset
	// with the connection
	if !op.resend {
		cn.applyTopicAlias(pkt)
	}

	err := cn.writePacket(pkt)
	switch {
	case err == nil:
		if op.pending == nil {
			op.op.token.complete(nil)
		}
	case errors.Is(err, ErrPacketTooLarge):
		if op.pending != nil {
			cn.client.unwindPublish(pkt.PacketID)
		}
		op.op.token.complete(ErrPacketTooLarge)
	default:
		cn.fail(err)
	}
}

// applyTopicAlias substitutes the outbound topic for its alias when the
// broker negotiated a non-zero alias maximum. A known alias empties the
// topic; a fresh binding sends both.
func (cn *conn) applyTopicAlias(pkt *encoding.PublishPacket) {
	if pkt.Topic == "" {
		return
	}

	a, known := cn.client.aliasOut.Assign(pkt.Topic)
	if a == 0 {
		return
	}

	// Rebuild any stale alias property left over from a previous send
	stripProperty(&pkt.Properties, encoding.PropTopicAlias)
	if err := pkt.Properties.Add(encoding.PropTopicAlias, a); err != nil {
		return
	}
	if known {
		pkt.Topic = ""
	}
}

func stripProperty(props *encoding.Properties, id encoding.PropertyID) {
	kept := props.Properties[:0]
	for _, p := range props.Properties {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	props.Properties = kept
}

// keepaliveLoop enqueues PINGREQ when the send side has been idle for a full
// keepalive interval and treats a missing PINGRESP within another interval
// as connection loss.
func (cn *conn) keepaliveLoop() error {
	tick := cn.keepalive / 4
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-cn.closedCh:
			return nil
		case <-ticker.C:
			now := time.Now()

			if sent := cn.pingSent.Load(); sent != 0 {
				if now.Sub(time.Unix(0, sent)) > cn.keepalive {
					cn.client.log.Warn("keepalive timeout, no PINGRESP")
					err := &ConnectionError{Err: errKeepAliveTimeout}
					cn.fail(err)
					return err
				}
				continue
			}

			if now.Sub(time.Unix(0, cn.lastWrite.Load())) >= cn.keepalive {
				cn.pingSent.Store(now.UnixNano())
				if err := cn.enqueueControl(&encoding.PingreqPacket{}); err != nil {
					return nil
				}
			}
		}
	}
}

var errKeepAliveTimeout = errors.New("keepalive timeout")

// onPingresp resets the outstanding-ping marker.
func (cn *conn) onPingresp() {
	cn.pingSent.Store(0)
}

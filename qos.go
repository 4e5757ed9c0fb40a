package axon

import (
	"time"

	"github.com/axmq/axon/encoding"
	"github.com/axmq/axon/session"
)

// handleInboundPublish is the receive side of the QoS state machines.
//
// QoS 0 delivers immediately. QoS 1 delivers and acknowledges with PUBACK
// (deferred in manual-ack mode). QoS 2 tracks the packet identifier between
// PUBREC and PUBREL so a broker retransmission with DUP=1 delivers exactly
// once.
func (c *Client) handleInboundPublish(cn *conn, pkt *encoding.PublishPacket) {
	aliasProp := pkt.Properties.Get(encoding.PropTopicAlias)
	aliasValue := pkt.Properties.Uint16(encoding.PropTopicAlias, 0)

	resolved, err := c.aliasIn.Resolve(pkt.Topic, aliasProp != nil, aliasValue)
	if err != nil {
		cn.abort(encoding.ReasonTopicAliasInvalid, err)
		return
	}

	msg := messageFromPacket(pkt, resolved)

	switch pkt.QoS {
	case encoding.QoS0:
		c.deliver(msg)

	case encoding.QoS1:
		if c.opts.ManualAcks {
			// The ack entry must exist before the handler can run
			c.registerInboundAck(pkt.PacketID, encoding.QoS1)
			c.deliver(msg)
			return
		}
		c.deliver(msg)
		_ = cn.enqueueControl(&encoding.PubackPacket{PacketID: pkt.PacketID, ReasonCode: encoding.ReasonSuccess})

	case encoding.QoS2:
		if first := c.state.MarkReceived(pkt.PacketID); first {
			if c.opts.ManualAcks {
				c.registerInboundAck(pkt.PacketID, encoding.QoS2)
			}
			c.deliver(msg)
		}
		// PUBREC goes out for the duplicate too; the broker keeps
		// retransmitting until it sees one
		_ = cn.enqueueControl(&encoding.PubrecPacket{PacketID: pkt.PacketID, ReasonCode: encoding.ReasonSuccess})
	}
}

func (c *Client) registerInboundAck(id uint16, qos encoding.QoS) {
	c.mu.Lock()
	// A fresh message under a reused identifier replaces the stale acked
	// entry; an existing unacked entry means a broker retransmission
	if e, exists := c.acks[id]; !exists || e.acked {
		c.acks[id] = &inboundAck{qos: qos}
	}
	c.mu.Unlock()
}

// handlePubrel is QoS 2 receive-side step three: release the identifier and
// answer with PUBCOMP. An unknown identifier still gets a PUBCOMP, carrying
// PacketIdentifierNotFound.
func (c *Client) handlePubrel(cn *conn, pkt *encoding.PubrelPacket) {
	known := c.state.ReleaseReceived(pkt.PacketID)

	if c.opts.ManualAcks {
		c.mu.Lock()
		entry, tracked := c.acks[pkt.PacketID]
		if tracked && entry.qos == encoding.QoS2 && !entry.acked {
			// The application has not acknowledged yet; PUBCOMP follows
			// from AckID
			entry.pubrelReceived = true
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if tracked && entry.qos == encoding.QoS2 {
			known = true
		}
	}

	rc := encoding.ReasonSuccess
	if !known {
		rc = encoding.ReasonPacketIdentifierNotFound
	}
	_ = cn.enqueueControl(&encoding.PubcompPacket{PacketID: pkt.PacketID, ReasonCode: rc})
}

// handlePuback terminates a QoS 1 send-side flow.
func (c *Client) handlePuback(pkt *encoding.PubackPacket) {
	inflight := c.currentInflight()

	entry, ok := inflight.Get(pkt.PacketID)
	if !ok {
		c.log.Warn("PUBACK for unknown packet id", "id", pkt.PacketID)
		return
	}
	if entry.State != session.AwaitingPubAck {
		c.log.Warn("PUBACK for QoS 2 flow, discarding", "id", pkt.PacketID)
		return
	}
	inflight.Remove(pkt.PacketID)
	c.metrics.setInflight(inflight.Len())
	_ = c.ids.Release(pkt.PacketID)

	c.completePublish(pkt.PacketID, pkt.ReasonCode, pkt.Properties.String(encoding.PropReasonString))
}

// handlePubrec moves a QoS 2 send-side flow from AwaitingPubRec to
// AwaitingPubComp, atomically swapping the in-flight entry for its PUBREL
// form. A failure reason code terminates the flow without touching the
// connection.
func (c *Client) handlePubrec(cn *conn, pkt *encoding.PubrecPacket) {
	inflight := c.currentInflight()

	entry, ok := inflight.Get(pkt.PacketID)
	if !ok || entry.State != session.AwaitingPubRec {
		c.log.Warn("PUBREC for unknown or mismatched flow", "id", pkt.PacketID)
		return
	}

	if pkt.ReasonCode.IsError() {
		inflight.Remove(pkt.PacketID)
		c.metrics.setInflight(inflight.Len())
		_ = c.ids.Release(pkt.PacketID)
		c.completePublish(pkt.PacketID, pkt.ReasonCode, pkt.Properties.String(encoding.PropReasonString))
		return
	}

	pubrel := &encoding.PubrelPacket{PacketID: pkt.PacketID, ReasonCode: encoding.ReasonSuccess}
	updated := &session.Pending{
		PacketID: pkt.PacketID,
		Packet:   pubrel,
		State:    session.AwaitingPubComp,
		SentAt:   time.Now(),
	}
	if !inflight.TryUpdate(pkt.PacketID, updated, entry) {
		// The entry changed underneath (duplicate PUBREC); nothing to do
		return
	}

	// Stash the broker's verdict now; PUBCOMP usually carries plain success
	c.mu.Lock()
	if op, tracked := c.pending[pkt.PacketID]; tracked && op.kind == opPublish {
		op.pub.ReasonCode = pkt.ReasonCode
		op.pub.ReasonString = pkt.Properties.String(encoding.PropReasonString)
	}
	c.mu.Unlock()

	_ = cn.enqueueControl(pubrel)
}

// handlePubcomp terminates a QoS 2 send-side flow.
func (c *Client) handlePubcomp(pkt *encoding.PubcompPacket) {
	inflight := c.currentInflight()

	entry, ok := inflight.Get(pkt.PacketID)
	if !ok {
		c.log.Warn("PUBCOMP for unknown packet id", "id", pkt.PacketID)
		return
	}
	if entry.State != session.AwaitingPubComp {
		c.log.Warn("PUBCOMP before PUBREC, discarding", "id", pkt.PacketID)
		return
	}
	inflight.Remove(pkt.PacketID)
	c.metrics.setInflight(inflight.Len())
	_ = c.ids.Release(pkt.PacketID)

	c.mu.Lock()
	op, tracked := c.pending[pkt.PacketID]
	if tracked {
		delete(c.pending, pkt.PacketID)
	}
	c.mu.Unlock()
	if !tracked || op.kind != opPublish {
		return
	}

	if pkt.ReasonCode.IsError() {
		op.pub.ReasonCode = pkt.ReasonCode
		op.pub.Acknowledged = true
		op.token.complete(&RejectedError{Op: "publish", ReasonCode: pkt.ReasonCode})
		return
	}

	op.pub.Acknowledged = true
	op.token.complete(nil)
}

// completePublish resolves the caller-visible result for a terminated QoS 1
// flow or a failed QoS 2 flow.
func (c *Client) completePublish(id uint16, rc encoding.ReasonCode, reasonString string) {
	c.mu.Lock()
	op, tracked := c.pending[id]
	if tracked {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !tracked || op.kind != opPublish {
		return
	}

	op.pub.Acknowledged = true
	op.pub.ReasonCode = rc
	op.pub.ReasonString = reasonString

	if rc.IsError() {
		op.token.complete(&RejectedError{Op: "publish", ReasonCode: rc, ReasonString: reasonString})
		return
	}
	op.token.complete(nil)
}

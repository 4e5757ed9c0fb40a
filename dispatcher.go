package axon

import (
	"github.com/axmq/axon/encoding"
	"github.com/axmq/axon/event"
	"github.com/axmq/axon/topic"
)

// dispatchLoop consumes the received queue single-threadedly, which makes
// same-identifier state transitions trivially ordered. Handlers never block
// on user code; callbacks are re-scheduled onto the delivery worker.
func (cn *conn) dispatchLoop() error {
	for {
		select {
		case <-cn.closedCh:
			return nil
		case pkt := <-cn.received:
			cn.dispatch(pkt)
		}
	}
}

func (cn *conn) dispatch(pkt encoding.Packet) {
	c := cn.client

	if ev, ok := event.ReceivedEvent(pkt.Type()); ok {
		c.bus.Emit(ev, pkt, nil)
	}

	switch p := pkt.(type) {
	case *encoding.PublishPacket:
		c.handleInboundPublish(cn, p)
	case *encoding.PubackPacket:
		c.handlePuback(p)
	case *encoding.PubrecPacket:
		c.handlePubrec(cn, p)
	case *encoding.PubrelPacket:
		c.handlePubrel(cn, p)
	case *encoding.PubcompPacket:
		c.handlePubcomp(p)
	case *encoding.SubackPacket:
		c.handleSuback(p)
	case *encoding.UnsubackPacket:
		c.handleUnsuback(p)
	case *encoding.PingrespPacket:
		cn.onPingresp()
	case *encoding.DisconnectPacket:
		c.handleServerDisconnect(cn, p)
	case *encoding.AuthPacket:
		c.handleAuth(cn, p)
	default:
		// CONNACK after the handshake, or server-only packets such as
		// CONNECT/SUBSCRIBE, are protocol violations
		cn.abort(encoding.ReasonProtocolError, encoding.NewProtocolError(encoding.ErrInvalidType, "unexpected "+pkt.Type().String()))
	}
}

// handleSuback completes the pending subscribe and admits the granted
// filters into the registry. Failed filters stay out.
func (c *Client) handleSuback(pkt *encoding.SubackPacket) {
	op, ok := c.takePending(pkt.PacketID)
	if !ok || op.kind != opSubscribe {
		c.log.Warn("SUBACK for unknown packet id", "id", pkt.PacketID)
		return
	}
	_ = c.ids.Release(pkt.PacketID)

	op.sub.ReasonCodes = pkt.ReasonCodes
	op.sub.ReasonString = pkt.Properties.String(encoding.PropReasonString)

	failures := 0
	for i, rc := range pkt.ReasonCodes {
		if i >= len(op.subs) {
			break
		}
		if rc.IsError() {
			failures++
			continue
		}
		sub := op.subs[i]
		c.subs.Set(&topic.Subscription{
			Filter:            sub.Filter,
			QoS:               sub.QoS,
			NoLocal:           sub.NoLocal,
			RetainAsPublished: sub.RetainAsPublished,
			RetainHandling:    sub.RetainHandling,
			GrantedQoS:        encoding.QoS(rc),
			Handler:           sub.Handler,
		})
	}

	if failures == len(pkt.ReasonCodes) && failures > 0 {
		op.token.complete(&RejectedError{
			Op:           "subscribe",
			ReasonCode:   pkt.ReasonCodes[0],
			ReasonString: op.sub.ReasonString,
		})
		return
	}
	op.token.complete(nil)
}

// handleUnsuback completes the pending unsubscribe and removes the filters
// the broker confirmed.
func (c *Client) handleUnsuback(pkt *encoding.UnsubackPacket) {
	op, ok := c.takePending(pkt.PacketID)
	if !ok || op.kind != opUnsubscribe {
		c.log.Warn("UNSUBACK for unknown packet id", "id", pkt.PacketID)
		return
	}
	_ = c.ids.Release(pkt.PacketID)

	op.unsub.ReasonCodes = pkt.ReasonCodes
	op.unsub.ReasonString = pkt.Properties.String(encoding.PropReasonString)

	for i, rc := range pkt.ReasonCodes {
		if i >= len(op.filters) {
			break
		}
		if !rc.IsError() {
			_ = c.subs.Remove(op.filters[i])
		}
	}

	op.token.complete(nil)
}

// handleServerDisconnect records the broker's reason and hands the
// connection to the supervisor for teardown or reconnect.
func (c *Client) handleServerDisconnect(cn *conn, pkt *encoding.DisconnectPacket) {
	c.lastDisconnectReason.Store(pkt.ReasonCode)
	c.log.Info("broker disconnected",
		"reason", pkt.ReasonCode.String(),
		"reasonString", pkt.Properties.String(encoding.PropReasonString))

	cn.fail(&RejectedError{
		Op:           "session",
		ReasonCode:   pkt.ReasonCode,
		ReasonString: pkt.Properties.String(encoding.PropReasonString),
	})
}

// handleAuth forwards a post-connect AUTH exchange to the authenticator
// hook. With no hook installed, a non-terminal AUTH is a protocol error.
func (c *Client) handleAuth(cn *conn, pkt *encoding.AuthPacket) {
	auth := c.opts.Authenticator
	if auth == nil {
		if pkt.ReasonCode == encoding.ReasonContinueAuthentication || pkt.ReasonCode == encoding.ReasonReAuthenticate {
			cn.abort(encoding.ReasonProtocolError, encoding.NewProtocolError(encoding.ErrInvalidType, "AUTH without authenticator"))
		}
		return
	}

	method := pkt.Properties.String(encoding.PropAuthenticationMethod)
	data, err := auth.Authenticate(method, pkt.Properties.Binary(encoding.PropAuthenticationData))
	if err != nil {
		c.log.Error("authenticator failed", "err", err)
		cn.abort(encoding.ReasonNotAuthorized, err)
		return
	}
	if data == nil {
		return
	}

	reply := &encoding.AuthPacket{ReasonCode: encoding.ReasonContinueAuthentication}
	if method != "" {
		_ = reply.Properties.Add(encoding.PropAuthenticationMethod, method)
	}
	_ = reply.Properties.Add(encoding.PropAuthenticationData, data)
	_ = cn.enqueueControl(reply)
}

package axon

import (
	"context"
	"time"

	"github.com/axmq/axon/encoding"
	"github.com/axmq/axon/event"
	"github.com/axmq/axon/session"
	"github.com/axmq/axon/transport"
)

// Connect opens the transport, performs the CONNECT/CONNACK handshake
// (including any enhanced-auth exchange), negotiates the effective session
// parameters, and starts the pipeline goroutines. With AutoReconnect enabled
// a failed attempt backs off and retries until ctx is done or the retry
// budget is spent.
func (c *Client) Connect(ctx context.Context) (*ConnectResult, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if phase := c.state.Phase(); phase == session.Connected || phase == session.Connecting {
		return nil, ErrAlreadyConnected
	}

	c.state.SetPhase(session.Connecting)
	c.bus.Emit(event.BeforeConnect, nil, nil)

	bo := newBackoff(c.opts.Backoff)
	for {
		res, err := c.establish(ctx, c.opts.CleanStart)
		if err == nil {
			c.bus.Emit(event.AfterConnect, nil, nil)
			return res, nil
		}

		if !c.opts.AutoReconnect {
			c.state.SetPhase(session.Disconnected)
			c.bus.Emit(event.AfterConnect, nil, err)
			return nil, err
		}

		wait, ok := bo.Next()
		if !ok {
			c.state.SetPhase(session.Disconnected)
			c.bus.Emit(event.AfterConnect, nil, err)
			return nil, err
		}

		c.log.Warn("connect failed, backing off",
			"attempt", bo.Attempt(), "wait", wait.String(), "err", err)

		select {
		case <-ctx.Done():
			c.state.SetPhase(session.Disconnected)
			return nil, ErrOperationCanceled
		case <-time.After(wait):
		}
	}
}

// Disconnect performs a graceful teardown: drain the send queue up to the
// drain timeout, send DISCONNECT, close the transport, and stop the
// pipelines. Returns true when the disconnect completed, false when the
// client was not connected.
func (c *Client) Disconnect(ctx context.Context) (bool, error) {
	return c.disconnect(ctx, encoding.ReasonNormalDisconnection)
}

// DisconnectWithWill disconnects with reason DisconnectWithWillMessage,
// asking the broker to publish the registered will.
func (c *Client) DisconnectWithWill(ctx context.Context) (bool, error) {
	return c.disconnect(ctx, encoding.ReasonDisconnectWithWillMessage)
}

func (c *Client) disconnect(ctx context.Context, rc encoding.ReasonCode) (bool, error) {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil || c.state.Phase() != session.Connected {
		return false, nil
	}

	c.state.SetPhase(session.Disconnecting)
	c.bus.Emit(event.BeforeDisconnect, nil, nil)

	// Drain what the application already queued
	deadline := time.Now().Add(c.opts.DrainTimeout)
	for !cn.drained() && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(5 * time.Millisecond)
	}

	_ = cn.enqueueControl(&encoding.DisconnectPacket{ReasonCode: rc})

	flushDeadline := time.Now().Add(500 * time.Millisecond)
	for !cn.drained() && time.Now().Before(flushDeadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cn.stop()
	<-cn.done()
	_ = cn.wait()

	// Pending calls cancel with the user's disconnect; in-flight QoS state
	// stays for the next resumed session
	c.cancelRequests(ErrOperationCanceled)
	c.completePublishTokens(ErrOperationCanceled)

	c.waitPhase(session.Disconnected, time.Second)
	return true, nil
}

func (c *Client) waitPhase(p session.Phase, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for c.state.Phase() != p && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

// establish runs one connection attempt end to end. cleanStart only holds
// for the first attempt; reconnects always try to resume.
func (c *Client) establish(ctx context.Context, cleanStart bool) (*ConnectResult, error) {
	tr := c.opts.buildTransport()

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ResponseTimeout)
	defer cancel()

	if err := tr.Connect(connectCtx); err != nil {
		return nil, &ConnectionError{Err: err}
	}

	pkt, err := c.opts.connectPacket(cleanStart)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	if _, err := encoding.WriteTo(tr, pkt); err != nil {
		zero(pkt.Password)
		_ = tr.Close()
		return nil, &ConnectionError{Err: err}
	}
	zero(pkt.Password)
	c.bus.Emit(event.ConnectSent, pkt, nil)

	connack, leftover, err := c.handshake(connectCtx, tr)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	c.bus.Emit(event.ConnackReceived, connack, nil)

	if connack.ReasonCode.IsError() {
		_ = tr.Close()
		return nil, &RejectedError{
			Op:           "connect",
			ReasonCode:   connack.ReasonCode,
			ReasonString: connack.Properties.String(encoding.PropReasonString),
		}
	}

	neg := c.negotiate(connack)
	c.state.SetNegotiated(neg)

	if assigned := neg.AssignedClientID; assigned != "" {
		c.opts.ClientID = assigned
	}

	resumed := connack.SessionPresent && !cleanStart
	c.resetSessionState(resumed, neg)

	c.aliasOut.Reset(neg.TopicAliasMaximum)
	c.aliasIn.Reset(c.opts.TopicAliasMaximum)

	keepalive := time.Duration(neg.KeepAlive) * time.Second
	cn := newConn(c, tr, keepalive, neg.MaximumPacketSize)
	cn.preread = leftover

	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	c.state.SetPhase(session.Connected)

	cn.start()
	go c.superviseConn(cn)

	if resumed {
		c.resendPending(cn)
	}

	return &ConnectResult{
		ReasonCode:          connack.ReasonCode,
		SessionPresent:      connack.SessionPresent,
		ReasonString:        connack.Properties.String(encoding.PropReasonString),
		Negotiated:          neg,
		AssignedClientID:    neg.AssignedClientID,
		ResponseInformation: neg.ResponseInformation,
	}, nil
}

// handshake reads packets until the CONNACK arrives, driving any
// enhanced-auth AUTH exchange through the configured authenticator. Returns
// the CONNACK plus any bytes the broker sent after it.
func (c *Client) handshake(ctx context.Context, tr transport.Transport) (*encoding.ConnackPacket, []byte, error) {
	// A watchdog tears the transport down when the context expires, which
	// unblocks the synchronous reads below
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = tr.Close()
		case <-watchdogDone:
		}
	}()

	var buf []byte
	chunk := make([]byte, readChunkSize)

	for {
		pkt, consumed, derr := encoding.Decode(buf, c.opts.MaximumPacketSize)
		switch {
		case derr == nil:
			buf = buf[consumed:]

			switch p := pkt.(type) {
			case *encoding.ConnackPacket:
				return p, buf, nil
			case *encoding.AuthPacket:
				if err := c.answerAuth(tr, p); err != nil {
					return nil, nil, err
				}
			default:
				return nil, nil, encoding.NewProtocolError(encoding.ErrInvalidType,
					"unexpected "+pkt.Type().String()+" before CONNACK")
			}
			continue

		case derr == encoding.ErrNeedMoreData:
		default:
			return nil, nil, derr
		}

		n, err := tr.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ErrOperationTimedOut
			}
			return nil, nil, &ConnectionError{Err: err}
		}
	}
}

// answerAuth runs one round of the enhanced-auth exchange during the
// handshake, writing directly since the pipelines are not up yet.
func (c *Client) answerAuth(tr transport.Transport, pkt *encoding.AuthPacket) error {
	auth := c.opts.Authenticator
	if auth == nil {
		return encoding.NewProtocolError(encoding.ErrInvalidType, "AUTH without authenticator")
	}

	method := pkt.Properties.String(encoding.PropAuthenticationMethod)
	data, err := auth.Authenticate(method, pkt.Properties.Binary(encoding.PropAuthenticationData))
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	reply := &encoding.AuthPacket{ReasonCode: encoding.ReasonContinueAuthentication}
	if method != "" {
		_ = reply.Properties.Add(encoding.PropAuthenticationMethod, method)
	}
	_ = reply.Properties.Add(encoding.PropAuthenticationData, data)

	if _, err := encoding.WriteTo(tr, reply); err != nil {
		return &ConnectionError{Err: err}
	}
	return nil
}

// negotiate folds the CONNACK properties into the effective parameters.
func (c *Client) negotiate(connack *encoding.ConnackPacket) session.Negotiated {
	props := &connack.Properties

	keepalive := uint16(c.opts.KeepAlive)
	if server := props.Uint16(encoding.PropServerKeepAlive, 0); server > keepalive {
		keepalive = server
	}

	sessionExpiry := uint32(c.opts.SessionExpiryInterval)
	if p := props.Get(encoding.PropSessionExpiryInterval); p != nil {
		sessionExpiry = props.Uint32(encoding.PropSessionExpiryInterval, sessionExpiry)
	}

	return session.Negotiated{
		KeepAlive:                keepalive,
		SessionExpiryInterval:    sessionExpiry,
		ReceiveMaximum:           props.Uint16(encoding.PropReceiveMaximum, 65535),
		MaximumPacketSize:        props.Uint32(encoding.PropMaximumPacketSize, 0),
		TopicAliasMaximum:        props.Uint16(encoding.PropTopicAliasMaximum, 0),
		MaximumQoS:               props.Byte(encoding.PropMaximumQoS, 2),
		RetainAvailable:          props.Byte(encoding.PropRetainAvailable, 1) == 1,
		WildcardSubAvailable:     props.Byte(encoding.PropWildcardSubscriptionAvailable, 1) == 1,
		SubscriptionIDsAvailable: props.Byte(encoding.PropSubscriptionIdentifierAvailable, 1) == 1,
		SharedSubAvailable:       props.Byte(encoding.PropSharedSubscriptionAvailable, 1) == 1,
		AssignedClientID:         props.String(encoding.PropAssignedClientIdentifier),
		ResponseInformation:      props.String(encoding.PropResponseInformation),
		ServerReference:          props.String(encoding.PropServerReference),
	}
}

// resetSessionState sizes the in-flight table for the negotiated window and,
// when the session did not survive, discards every piece of prior session
// state.
func (c *Client) resetSessionState(resumed bool, neg session.Negotiated) {
	capacity := int(c.opts.ReceiveMaximum)
	if int(neg.ReceiveMaximum) < capacity {
		capacity = int(neg.ReceiveMaximum)
	}
	if capacity < 1 {
		capacity = 1
	}

	if c.currentInflight() == nil {
		table, _ := session.NewInflight(capacity)
		c.mu.Lock()
		c.inflight = table
		c.mu.Unlock()
		return
	}
	if resumed {
		// The existing table and its entries carry over; the negotiated
		// window is fixed at first connect
		return
	}

	for _, p := range c.currentInflight().Clear() {
		_ = c.ids.Release(p.PacketID)
	}
	c.metrics.setInflight(0)
	c.completePublishTokens(ErrConnectionLost)

	c.mu.Lock()
	for id := range c.pending {
		delete(c.pending, id)
	}
	for id := range c.acks {
		delete(c.acks, id)
	}
	c.mu.Unlock()

	c.state.ResetReceived()
	c.subs.Clear()

	table, _ := session.NewInflight(capacity)
	c.mu.Lock()
	c.inflight = table
	c.mu.Unlock()
}

// resendPending re-emits the surviving QoS flows after a resumed session:
// publishes still awaiting their first ack go out again with DUP=1 in
// original packet-id order; flows already released by PUBREC re-send PUBREL.
func (c *Client) resendPending(cn *conn) {
	for _, p := range c.currentInflight().Snapshot() {
		switch p.State {
		case session.AwaitingPubAck, session.AwaitingPubRec:
			c.mu.Lock()
			op := c.pending[p.PacketID]
			c.mu.Unlock()

			if op == nil || op.msg == nil {
				// No flow bookkeeping survived; replay the stored packet
				if pub, ok := p.Packet.(*encoding.PublishPacket); ok {
					pub.DUP = true
					_ = cn.enqueuePublish(&outPublish{op: &pendingOp{kind: opPublish, token: newToken(), pub: &PublishResult{}}, pending: p, pkt: pub, resend: true})
				}
				continue
			}

			if op.msg.IsExpired() {
				c.unwindPublish(p.PacketID)
				op.token.complete(ErrMessageExpired)
				continue
			}

			pub, err := op.msg.packet()
			if err != nil {
				continue
			}
			pub.PacketID = p.PacketID
			pub.DUP = true
			p.Packet = pub

			_ = cn.enqueuePublish(&outPublish{op: op, pending: p, pkt: pub, resend: true})

		case session.AwaitingPubComp:
			_ = cn.enqueueControl(&encoding.PubrelPacket{PacketID: p.PacketID, ReasonCode: encoding.ReasonSuccess})
		}
	}
}

// superviseConn owns the post-mortem of one connection: tear down, cancel
// what dies with the connection, and start the reconnect schedule when
// enabled.
func (c *Client) superviseConn(cn *conn) {
	<-cn.done()
	_ = cn.wait()
	_ = cn.tr.Close()

	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	c.mu.Unlock()

	c.state.SetPhase(session.Disconnected)

	// Subscribe/unsubscribe exchanges die with the connection; publish
	// obligations survive for session resumption
	c.cancelRequests(ErrConnectionLost)

	c.bus.Emit(event.AfterDisconnect, nil, cn.failErr)

	if cn.userStop.Load() || c.closed.Load() {
		return
	}

	if !c.opts.AutoReconnect {
		c.completePublishTokens(ErrConnectionLost)
		return
	}

	go c.reconnectLoop()
}

// reconnectLoop re-establishes a lost session with exponential backoff.
func (c *Client) reconnectLoop() {
	bo := newBackoff(c.opts.Backoff)

	for !c.closed.Load() {
		wait, ok := bo.Next()
		if !ok {
			c.log.Error("reconnect budget exhausted")
			c.completePublishTokens(ErrConnectionLost)
			return
		}

		time.Sleep(wait)
		if c.closed.Load() {
			return
		}

		c.metrics.observeReconnect()
		c.state.SetPhase(session.Connecting)

		if _, err := c.establish(context.Background(), false); err != nil {
			c.log.Warn("reconnect failed", "attempt", bo.Attempt(), "err", err)
			c.state.SetPhase(session.Disconnected)
			continue
		}

		c.log.Info("session re-established", "attempts", bo.Attempt())
		return
	}
}

// cancelRequests completes and discards every pending subscribe/unsubscribe.
func (c *Client) cancelRequests(err error) {
	c.mu.Lock()
	var canceled []*pendingOp
	for id, op := range c.pending {
		if op.kind == opPublish {
			continue
		}
		delete(c.pending, id)
		canceled = append(canceled, op)
		_ = c.ids.Release(id)
	}
	c.mu.Unlock()

	for _, op := range canceled {
		op.token.complete(err)
	}
}

// completePublishTokens releases callers waiting on publish flows without
// abandoning the flows themselves.
func (c *Client) completePublishTokens(err error) {
	c.mu.Lock()
	var ops []*pendingOp
	for _, op := range c.pending {
		if op.kind == opPublish {
			ops = append(ops, op)
		}
	}
	c.mu.Unlock()

	for _, op := range ops {
		op.token.complete(err)
	}
}

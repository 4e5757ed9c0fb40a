package axon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axmq/axon/encoding"
	"github.com/axmq/axon/event"
)

func TestConnectNegotiation(t *testing.T) {
	connack := connackSuccess(false)
	require.NoError(t, connack.Properties.Add(encoding.PropReceiveMaximum, uint16(20)))
	require.NoError(t, connack.Properties.Add(encoding.PropMaximumPacketSize, uint32(1024)))
	require.NoError(t, connack.Properties.Add(encoding.PropTopicAliasMaximum, uint16(5)))
	require.NoError(t, connack.Properties.Add(encoding.PropMaximumQoS, byte(1)))
	require.NoError(t, connack.Properties.Add(encoding.PropAssignedClientIdentifier, "assigned-01"))

	pipe := newPipeForTest(t)
	opts := DefaultOptions()
	opts.Transport = pipe
	opts.ClientID = "" // force auto-generation, broker overrides
	opts.KeepAlive = 0
	opts.SessionExpiryInterval = 60

	c, err := New(opts)
	require.NoError(t, err)
	defer c.Close()

	done := make(chan *ConnectResult, 1)
	go func() {
		res, err := c.Connect(context.Background())
		require.NoError(t, err)
		done <- res
	}()

	peer := <-pipe.Peers()
	broker := newTestBroker(t, peer)
	connect := broker.acceptConnect(connack)

	// Auto-generated ids fit every broker's mandatory 23-character support
	assert.NotEmpty(t, connect.ClientID)
	assert.LessOrEqual(t, len(connect.ClientID), 23)
	assert.Equal(t, uint32(60), connect.Properties.Uint32(encoding.PropSessionExpiryInterval, 0))

	res := <-done
	assert.True(t, c.IsConnected())
	assert.False(t, res.SessionPresent)
	assert.Equal(t, uint16(20), res.Negotiated.ReceiveMaximum)
	assert.Equal(t, uint32(1024), res.Negotiated.MaximumPacketSize)
	assert.Equal(t, uint16(5), res.Negotiated.TopicAliasMaximum)
	assert.Equal(t, byte(1), res.Negotiated.MaximumQoS)
	assert.Equal(t, "assigned-01", res.AssignedClientID)
}

func TestConnectRejected(t *testing.T) {
	pipe := newPipeForTest(t)
	opts := DefaultOptions()
	opts.Transport = pipe
	opts.KeepAlive = 0

	c, err := New(opts)
	require.NoError(t, err)
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background())
		done <- err
	}()

	peer := <-pipe.Peers()
	broker := newTestBroker(t, peer)
	broker.acceptConnect(&encoding.ConnackPacket{ReasonCode: encoding.ReasonNotAuthorized})

	err = <-done
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, encoding.ReasonNotAuthorized, rejected.ReasonCode)
	assert.False(t, c.IsConnected())
}

// S1: QoS 0 fire-and-forget creates no in-flight state and carries no
// reason code.
func TestPublishQoS0(t *testing.T) {
	c, broker, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	done := make(chan *PublishResult, 1)
	go func() {
		res, err := c.Publish(context.Background(), &Message{
			Topic:   "tests/x",
			Payload: []byte("hello"),
			QoS:     encoding.QoS0,
		})
		require.NoError(t, err)
		done <- res
	}()

	pub := broker.expectPublish()
	res := <-done
	assert.False(t, res.Acknowledged)
	assert.Equal(t, encoding.QoS0, res.Message.QoS)
	assert.Equal(t, "tests/x", pub.Topic)
	assert.Equal(t, []byte("hello"), pub.Payload)
	assert.Zero(t, pub.PacketID)

	assert.Zero(t, c.currentInflight().Len())
	assert.Zero(t, c.ids.Held())
}

// S2: a QoS 1 publish with no matching subscribers surfaces the broker's
// reason code and releases its packet identifier.
func TestPublishQoS1NoSubscribers(t *testing.T) {
	c, broker, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	done := make(chan *PublishResult, 1)
	go func() {
		res, err := c.Publish(context.Background(), &Message{
			Topic:   "tests/MostBasicPublishWithQoS1",
			Payload: []byte(`{"interference":"1029384"}`),
			QoS:     encoding.QoS1,
		})
		require.NoError(t, err)
		done <- res
	}()

	pub := broker.expectPublish()
	require.Equal(t, encoding.QoS1, pub.QoS)
	require.NotZero(t, pub.PacketID)
	broker.send(&encoding.PubackPacket{PacketID: pub.PacketID, ReasonCode: encoding.ReasonNoMatchingSubscribers})

	res := <-done
	assert.True(t, res.Acknowledged)
	assert.Equal(t, encoding.ReasonNoMatchingSubscribers, res.ReasonCode)

	waitFor(t, func() bool { return c.ids.Held() == 0 }, "packet id release")
	assert.Zero(t, c.currentInflight().Len())
}

// Failure reason codes above 0x80 terminate the flow with an error but keep
// the connection up.
func TestPublishQoS1BrokerRejection(t *testing.T) {
	c, broker, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.Publish(context.Background(), &Message{Topic: "denied", Payload: []byte("x"), QoS: encoding.QoS1})
		done <- err
	}()

	pub := broker.expectPublish()
	broker.send(&encoding.PubackPacket{PacketID: pub.PacketID, ReasonCode: encoding.ReasonNotAuthorized})

	err := <-done
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, encoding.ReasonNotAuthorized, rejected.ReasonCode)
	assert.True(t, c.IsConnected())
}

// S3, send side: the full QoS 2 exchange.
func TestPublishQoS2Flow(t *testing.T) {
	c, broker, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	done := make(chan *PublishResult, 1)
	go func() {
		res, err := c.Publish(context.Background(), &Message{
			Topic:   "tests/QoS2",
			Payload: []byte("Manual ack QoS 2 payload"),
			QoS:     encoding.QoS2,
		})
		require.NoError(t, err)
		done <- res
	}()

	pub := broker.expectPublish()
	require.Equal(t, encoding.QoS2, pub.QoS)
	broker.send(&encoding.PubrecPacket{PacketID: pub.PacketID, ReasonCode: encoding.ReasonSuccess})

	rel := broker.readPacket(5 * time.Second)
	pubrel, ok := rel.(*encoding.PubrelPacket)
	require.True(t, ok, "expected PUBREL, got %s", rel.Type())
	assert.Equal(t, pub.PacketID, pubrel.PacketID)

	broker.send(&encoding.PubcompPacket{PacketID: pub.PacketID, ReasonCode: encoding.ReasonSuccess})

	res := <-done
	assert.True(t, res.Acknowledged)

	waitFor(t, func() bool { return c.ids.Held() == 0 }, "packet id release")
	assert.Zero(t, c.currentInflight().Len())
}

// A PUBREC with a failure reason terminates the QoS 2 flow without PUBREL.
func TestPublishQoS2PubrecFailure(t *testing.T) {
	c, broker, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.Publish(context.Background(), &Message{Topic: "q", Payload: []byte("x"), QoS: encoding.QoS2})
		done <- err
	}()

	pub := broker.expectPublish()
	broker.send(&encoding.PubrecPacket{PacketID: pub.PacketID, ReasonCode: encoding.ReasonQuotaExceeded})

	err := <-done
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)

	// No PUBREL follows a failed PUBREC
	_, got := broker.tryReadPacket(200 * time.Millisecond)
	assert.False(t, got)
	waitFor(t, func() bool { return c.ids.Held() == 0 }, "packet id release")
}

// S3, receive side: inbound QoS 2 delivers exactly once even when the
// broker retransmits with DUP=1.
func TestInboundQoS2ExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	var delivered []string

	c, broker, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	c.OnMessage(func(_ *Client, m *Message) {
		mu.Lock()
		delivered = append(delivered, string(m.Payload))
		mu.Unlock()
	})

	inbound := &encoding.PublishPacket{Topic: "tests/QoS2", PacketID: 77, QoS: encoding.QoS2, Payload: []byte("once")}
	broker.send(inbound)

	rec := broker.readPacket(5 * time.Second)
	require.Equal(t, encoding.PUBREC, rec.Type())

	// Broker retransmits before sending PUBREL
	dup := *inbound
	dup.DUP = true
	broker.send(&dup)

	rec = broker.readPacket(5 * time.Second)
	require.Equal(t, encoding.PUBREC, rec.Type())

	broker.send(&encoding.PubrelPacket{PacketID: 77, ReasonCode: encoding.ReasonSuccess})

	comp := broker.readPacket(5 * time.Second)
	pubcomp, ok := comp.(*encoding.PubcompPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(77), pubcomp.PacketID)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, "exactly one delivery")

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"once"}, delivered)
	mu.Unlock()
}

// A PUBREL for an unknown identifier still gets a PUBCOMP, carrying
// PacketIdentifierNotFound.
func TestPubrelUnknownID(t *testing.T) {
	c, broker, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	broker.send(&encoding.PubrelPacket{PacketID: 999, ReasonCode: encoding.ReasonSuccess})

	comp := broker.readPacket(5 * time.Second)
	pubcomp, ok := comp.(*encoding.PubcompPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(999), pubcomp.PacketID)
	assert.Equal(t, encoding.ReasonPacketIdentifierNotFound, pubcomp.ReasonCode)
}

// S6: with ReceiveMaximum 2 the third publish suspends until an ack frees a
// slot; nothing beyond the window reaches the wire.
func TestInflightWindowBackpressure(t *testing.T) {
	connack := connackSuccess(false)
	require.NoError(t, connack.Properties.Add(encoding.PropReceiveMaximum, uint16(2)))

	c, broker, _ := startClient(t, func(o *Options) {
		o.ReceiveMaximum = 2
		o.ResponseTimeout = 10 * time.Second
	}, connack)
	defer c.Close()

	results := make(chan uint16, 3)
	for i := 0; i < 3; i++ {
		payload := []byte{byte(i)}
		go func() {
			res, err := c.Publish(context.Background(), &Message{Topic: "win", Payload: payload, QoS: encoding.QoS1})
			if err == nil {
				results <- res.Message.PacketID
			}
		}()
	}

	first := broker.expectPublish()
	second := broker.expectPublish()

	// The third publish must not reach the wire while the window is full
	_, got := broker.tryReadPacket(300 * time.Millisecond)
	require.False(t, got, "third publish escaped a full window")

	broker.send(&encoding.PubackPacket{PacketID: first.PacketID, ReasonCode: encoding.ReasonSuccess})

	third := broker.expectPublish()
	broker.send(&encoding.PubackPacket{PacketID: second.PacketID, ReasonCode: encoding.ReasonSuccess})
	broker.send(&encoding.PubackPacket{PacketID: third.PacketID, ReasonCode: encoding.ReasonSuccess})

	waitFor(t, func() bool { return c.currentInflight().Len() == 0 }, "window drain")
}

func TestSubscribeAndRoute(t *testing.T) {
	c, broker, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	var mu sync.Mutex
	var viaFilter, viaGlobal []string
	c.OnMessage(func(_ *Client, m *Message) {
		mu.Lock()
		viaGlobal = append(viaGlobal, m.Topic)
		mu.Unlock()
	})

	done := make(chan *SubscribeResult, 1)
	go func() {
		res, err := c.Subscribe(context.Background(), SubscribeOption{
			Filter: "sport/tennis/+",
			QoS:    encoding.QoS1,
			Handler: func(_ *Client, m *Message) {
				mu.Lock()
				viaFilter = append(viaFilter, m.Topic)
				mu.Unlock()
			},
		})
		require.NoError(t, err)
		done <- res
	}()

	pkt := broker.readPacket(5 * time.Second)
	sub, ok := pkt.(*encoding.SubscribePacket)
	require.True(t, ok)
	require.Len(t, sub.Subscriptions, 1)
	assert.Equal(t, "sport/tennis/+", sub.Subscriptions[0].TopicFilter)

	broker.send(&encoding.SubackPacket{PacketID: sub.PacketID, ReasonCodes: []encoding.ReasonCode{encoding.ReasonGrantedQoS1}})

	res := <-done
	assert.True(t, res.AllGranted())
	assert.True(t, c.subs.Contains("sport/tennis/+"))

	// A matching publish reaches both handlers
	broker.send(&encoding.PublishPacket{Topic: "sport/tennis/player1", QoS: encoding.QoS0, Payload: []byte("m")})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(viaFilter) == 1 && len(viaGlobal) == 1
	}, "delivery to both handlers")
}

func TestSubscribeRejectedFiltersStayOut(t *testing.T) {
	c, broker, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	done := make(chan *SubscribeResult, 1)
	go func() {
		res, err := c.Subscribe(context.Background(),
			SubscribeOption{Filter: "ok/topic", QoS: encoding.QoS1},
			SubscribeOption{Filter: "denied/topic", QoS: encoding.QoS1},
		)
		require.NoError(t, err)
		done <- res
	}()

	pkt := broker.readPacket(5 * time.Second)
	sub := pkt.(*encoding.SubscribePacket)
	broker.send(&encoding.SubackPacket{
		PacketID:    sub.PacketID,
		ReasonCodes: []encoding.ReasonCode{encoding.ReasonGrantedQoS1, encoding.ReasonNotAuthorized},
	})

	res := <-done
	assert.False(t, res.AllGranted())
	assert.True(t, c.subs.Contains("ok/topic"))
	assert.False(t, c.subs.Contains("denied/topic"))
}

func TestSubscribeInvalidFilter(t *testing.T) {
	c, _, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	for _, filter := range []string{"sport+", "sport/tennis#", "sport/tennis/#/ranking"} {
		_, err := c.Subscribe(context.Background(), SubscribeOption{Filter: filter})
		assert.ErrorIs(t, err, ErrInvalidTopicFilter, "filter %q", filter)
	}
}

func TestUnsubscribe(t *testing.T) {
	c, broker, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	// No wire traffic for a filter that was never subscribed
	_, err := c.Unsubscribe(context.Background(), "never/subscribed")
	assert.ErrorIs(t, err, ErrNoSuchSubscription)

	subDone := make(chan struct{})
	go func() {
		_, err := c.Subscribe(context.Background(), SubscribeOption{Filter: "a/b", QoS: encoding.QoS0})
		require.NoError(t, err)
		close(subDone)
	}()
	sub := broker.readPacket(5 * time.Second).(*encoding.SubscribePacket)
	broker.send(&encoding.SubackPacket{PacketID: sub.PacketID, ReasonCodes: []encoding.ReasonCode{encoding.ReasonGrantedQoS0}})
	<-subDone

	unsubDone := make(chan *UnsubscribeResult, 1)
	go func() {
		res, err := c.Unsubscribe(context.Background(), "a/b")
		require.NoError(t, err)
		unsubDone <- res
	}()

	pkt := broker.readPacket(5 * time.Second)
	unsub, ok := pkt.(*encoding.UnsubscribePacket)
	require.True(t, ok)
	assert.Equal(t, []string{"a/b"}, unsub.TopicFilters)
	broker.send(&encoding.UnsubackPacket{PacketID: unsub.PacketID, ReasonCodes: []encoding.ReasonCode{encoding.ReasonSuccess}})

	res := <-unsubDone
	require.Len(t, res.ReasonCodes, 1)
	assert.False(t, c.subs.Contains("a/b"))
}

// S7: manual-ack mode defers the PUBACK until Ack; a second Ack fails and
// writes nothing.
func TestManualAckDoubleAck(t *testing.T) {
	c, broker, _ := startClient(t, func(o *Options) { o.ManualAcks = true }, connackSuccess(false))
	defer c.Close()

	received := make(chan *Message, 1)
	c.OnMessage(func(_ *Client, m *Message) { received <- m })

	broker.send(&encoding.PublishPacket{Topic: "manual/q1", PacketID: 42, QoS: encoding.QoS1, Payload: []byte("p")})

	var msg *Message
	select {
	case msg = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	// No PUBACK before the explicit Ack
	_, got := broker.tryReadPacket(200 * time.Millisecond)
	require.False(t, got, "PUBACK sent before Ack")

	require.NoError(t, c.Ack(msg))

	ack := broker.readPacket(5 * time.Second)
	puback, ok := ack.(*encoding.PubackPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(42), puback.PacketID)

	// The second ack fails and produces no second PUBACK
	assert.ErrorIs(t, c.Ack(msg), ErrAlreadyAcknowledged)
	_, got = broker.tryReadPacket(200 * time.Millisecond)
	assert.False(t, got, "second PUBACK observed")

	assert.ErrorIs(t, c.AckID(9999), ErrUnknownPacketID)
}

func TestManualAckDisabled(t *testing.T) {
	c, _, _ := startClient(t, nil, connackSuccess(false))
	defer c.Close()

	assert.ErrorIs(t, c.AckID(1), ErrManualAcksDisabled)

	// Acking a QoS 0 message is a no-op even with manual acks off
	assert.NoError(t, c.Ack(&Message{QoS: encoding.QoS0}))
}

// Invariant 5: the first publish binds the alias with the full topic, the
// second carries only the alias.
func TestOutboundTopicAlias(t *testing.T) {
	connack := connackSuccess(false)
	require.NoError(t, connack.Properties.Add(encoding.PropTopicAliasMaximum, uint16(8)))

	c, broker, _ := startClient(t, nil, connack)
	defer c.Close()

	errs := make(chan error, 2)
	publish := func() {
		go func() {
			_, err := c.Publish(context.Background(), &Message{Topic: "a/b", Payload: []byte("x"), QoS: encoding.QoS0})
			errs <- err
		}()
	}

	publish()
	first := broker.expectPublish()
	require.NoError(t, <-errs)
	assert.Equal(t, "a/b", first.Topic)
	assert.Equal(t, uint16(1), first.Properties.Uint16(encoding.PropTopicAlias, 0))

	publish()
	second := broker.expectPublish()
	require.NoError(t, <-errs)
	assert.Equal(t, "", second.Topic)
	assert.Equal(t, uint16(1), second.Properties.Uint16(encoding.PropTopicAlias, 0))
}

// Inbound aliases resolve empty-topic publishes back to the bound topic.
func TestInboundTopicAlias(t *testing.T) {
	c, broker, _ := startClient(t, func(o *Options) { o.TopicAliasMaximum = 8 }, connackSuccess(false))
	defer c.Close()

	var mu sync.Mutex
	var topics []string
	c.OnMessage(func(_ *Client, m *Message) {
		mu.Lock()
		topics = append(topics, m.Topic)
		mu.Unlock()
	})

	bind := &encoding.PublishPacket{Topic: "a/b", QoS: encoding.QoS0, Payload: []byte("1")}
	require.NoError(t, bind.Properties.Add(encoding.PropTopicAlias, uint16(1)))
	broker.send(bind)

	byAlias := &encoding.PublishPacket{Topic: "", QoS: encoding.QoS0, Payload: []byte("2")}
	require.NoError(t, byAlias.Properties.Add(encoding.PropTopicAlias, uint16(1)))
	broker.send(byAlias)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(topics) == 2
	}, "both aliased deliveries")

	mu.Lock()
	assert.Equal(t, []string{"a/b", "a/b"}, topics)
	mu.Unlock()
}

func TestPublishValidation(t *testing.T) {
	connack := connackSuccess(false)
	require.NoError(t, connack.Properties.Add(encoding.PropMaximumQoS, byte(1)))
	require.NoError(t, connack.Properties.Add(encoding.PropRetainAvailable, byte(0)))

	c, _, _ := startClient(t, nil, connack)
	defer c.Close()

	_, err := c.Publish(context.Background(), &Message{Topic: "t", QoS: encoding.QoS2})
	assert.ErrorIs(t, err, ErrQoSNotSupported)

	_, err = c.Publish(context.Background(), &Message{Topic: "t", Retain: true})
	assert.ErrorIs(t, err, ErrRetainNotSupported)

	_, err = c.Publish(context.Background(), &Message{Topic: "wild/+/card"})
	assert.Error(t, err)

	_, err = c.Publish(context.Background(), &Message{Topic: ""})
	assert.Error(t, err)
}

// The broker's MaximumPacketSize is enforced locally; nothing goes on the
// wire.
func TestPublishPacketTooLarge(t *testing.T) {
	connack := connackSuccess(false)
	require.NoError(t, connack.Properties.Add(encoding.PropMaximumPacketSize, uint32(64)))

	c, broker, _ := startClient(t, nil, connack)
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.Publish(context.Background(), &Message{Topic: "big", Payload: make([]byte, 256), QoS: encoding.QoS1})
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPacketTooLarge)
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not fail")
	}

	_, got := broker.tryReadPacket(200 * time.Millisecond)
	assert.False(t, got, "oversized publish reached the wire")
	waitFor(t, func() bool { return c.ids.Held() == 0 }, "packet id release")
}

func TestDisconnectGraceful(t *testing.T) {
	c, broker, _ := startClient(t, nil, connackSuccess(false))

	done := make(chan bool, 1)
	go func() {
		completed, err := c.Disconnect(context.Background())
		require.NoError(t, err)
		done <- completed
	}()

	pkt := broker.readPacket(5 * time.Second)
	disc, ok := pkt.(*encoding.DisconnectPacket)
	require.True(t, ok)
	assert.Equal(t, encoding.ReasonNormalDisconnection, disc.ReasonCode)

	assert.True(t, <-done)
	assert.False(t, c.IsConnected())

	// Disconnecting again reports false
	completed, err := c.Disconnect(context.Background())
	require.NoError(t, err)
	assert.False(t, completed)

	c.Close()
}

func TestKeepalivePing(t *testing.T) {
	c, broker, _ := startClient(t, func(o *Options) { o.KeepAlive = 1 }, connackSuccess(false))
	defer c.Close()

	pkt := broker.readPacket(4 * time.Second)
	require.Equal(t, encoding.PINGREQ, pkt.Type())
	broker.send(&encoding.PingrespPacket{})

	// The connection survives the answered ping
	time.Sleep(100 * time.Millisecond)
	assert.True(t, c.IsConnected())
}

func TestEventObservation(t *testing.T) {
	pipe := newPipeForTest(t)
	opts := DefaultOptions()
	opts.Transport = pipe
	opts.KeepAlive = 0

	c, err := New(opts)
	require.NoError(t, err)
	defer c.Close()

	var mu sync.Mutex
	var seen []event.Event
	record := func(p event.Payload) {
		mu.Lock()
		seen = append(seen, p.Event)
		mu.Unlock()
	}
	c.Events().Subscribe(event.BeforeConnect, record)
	c.Events().Subscribe(event.ConnectSent, record)
	c.Events().Subscribe(event.ConnackReceived, record)
	c.Events().Subscribe(event.AfterConnect, record)

	done := make(chan struct{})
	go func() {
		_, err := c.Connect(context.Background())
		require.NoError(t, err)
		close(done)
	}()

	peer := <-pipe.Peers()
	broker := newTestBroker(t, peer)
	broker.acceptConnect(connackSuccess(false))
	<-done

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, "event sequence")

	mu.Lock()
	assert.Equal(t, []event.Event{event.BeforeConnect, event.ConnectSent, event.ConnackReceived, event.AfterConnect}, seen)
	mu.Unlock()
}

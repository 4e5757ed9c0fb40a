package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axmq/axon/encoding"
)

// collect registers a handler that appends labels to a shared slice,
// returning a waiter for n invocations.
type collector struct {
	mu     sync.Mutex
	labels []string
	wg     sync.WaitGroup
}

func (c *collector) handler(label string) Handler {
	return func(Payload) {
		c.mu.Lock()
		c.labels = append(c.labels, label)
		c.mu.Unlock()
		c.wg.Done()
	}
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.labels...)
}

func TestBusRegistrationOrder(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	col := &collector{}
	col.wg.Add(3)
	b.Subscribe(AfterConnect, col.handler("first"))
	b.Subscribe(AfterConnect, col.handler("second"))
	b.Subscribe(AfterConnect, col.handler("third"))

	b.Emit(AfterConnect, nil, nil)
	col.wg.Wait()

	assert.Equal(t, []string{"first", "second", "third"}, col.snapshot())
}

func TestBusEmissionOrder(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	col := &collector{}
	col.wg.Add(2)
	b.Subscribe(BeforeConnect, col.handler("before"))
	b.Subscribe(AfterConnect, col.handler("after"))

	b.Emit(BeforeConnect, nil, nil)
	b.Emit(AfterConnect, nil, nil)
	col.wg.Wait()

	assert.Equal(t, []string{"before", "after"}, col.snapshot())
}

func TestBusPanicContainment(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	col := &collector{}
	col.wg.Add(1)
	b.Subscribe(PublishSent, func(Payload) { panic("handler bug") })
	b.Subscribe(PublishSent, col.handler("survivor"))

	b.Emit(PublishSent, &encoding.PublishPacket{Topic: "t"}, nil)
	col.wg.Wait()

	// The panicking handler did not stop the next one
	assert.Equal(t, []string{"survivor"}, col.snapshot())
}

func TestBusWantsFastPath(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	assert.False(t, b.Wants(PubackReceived))

	remove := b.Subscribe(PubackReceived, func(Payload) {})
	assert.True(t, b.Wants(PubackReceived))

	remove()
	assert.False(t, b.Wants(PubackReceived))

	// Emitting with no handlers is a no-op
	b.Emit(PubackReceived, nil, nil)
}

func TestBusPayload(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	got := make(chan Payload, 1)
	b.Subscribe(PublishReceived, func(p Payload) { got <- p })

	pkt := &encoding.PublishPacket{Topic: "x/y", QoS: encoding.QoS1, PacketID: 4}
	b.Emit(PublishReceived, pkt, nil)

	select {
	case p := <-got:
		require.Equal(t, PublishReceived, p.Event)
		assert.Same(t, pkt, p.Packet)
	case <-time.After(time.Second):
		t.Fatal("payload not delivered")
	}
}

func TestBusCloseDrains(t *testing.T) {
	b := NewBus(nil)

	col := &collector{}
	col.wg.Add(1)
	b.Subscribe(AfterDisconnect, col.handler("final"))
	b.Emit(AfterDisconnect, nil, nil)

	// Close waits for queued emissions to deliver
	b.Close()
	assert.Equal(t, []string{"final"}, col.snapshot())

	// Emitting after close is a no-op
	b.Emit(AfterDisconnect, nil, nil)
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, "BeforeConnect", BeforeConnect.String())
	assert.Equal(t, "PubcompReceived", PubcompReceived.String())
	assert.Equal(t, "AuthReceived", AuthReceived.String())

	ev, ok := SentEvent(encoding.PINGREQ)
	require.True(t, ok)
	assert.Equal(t, PingreqSent, ev)

	ev, ok = ReceivedEvent(encoding.DISCONNECT)
	require.True(t, ok)
	assert.Equal(t, DisconnectReceived, ev)

	_, ok = SentEvent(encoding.CONNACK)
	assert.False(t, ok)
}

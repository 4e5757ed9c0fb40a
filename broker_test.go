package axon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/axmq/axon/encoding"
	"github.com/axmq/axon/transport"
)

func newPipeForTest(t *testing.T) *transport.Pipe {
	t.Helper()
	return transport.NewPipe()
}

// waitFor polls cond until it holds or the test fails.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testBroker plays the broker side of a transport.Pipe, speaking real wire
// bytes through the encoding package.
type testBroker struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

func newTestBroker(t *testing.T, conn net.Conn) *testBroker {
	return &testBroker{t: t, conn: conn}
}

// readPacket decodes the next packet from the client, failing the test after
// timeout.
func (b *testBroker) readPacket(timeout time.Duration) encoding.Packet {
	b.t.Helper()

	pkt, ok := b.tryReadPacket(timeout)
	if !ok {
		b.t.Fatalf("no packet from client within %v", timeout)
	}
	return pkt
}

// tryReadPacket is readPacket without the failure; ok is false on timeout.
func (b *testBroker) tryReadPacket(timeout time.Duration) (encoding.Packet, bool) {
	b.t.Helper()

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 4096)

	for {
		pkt, n, err := encoding.Decode(b.buf, 0)
		if err == nil {
			b.buf = b.buf[n:]
			return pkt, true
		}
		require.ErrorIs(b.t, err, encoding.ErrNeedMoreData)

		if time.Now().After(deadline) {
			return nil, false
		}
		_ = b.conn.SetReadDeadline(deadline)
		n, rerr := b.conn.Read(chunk)
		if n > 0 {
			b.buf = append(b.buf, chunk[:n]...)
		}
		if rerr != nil {
			if ne, okTimeout := rerr.(net.Error); okTimeout && ne.Timeout() {
				return nil, false
			}
			return nil, false
		}
	}
}

// send encodes and writes a packet to the client.
func (b *testBroker) send(pkt encoding.Packet) {
	b.t.Helper()

	buf, err := pkt.Append(nil)
	require.NoError(b.t, err)
	_ = b.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = b.conn.Write(buf)
	require.NoError(b.t, err)
}

// acceptConnect consumes the CONNECT and answers with the given CONNACK.
func (b *testBroker) acceptConnect(connack *encoding.ConnackPacket) *encoding.ConnectPacket {
	b.t.Helper()

	pkt := b.readPacket(5 * time.Second)
	connect, ok := pkt.(*encoding.ConnectPacket)
	require.True(b.t, ok, "expected CONNECT, got %s", pkt.Type())
	b.send(connack)
	return connect
}

// expectPublish reads the next packet and asserts it is a PUBLISH.
func (b *testBroker) expectPublish() *encoding.PublishPacket {
	b.t.Helper()

	pkt := b.readPacket(5 * time.Second)
	pub, ok := pkt.(*encoding.PublishPacket)
	require.True(b.t, ok, "expected PUBLISH, got %s", pkt.Type())
	return pub
}

// connackSuccess builds a plain successful CONNACK.
func connackSuccess(sessionPresent bool) *encoding.ConnackPacket {
	return &encoding.ConnackPacket{SessionPresent: sessionPresent, ReasonCode: encoding.ReasonSuccess}
}

// startClient builds a client over a fresh pipe and connects it, returning
// the client and the broker handle. The broker goroutine must keep consuming
// via the returned handle; net.Pipe is unbuffered.
func startClient(t *testing.T, mutate func(*Options), connack *encoding.ConnackPacket) (*Client, *testBroker, *transport.Pipe) {
	t.Helper()

	pipe := transport.NewPipe()

	opts := DefaultOptions()
	opts.Transport = pipe
	opts.ClientID = "test-client"
	opts.KeepAlive = 0
	opts.ResponseTimeout = 5 * time.Second
	if mutate != nil {
		mutate(opts)
	}

	c, err := New(opts)
	require.NoError(t, err)

	type connectResult struct {
		res *ConnectResult
		err error
	}
	done := make(chan connectResult, 1)
	go func() {
		res, err := c.Connect(context.Background())
		done <- connectResult{res, err}
	}()

	peer := <-pipe.Peers()
	broker := newTestBroker(t, peer)
	broker.acceptConnect(connack)

	r := <-done
	require.NoError(t, r.err)
	require.True(t, c.IsConnected())

	return c, broker, pipe
}

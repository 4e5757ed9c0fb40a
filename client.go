// Package axon is a client-side MQTT 5.0 engine: connection lifecycle,
// QoS 1/2 delivery state machines with flow control and session resumption,
// topic-alias management, keepalive, and subscription bookkeeping over a
// pluggable byte transport.
package axon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axmq/axon/alias"
	"github.com/axmq/axon/encoding"
	"github.com/axmq/axon/event"
	"github.com/axmq/axon/pkg/logger"
	"github.com/axmq/axon/session"
	"github.com/axmq/axon/topic"
)

// ErrInvalidTopicFilter wraps the topic package validation failures surfaced
// by Subscribe and Unsubscribe.
var ErrInvalidTopicFilter = errors.New("invalid topic filter")

// MessageHandler receives inbound publishes. The client is passed as an
// argument so subscriptions hold no reference back to it.
type MessageHandler func(c *Client, m *Message)

// SubscribeOption is one filter entry of a Subscribe call.
type SubscribeOption struct {
	Filter            string
	QoS               encoding.QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte

	// Handler, when set, receives matching publishes in addition to the
	// global handler
	Handler MessageHandler
}

type opKind byte

const (
	opPublish opKind = iota
	opSubscribe
	opUnsubscribe
)

// pendingOp is a wire exchange awaiting its acknowledgement, keyed by packet
// identifier.
type pendingOp struct {
	kind  opKind
	token *token

	// exactly one of these is set, matching kind
	pub   *PublishResult
	sub   *SubscribeResult
	unsub *UnsubscribeResult

	msg     *Message          // publish only; source of truth for resends
	subs    []SubscribeOption // subscribe only
	filters []string          // unsubscribe only
}

// inboundAck tracks a received QoS 1/2 publish in manual-ack mode.
type inboundAck struct {
	qos            encoding.QoS
	acked          bool
	pubrelReceived bool
}

// Client is an MQTT 5.0 client engine instance.
type Client struct {
	opts    *Options
	log     logger.Logger
	bus     *event.Bus
	metrics *metrics

	state    *session.State
	ids      *session.IDAllocator
	subs     *topic.Registry
	aliasOut *alias.Outbound
	aliasIn  *alias.Inbound

	mu       sync.Mutex
	inflight *session.Inflight
	conn     *conn
	pending  map[uint16]*pendingOp
	acks     map[uint16]*inboundAck

	handler atomic.Value // MessageHandler

	deliveries *workQueue

	lastDisconnectReason atomic.Value // encoding.ReasonCode

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a client from options. The options are validated and clamped;
// the returned client is in the Disconnected phase.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:     opts,
		log:      opts.Logger,
		bus:      event.NewBus(opts.Logger),
		metrics:  newMetrics(opts.MetricsRegisterer),
		state:    session.NewState(),
		ids:      session.NewIDAllocator(),
		subs:     topic.NewRegistry(),
		aliasOut: alias.NewOutbound(0),
		aliasIn:  alias.NewInbound(opts.TopicAliasMaximum),
		pending:  make(map[uint16]*pendingOp),
		acks:     make(map[uint16]*inboundAck),
	}
	c.deliveries = newWorkQueue()

	c.wg.Add(1)
	go c.deliverLoop()

	return c, nil
}

// OnMessage installs the global inbound message handler.
func (c *Client) OnMessage(h MessageHandler) {
	c.handler.Store(h)
}

// Events returns the client's event bus for observer registration.
func (c *Client) Events() *event.Bus {
	return c.bus
}

// IsConnected reports whether the session is in the Connected phase.
func (c *Client) IsConnected() bool {
	return c.state.Phase() == session.Connected
}

// LastDisconnectReason returns the reason code from the most recent
// broker-initiated DISCONNECT, if any.
func (c *Client) LastDisconnectReason() (encoding.ReasonCode, bool) {
	rc, ok := c.lastDisconnectReason.Load().(encoding.ReasonCode)
	return rc, ok
}

// Publish sends a message and, for QoS 1/2, waits for the acknowledgement
// exchange to complete. QoS >= 1 publishes suspend while the in-flight table
// is at capacity; that admission is the engine's backpressure. Cancelling ctx
// unblocks the caller but never abandons an already-started protocol
// exchange.
func (c *Client) Publish(ctx context.Context, msg *Message) (*PublishResult, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := topic.ValidateName(msg.Topic); err != nil {
		return nil, err
	}
	if !msg.QoS.IsValid() {
		return nil, encoding.ErrInvalidQoS
	}

	cn, err := c.liveConn()
	if err != nil {
		return nil, err
	}

	neg := c.state.Negotiated()
	if byte(msg.QoS) > neg.MaximumQoS {
		return nil, ErrQoSNotSupported
	}
	if msg.Retain && !neg.RetainAvailable {
		return nil, ErrRetainNotSupported
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	result := &PublishResult{Message: msg}
	op := &pendingOp{kind: opPublish, token: newToken(), pub: result, msg: msg}

	if msg.QoS == encoding.QoS0 {
		if err := cn.enqueuePublish(&outPublish{op: op}); err != nil {
			return nil, err
		}
		return result, c.await(ctx, op.token)
	}

	admitCtx, cancel := context.WithTimeout(ctx, c.opts.ResponseTimeout)
	defer cancel()

	id, err := c.ids.Acquire(admitCtx)
	if err != nil {
		return nil, c.mapWaitErr(ctx, err)
	}

	pkt, err := msg.packet()
	if err != nil {
		_ = c.ids.Release(id)
		return nil, err
	}
	pkt.PacketID = id
	msg.PacketID = id

	state := session.AwaitingPubAck
	if msg.QoS == encoding.QoS2 {
		state = session.AwaitingPubRec
	}
	pend := &session.Pending{PacketID: id, Packet: pkt, State: state, SentAt: time.Now()}

	inflight := c.currentInflight()
	if err := inflight.Add(admitCtx, pend); err != nil {
		_ = c.ids.Release(id)
		return nil, c.mapWaitErr(ctx, err)
	}
	c.metrics.setInflight(inflight.Len())

	c.mu.Lock()
	c.pending[id] = op
	c.mu.Unlock()

	if err := cn.enqueuePublish(&outPublish{op: op, pending: pend, pkt: pkt}); err != nil {
		c.unwindPublish(id)
		return nil, err
	}

	return result, c.await(ctx, op.token)
}

// Subscribe issues a SUBSCRIBE for one or more filters and waits for the
// SUBACK. Granted filters enter the registry; failed filters do not.
func (c *Client) Subscribe(ctx context.Context, subs ...SubscribeOption) (*SubscribeResult, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: no filters", ErrInvalidTopicFilter)
	}

	neg := c.state.Negotiated()
	for _, sub := range subs {
		if err := topic.ValidateFilter(sub.Filter); err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTopicFilter, sub.Filter, err)
		}
		if !sub.QoS.IsValid() {
			return nil, encoding.ErrInvalidQoS
		}
		if !neg.WildcardSubAvailable && containsWildcard(sub.Filter) {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTopicFilter, sub.Filter, topic.ErrSubscriptionNotAllowed)
		}
	}

	cn, err := c.liveConn()
	if err != nil {
		return nil, err
	}

	c.bus.Emit(event.BeforeSubscribe, nil, nil)

	admitCtx, cancel := context.WithTimeout(ctx, c.opts.ResponseTimeout)
	defer cancel()

	id, err := c.ids.Acquire(admitCtx)
	if err != nil {
		return nil, c.mapWaitErr(ctx, err)
	}

	pkt := &encoding.SubscribePacket{PacketID: id}
	for _, sub := range subs {
		pkt.Subscriptions = append(pkt.Subscriptions, encoding.Subscription{
			TopicFilter:       sub.Filter,
			QoS:               sub.QoS,
			NoLocal:           sub.NoLocal,
			RetainAsPublished: sub.RetainAsPublished,
			RetainHandling:    sub.RetainHandling,
		})
	}

	result := &SubscribeResult{}
	op := &pendingOp{kind: opSubscribe, token: newToken(), sub: result, subs: subs}

	c.mu.Lock()
	c.pending[id] = op
	c.mu.Unlock()

	if err := cn.enqueueControl(pkt); err != nil {
		c.dropPending(id)
		return nil, err
	}

	err = c.await(ctx, op.token)
	c.bus.Emit(event.AfterSubscribe, nil, err)
	return result, err
}

// Unsubscribe removes one or more filters. Filters not present in the
// registry fail locally before anything is sent.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) (*UnsubscribeResult, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("%w: no filters", ErrInvalidTopicFilter)
	}

	for _, filter := range filters {
		if err := topic.ValidateFilter(filter); err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTopicFilter, filter, err)
		}
		if !c.subs.Contains(filter) {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchSubscription, filter)
		}
	}

	cn, err := c.liveConn()
	if err != nil {
		return nil, err
	}

	c.bus.Emit(event.BeforeUnsubscribe, nil, nil)

	admitCtx, cancel := context.WithTimeout(ctx, c.opts.ResponseTimeout)
	defer cancel()

	id, err := c.ids.Acquire(admitCtx)
	if err != nil {
		return nil, c.mapWaitErr(ctx, err)
	}

	pkt := &encoding.UnsubscribePacket{PacketID: id, TopicFilters: filters}
	result := &UnsubscribeResult{}
	op := &pendingOp{kind: opUnsubscribe, token: newToken(), unsub: result, filters: filters}

	c.mu.Lock()
	c.pending[id] = op
	c.mu.Unlock()

	if err := cn.enqueueControl(pkt); err != nil {
		c.dropPending(id)
		return nil, err
	}

	err = c.await(ctx, op.token)
	c.bus.Emit(event.AfterUnsubscribe, nil, err)
	return result, err
}

// Ack acknowledges an inbound message in manual-ack mode. Acking a QoS 0
// message is a no-op; double-acks and unknown identifiers fail.
func (c *Client) Ack(m *Message) error {
	if m.QoS == encoding.QoS0 {
		return nil
	}
	return c.AckID(m.PacketID)
}

// AckID acknowledges by packet identifier.
func (c *Client) AckID(id uint16) error {
	if !c.opts.ManualAcks {
		return ErrManualAcksDisabled
	}
	if c.closed.Load() {
		return ErrClientClosed
	}

	cn, err := c.liveConn()
	if err != nil {
		return err
	}

	c.mu.Lock()
	entry, ok := c.acks[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownPacketID
	}
	if entry.acked {
		c.mu.Unlock()
		return ErrAlreadyAcknowledged
	}
	// The entry stays, marked acked, so a double-ack is detectable until
	// the broker reuses the identifier; the map is bounded by the 16-bit
	// identifier space
	entry.acked = true

	switch {
	case entry.qos == encoding.QoS1:
		c.mu.Unlock()
		return cn.enqueueControl(&encoding.PubackPacket{PacketID: id, ReasonCode: encoding.ReasonSuccess})
	case entry.pubrelReceived:
		// PUBREL already arrived; the deferred PUBCOMP goes out now
		c.mu.Unlock()
		return cn.enqueueControl(&encoding.PubcompPacket{PacketID: id, ReasonCode: encoding.ReasonSuccess})
	default:
		// PUBCOMP follows once the broker sends PUBREL
		c.mu.Unlock()
		return nil
	}
}

// Close tears the client down: a graceful disconnect when connected, then
// the workers. The client cannot be reused.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if c.state.Phase() == session.Connected {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DrainTimeout)
		_, _ = c.disconnect(ctx, encoding.ReasonNormalDisconnection)
		cancel()
	}

	c.deliveries.close()
	c.wg.Wait()
	c.bus.Close()
	return nil
}

// liveConn returns the current connection runtime or ErrNotConnected.
func (c *Client) liveConn() (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.state.Phase() != session.Connected {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// await blocks on the token, the caller's context, and the response timeout.
// Cancellation and timeout release the caller only; the protocol exchange
// keeps running to completion.
func (c *Client) await(ctx context.Context, t *token) error {
	timer := time.NewTimer(c.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ErrOperationCanceled
	case <-timer.C:
		return ErrOperationTimedOut
	}
}

// mapWaitErr converts a context failure from an internal admission wait into
// the public taxonomy.
func (c *Client) mapWaitErr(callerCtx context.Context, err error) error {
	if callerCtx.Err() != nil {
		return ErrOperationCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrOperationTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return ErrOperationCanceled
	}
	return err
}

// currentInflight returns the live in-flight table.
func (c *Client) currentInflight() *session.Inflight {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// unwindPublish reverses the bookkeeping of a publish that never reached the
// wire.
func (c *Client) unwindPublish(id uint16) {
	inflight := c.currentInflight()
	if _, ok := inflight.Remove(id); ok {
		c.metrics.setInflight(inflight.Len())
	}
	_ = c.ids.Release(id)
	c.dropPending(id)
}

// takePending removes and returns the op for id.
func (c *Client) takePending(id uint16) (*pendingOp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return op, ok
}

// dropPending removes the op for id without returning it.
func (c *Client) dropPending(id uint16) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// deliver routes an inbound message to the per-subscription handlers and the
// global handler, always on the delivery worker and never on the dispatcher.
func (c *Client) deliver(msg *Message) {
	var handlers []MessageHandler
	for _, sub := range c.subs.Matching(msg.Topic) {
		if sub.Handler != nil {
			if h, ok := sub.Handler.(MessageHandler); ok {
				handlers = append(handlers, h)
			}
		}
	}
	if h, ok := c.handler.Load().(MessageHandler); ok && h != nil {
		handlers = append(handlers, h)
	}
	if len(handlers) == 0 {
		return
	}

	c.deliveries.push(&deliveryItem{msg: msg, handlers: handlers})
}

func (c *Client) deliverLoop() {
	defer c.wg.Done()

	for {
		item, ok := c.deliveries.pop()
		if !ok {
			return
		}
		for _, h := range item.handlers {
			c.invokeHandler(h, item.msg)
		}
	}
}

func (c *Client) invokeHandler(h MessageHandler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("message handler panicked", "topic", msg.Topic, "panic", fmt.Sprintf("%v", r))
		}
	}()
	h(c, msg)
}

func containsWildcard(filter string) bool {
	for i := 0; i < len(filter); i++ {
		if filter[i] == '+' || filter[i] == '#' {
			return true
		}
	}
	return false
}

// deliveryItem pairs a message with its resolved handlers.
type deliveryItem struct {
	msg      *Message
	handlers []MessageHandler
}

// workQueue is an unbounded FIFO feeding the delivery worker, so a slow
// handler backs up deliveries without ever stalling the dispatcher.
type workQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*deliveryItem
	closed bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *workQueue) push(item *deliveryItem) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *workQueue) pop() (*deliveryItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *workQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

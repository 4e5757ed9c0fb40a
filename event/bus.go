package event

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/axmq/axon/encoding"
	"github.com/axmq/axon/pkg/logger"
)

// Payload is the argument delivered to handlers. It is only constructed when
// at least one handler is registered for the event.
type Payload struct {
	Event  Event
	Packet encoding.Packet // nil for lifecycle events
	Err    error           // set on failed operations
}

// Handler observes one emission of an event.
type Handler func(Payload)

type registration struct {
	id      uint64
	handler Handler
}

// Bus fans events out to registered handlers.
//
// Handlers for one event run in registration order on a single worker
// goroutine, never on the caller. A handler that panics is logged through the
// bus logger and does not affect later handlers or the emitting operation.
// Emission with no registered handlers is a single atomic load.
type Bus struct {
	log logger.Logger

	mu       sync.Mutex
	handlers [eventCount]atomic.Pointer[[]registration]
	nextID   uint64

	queueMu   sync.Mutex
	queue     []Payload
	queueCond *sync.Cond
	closed    bool
	done      chan struct{}
}

// NewBus creates a bus and starts its delivery worker.
func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.NewNopLogger()
	}

	b := &Bus{
		log:  log,
		done: make(chan struct{}),
	}
	b.queueCond = sync.NewCond(&b.queueMu)

	go b.deliverLoop()
	return b
}

// Subscribe registers a handler for an event and returns a function that
// removes it again.
func (b *Bus) Subscribe(e Event, h Handler) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	old := b.handlers[e].Load()
	var regs []registration
	if old != nil {
		regs = make([]registration, len(*old), len(*old)+1)
		copy(regs, *old)
	}
	regs = append(regs, registration{id: id, handler: h})
	b.handlers[e].Store(&regs)

	return func() { b.unsubscribe(e, id) }
}

func (b *Bus) unsubscribe(e Event, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.handlers[e].Load()
	if old == nil {
		return
	}
	regs := make([]registration, 0, len(*old))
	for _, reg := range *old {
		if reg.id != id {
			regs = append(regs, reg)
		}
	}
	b.handlers[e].Store(&regs)
}

// Wants reports whether any handler is registered for the event. Emission
// sites use it to skip payload construction entirely.
func (b *Bus) Wants(e Event) bool {
	regs := b.handlers[e].Load()
	return regs != nil && len(*regs) > 0
}

// Emit queues the payload for delivery. It never blocks on handlers and
// returns immediately when nothing is registered.
func (b *Bus) Emit(e Event, pkt encoding.Packet, err error) {
	if !b.Wants(e) {
		return
	}

	b.queueMu.Lock()
	if b.closed {
		b.queueMu.Unlock()
		return
	}
	b.queue = append(b.queue, Payload{Event: e, Packet: pkt, Err: err})
	b.queueMu.Unlock()
	b.queueCond.Signal()
}

func (b *Bus) deliverLoop() {
	defer close(b.done)

	for {
		b.queueMu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.queueCond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.queueMu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		b.queueMu.Unlock()

		for _, p := range batch {
			b.dispatch(p)
		}
	}
}

func (b *Bus) dispatch(p Payload) {
	regs := b.handlers[p.Event].Load()
	if regs == nil {
		return
	}
	for _, reg := range *regs {
		b.invoke(reg.handler, p)
	}
}

// invoke runs one handler, containing panics so they cannot reach the core.
func (b *Bus) invoke(h Handler, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				"event", p.Event.String(),
				"panic", fmt.Sprintf("%v", r))
		}
	}()
	h(p)
}

// Close stops the worker after draining queued emissions.
func (b *Bus) Close() {
	b.queueMu.Lock()
	if b.closed {
		b.queueMu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.queueMu.Unlock()
	b.queueCond.Signal()
	<-b.done
}

package session

import (
	"context"
	"sync"
	"time"

	"github.com/axmq/axon/encoding"
)

// PendingState tracks where an outbound QoS flow stands.
type PendingState byte

const (
	AwaitingPubAck  PendingState = iota // QoS 1, waiting for PUBACK
	AwaitingPubRec                      // QoS 2, waiting for PUBREC
	AwaitingPubComp                     // QoS 2, PUBREL sent, waiting for PUBCOMP
)

// String returns the state name
func (s PendingState) String() string {
	switch s {
	case AwaitingPubAck:
		return "AwaitingPubAck"
	case AwaitingPubRec:
		return "AwaitingPubRec"
	case AwaitingPubComp:
		return "AwaitingPubComp"
	default:
		return "UNKNOWN"
	}
}

// Pending is one in-flight outbound packet.
type Pending struct {
	PacketID uint16
	Packet   encoding.Packet
	State    PendingState
	SentAt   time.Time
}

// Inflight is the bounded table of outbound QoS >= 1 flows, keyed by packet
// identifier. Capacity is min(client ReceiveMaximum, broker ReceiveMaximum);
// Add suspends at capacity, which is the client's sole backpressure
// mechanism.
type Inflight struct {
	mu      sync.Mutex
	entries map[uint16]*Pending
	order   []uint16 // insertion order, for resend after reconnect

	// slots is the admission semaphore; one token per free capacity unit
	slots chan struct{}
	cap   int
}

// NewInflight creates a table with the given capacity.
func NewInflight(capacity int) (*Inflight, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}

	t := &Inflight{
		entries: make(map[uint16]*Pending, capacity),
		slots:   make(chan struct{}, capacity),
		cap:     capacity,
	}
	for i := 0; i < capacity; i++ {
		t.slots <- struct{}{}
	}
	return t, nil
}

// Add installs the entry, suspending while the table is at capacity. Returns
// ctx.Err() when the caller's cancellation fires first. The entry is visible
// to concurrent lookups before Add returns.
func (t *Inflight) Add(ctx context.Context, p *Pending) error {
	select {
	case <-t.slots:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	if _, dup := t.entries[p.PacketID]; dup {
		t.mu.Unlock()
		t.slots <- struct{}{}
		return ErrDuplicateEntry
	}
	t.entries[p.PacketID] = p
	t.order = append(t.order, p.PacketID)
	t.mu.Unlock()

	return nil
}

// Remove deletes the entry for id, waking at most one suspended Add caller.
// Idempotent: removing an absent id returns (nil, false).
func (t *Inflight) Remove(id uint16) (*Pending, bool) {
	t.mu.Lock()
	p, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}
	delete(t.entries, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	t.slots <- struct{}{}
	return p, true
}

// Get returns the entry for id without removing it.
func (t *Inflight) Get(id uint16) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	return p, ok
}

// TryUpdate replaces the entry for id only when the current entry is
// expected (a QoS 2 publish transitioning to its PUBREL form keeps its slot
// and identifier). Returns false when the entry changed underneath.
func (t *Inflight) TryUpdate(id uint16, updated, expected *Pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.entries[id]
	if !ok || current != expected {
		return false
	}
	t.entries[id] = updated
	return true
}

// Snapshot returns the entries in insertion order.
func (t *Inflight) Snapshot() []*Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Pending, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id])
	}
	return out
}

// Len returns the number of in-flight entries.
func (t *Inflight) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Cap returns the configured capacity.
func (t *Inflight) Cap() int {
	return t.cap
}

// Clear drops every entry and restores full capacity (clean-start connect).
// Returns the dropped entries in insertion order.
func (t *Inflight) Clear() []*Pending {
	t.mu.Lock()
	dropped := make([]*Pending, 0, len(t.order))
	for _, id := range t.order {
		dropped = append(dropped, t.entries[id])
	}
	t.entries = make(map[uint16]*Pending, t.cap)
	t.order = t.order[:0]
	t.mu.Unlock()

	for range dropped {
		t.slots <- struct{}{}
	}
	return dropped
}

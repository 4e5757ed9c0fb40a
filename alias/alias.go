// Package alias manages MQTT 5.0 topic alias tables for both directions of a
// client connection. Both tables are cleared on every (re)connect; aliases
// never survive a network session.
package alias

import (
	"container/list"
	"errors"
	"sync"
)

var (
	// ErrUnknownAlias indicates an inbound publish carried an empty topic
	// and an alias the broker never bound
	ErrUnknownAlias = errors.New("unknown topic alias for empty topic")

	// ErrAliasOutOfRange indicates an alias outside 1..maximum
	ErrAliasOutOfRange = errors.New("topic alias out of range")
)

// Outbound maps topic strings to the small integers substituted for them on
// the wire, bounded by the broker's Topic Alias Maximum. When the table is
// full the least-recently-used binding is evicted and its alias rebound.
type Outbound struct {
	mu      sync.Mutex
	max     uint16
	byTopic map[string]*list.Element
	lru     *list.List // front = most recently used
	next    uint16
}

type outboundEntry struct {
	topic string
	alias uint16
}

// NewOutbound creates an outbound table bounded by max. A zero max disables
// aliasing entirely.
func NewOutbound(max uint16) *Outbound {
	return &Outbound{
		max:     max,
		byTopic: make(map[string]*list.Element),
		lru:     list.New(),
		next:    1,
	}
}

// Assign resolves the alias for topic. The bool result reports whether the
// alias was already bound: when true the caller sends an empty topic with the
// alias; when false this is a fresh binding and both topic and alias go on
// the wire. alias is 0 when aliasing is disabled.
func (o *Outbound) Assign(topic string) (alias uint16, known bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.max == 0 {
		return 0, false
	}

	if el, ok := o.byTopic[topic]; ok {
		o.lru.MoveToFront(el)
		return el.Value.(*outboundEntry).alias, true
	}

	if o.next <= o.max {
		alias = o.next
		o.next++
	} else {
		// Table full: rebind the least-recently-used alias
		back := o.lru.Back()
		entry := back.Value.(*outboundEntry)
		alias = entry.alias
		delete(o.byTopic, entry.topic)
		o.lru.Remove(back)
	}

	o.byTopic[topic] = o.lru.PushFront(&outboundEntry{topic: topic, alias: alias})
	return alias, false
}

// Len returns the number of live bindings.
func (o *Outbound) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byTopic)
}

// Reset drops every binding; called on each connect.
func (o *Outbound) Reset(max uint16) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.max = max
	o.byTopic = make(map[string]*list.Element)
	o.lru.Init()
	o.next = 1
}

// Inbound maps broker-chosen aliases back to topic strings, bounded by the
// client's advertised Topic Alias Maximum.
type Inbound struct {
	mu      sync.RWMutex
	max     uint16
	byAlias map[uint16]string
}

// NewInbound creates an inbound table bounded by max.
func NewInbound(max uint16) *Inbound {
	return &Inbound{
		max:     max,
		byAlias: make(map[uint16]string),
	}
}

// Resolve returns the effective topic for an inbound publish carrying topic
// and alias. A non-empty topic with an alias (re)binds it; an empty topic
// requires a known alias.
func (i *Inbound) Resolve(topic string, aliasPresent bool, a uint16) (string, error) {
	if !aliasPresent {
		return topic, nil
	}

	if a == 0 || a > i.max {
		return "", ErrAliasOutOfRange
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if topic != "" {
		i.byAlias[a] = topic
		return topic, nil
	}

	bound, ok := i.byAlias[a]
	if !ok {
		return "", ErrUnknownAlias
	}
	return bound, nil
}

// Len returns the number of live bindings.
func (i *Inbound) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byAlias)
}

// Reset drops every binding; called on each connect.
func (i *Inbound) Reset(max uint16) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.max = max
	i.byAlias = make(map[uint16]string)
}

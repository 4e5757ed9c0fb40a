package session

import (
	"sync"
)

// Phase is the connection lifecycle phase.
type Phase int32

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Disconnecting
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "UNKNOWN"
	}
}

// Negotiated holds the effective connection parameters settled by the
// CONNACK exchange.
type Negotiated struct {
	KeepAlive                uint16 // effective: max(server keepalive, client keepalive)
	SessionExpiryInterval    uint32
	ReceiveMaximum           uint16 // broker's receive maximum
	MaximumPacketSize        uint32 // broker's maximum, 0 = unlimited
	TopicAliasMaximum        uint16 // broker's alias maximum
	MaximumQoS               byte
	RetainAvailable          bool
	WildcardSubAvailable     bool
	SubscriptionIDsAvailable bool
	SharedSubAvailable       bool
	AssignedClientID         string
	ResponseInformation      string
	ServerReference          string
}

// State is the per-client session state: lifecycle phase, negotiated
// parameters, and the QoS 2 inbound bookkeeping. The in-flight table and the
// id allocator are owned alongside it by the client.
type State struct {
	mu sync.RWMutex

	phase      Phase
	negotiated Negotiated

	// receivedQoS2 tracks inbound QoS 2 publishes between PUBREC and PUBREL
	// so broker retransmissions (DUP=1) deliver exactly once
	receivedQoS2 map[uint16]struct{}
}

// NewState creates session state in the Disconnected phase.
func NewState() *State {
	return &State{
		phase:        Disconnected,
		receivedQoS2: make(map[uint16]struct{}),
	}
}

// Phase returns the current lifecycle phase.
func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SetPhase moves the session to the given phase.
func (s *State) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Negotiated returns a snapshot of the negotiated parameters.
func (s *State) Negotiated() Negotiated {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.negotiated
}

// SetNegotiated installs the parameters settled by a CONNACK.
func (s *State) SetNegotiated(n Negotiated) {
	s.mu.Lock()
	s.negotiated = n
	s.mu.Unlock()
}

// MarkReceived records an inbound QoS 2 packet id. Returns false when the id
// is already present, meaning the publish is a retransmission and must not be
// delivered again.
func (s *State) MarkReceived(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.receivedQoS2[id]; dup {
		return false
	}
	s.receivedQoS2[id] = struct{}{}
	return true
}

// ReleaseReceived removes an inbound QoS 2 packet id on PUBREL. Returns
// false when the id is unknown.
func (s *State) ReleaseReceived(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receivedQoS2[id]; !ok {
		return false
	}
	delete(s.receivedQoS2, id)
	return true
}

// ReceivedCount returns the number of inbound QoS 2 flows awaiting PUBREL.
func (s *State) ReceivedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.receivedQoS2)
}

// ResetReceived clears the inbound QoS 2 set (clean-start connect).
func (s *State) ResetReceived() {
	s.mu.Lock()
	s.receivedQoS2 = make(map[uint16]struct{})
	s.mu.Unlock()
}

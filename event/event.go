// Package event fans lifecycle and packet observation events out to
// user-registered callbacks. Callbacks never run on the reader or dispatcher
// goroutines, and a callback that panics is captured and logged without
// affecting the client.
package event

import "github.com/axmq/axon/encoding"

// Event identifies a named observation point.
type Event byte

const (
	// Lifecycle events
	BeforeConnect Event = iota
	AfterConnect
	BeforeDisconnect
	AfterDisconnect
	BeforeSubscribe
	AfterSubscribe
	BeforeUnsubscribe
	AfterUnsubscribe

	// Packet-level events, one Sent/Received pair per control type
	ConnectSent
	ConnackReceived
	PublishSent
	PublishReceived
	PubackSent
	PubackReceived
	PubrecSent
	PubrecReceived
	PubrelSent
	PubrelReceived
	PubcompSent
	PubcompReceived
	SubscribeSent
	SubackReceived
	UnsubscribeSent
	UnsubackReceived
	PingreqSent
	PingrespReceived
	DisconnectSent
	DisconnectReceived
	AuthSent
	AuthReceived

	eventCount
)

// String returns the event name
func (e Event) String() string {
	names := [...]string{
		"BeforeConnect",
		"AfterConnect",
		"BeforeDisconnect",
		"AfterDisconnect",
		"BeforeSubscribe",
		"AfterSubscribe",
		"BeforeUnsubscribe",
		"AfterUnsubscribe",
		"ConnectSent",
		"ConnackReceived",
		"PublishSent",
		"PublishReceived",
		"PubackSent",
		"PubackReceived",
		"PubrecSent",
		"PubrecReceived",
		"PubrelSent",
		"PubrelReceived",
		"PubcompSent",
		"PubcompReceived",
		"SubscribeSent",
		"SubackReceived",
		"UnsubscribeSent",
		"UnsubackReceived",
		"PingreqSent",
		"PingrespReceived",
		"DisconnectSent",
		"DisconnectReceived",
		"AuthSent",
		"AuthReceived",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return "Unknown"
}

// SentEvent returns the Sent observation event for a control packet type.
func SentEvent(tp encoding.PacketType) (Event, bool) {
	switch tp {
	case encoding.CONNECT:
		return ConnectSent, true
	case encoding.PUBLISH:
		return PublishSent, true
	case encoding.PUBACK:
		return PubackSent, true
	case encoding.PUBREC:
		return PubrecSent, true
	case encoding.PUBREL:
		return PubrelSent, true
	case encoding.PUBCOMP:
		return PubcompSent, true
	case encoding.SUBSCRIBE:
		return SubscribeSent, true
	case encoding.UNSUBSCRIBE:
		return UnsubscribeSent, true
	case encoding.PINGREQ:
		return PingreqSent, true
	case encoding.DISCONNECT:
		return DisconnectSent, true
	case encoding.AUTH:
		return AuthSent, true
	default:
		return 0, false
	}
}

// ReceivedEvent returns the Received observation event for a control packet
// type.
func ReceivedEvent(tp encoding.PacketType) (Event, bool) {
	switch tp {
	case encoding.CONNACK:
		return ConnackReceived, true
	case encoding.PUBLISH:
		return PublishReceived, true
	case encoding.PUBACK:
		return PubackReceived, true
	case encoding.PUBREC:
		return PubrecReceived, true
	case encoding.PUBREL:
		return PubrelReceived, true
	case encoding.PUBCOMP:
		return PubcompReceived, true
	case encoding.SUBACK:
		return SubackReceived, true
	case encoding.UNSUBACK:
		return UnsubackReceived, true
	case encoding.PINGRESP:
		return PingrespReceived, true
	case encoding.DISCONNECT:
		return DisconnectReceived, true
	case encoding.AUTH:
		return AuthReceived, true
	default:
		return 0, false
	}
}

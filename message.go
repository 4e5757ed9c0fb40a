package axon

import (
	"time"

	"github.com/axmq/axon/encoding"
)

// PayloadFormat is the MQTT 5.0 payload format indicator.
type PayloadFormat byte

const (
	// PayloadBytes marks the payload as unspecified bytes (the default)
	PayloadBytes PayloadFormat = 0

	// PayloadUTF8 marks the payload as UTF-8 character data
	PayloadUTF8 PayloadFormat = 1
)

// Message is an application publish message, either handed to Publish or
// delivered to subscription handlers.
type Message struct {
	Topic   string
	Payload []byte
	QoS     encoding.QoS
	Retain  bool

	// DUP is wire-only; the engine sets it on retransmissions after a
	// resumed session and reports it on inbound duplicates
	DUP bool

	PayloadFormat   PayloadFormat
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte

	// MessageExpiry is honored when MessageExpirySet is true; the value is
	// seconds
	MessageExpiry    uint32
	MessageExpirySet bool

	// SubscriptionIdentifiers is populated on inbound messages only
	SubscriptionIdentifiers []uint32

	// UserProperties preserves order; duplicate keys are permitted
	UserProperties []encoding.UTF8Pair

	// PacketID is informational: the wire identifier of an inbound QoS 1/2
	// publish, needed for manual acknowledgement
	PacketID uint16

	// CreatedAt anchors message expiry bookkeeping across resends
	CreatedAt time.Time
}

// IsExpired reports whether the message expiry interval has fully elapsed.
func (m *Message) IsExpired() bool {
	if !m.MessageExpirySet || m.MessageExpiry == 0 || m.CreatedAt.IsZero() {
		return false
	}
	return time.Since(m.CreatedAt) >= time.Duration(m.MessageExpiry)*time.Second
}

// RemainingExpiry returns the not-yet-elapsed part of the expiry interval in
// seconds; it is what goes on the wire when the message is re-sent after a
// reconnect.
func (m *Message) RemainingExpiry() uint32 {
	if !m.MessageExpirySet || m.MessageExpiry == 0 || m.CreatedAt.IsZero() {
		return m.MessageExpiry
	}
	elapsed := uint32(time.Since(m.CreatedAt).Seconds())
	if elapsed >= m.MessageExpiry {
		return 0
	}
	return m.MessageExpiry - elapsed
}

// packet builds the wire PUBLISH for the message. The topic/alias fields are
// filled in by the writer, which owns the outbound alias table.
func (m *Message) packet() (*encoding.PublishPacket, error) {
	pkt := &encoding.PublishPacket{
		Topic:  m.Topic,
		DUP:    m.DUP,
		QoS:    m.QoS,
		Retain: m.Retain,
	}

	props := &pkt.Properties
	if m.PayloadFormat == PayloadUTF8 {
		if err := props.Add(encoding.PropPayloadFormatIndicator, byte(1)); err != nil {
			return nil, err
		}
	}
	if m.MessageExpirySet {
		if err := props.Add(encoding.PropMessageExpiryInterval, m.RemainingExpiry()); err != nil {
			return nil, err
		}
	}
	if m.ContentType != "" {
		if err := props.Add(encoding.PropContentType, m.ContentType); err != nil {
			return nil, err
		}
	}
	if m.ResponseTopic != "" {
		if err := props.Add(encoding.PropResponseTopic, m.ResponseTopic); err != nil {
			return nil, err
		}
	}
	if len(m.CorrelationData) > 0 {
		if err := props.Add(encoding.PropCorrelationData, m.CorrelationData); err != nil {
			return nil, err
		}
	}
	for _, pair := range m.UserProperties {
		if err := props.Add(encoding.PropUserProperty, pair); err != nil {
			return nil, err
		}
	}

	pkt.Payload = m.Payload
	return pkt, nil
}

// messageFromPacket converts an inbound PUBLISH (with the topic already
// resolved through the alias table) into an application message.
func messageFromPacket(pkt *encoding.PublishPacket, topic string) *Message {
	m := &Message{
		Topic:     topic,
		Payload:   pkt.Payload,
		QoS:       pkt.QoS,
		Retain:    pkt.Retain,
		DUP:       pkt.DUP,
		PacketID:  pkt.PacketID,
		CreatedAt: time.Now(),
	}

	props := &pkt.Properties
	if props.Byte(encoding.PropPayloadFormatIndicator, 0) == 1 {
		m.PayloadFormat = PayloadUTF8
	}
	if p := props.Get(encoding.PropMessageExpiryInterval); p != nil {
		m.MessageExpiry = props.Uint32(encoding.PropMessageExpiryInterval, 0)
		m.MessageExpirySet = true
	}
	m.ContentType = props.String(encoding.PropContentType)
	m.ResponseTopic = props.String(encoding.PropResponseTopic)
	m.CorrelationData = props.Binary(encoding.PropCorrelationData)
	m.SubscriptionIdentifiers = props.SubscriptionIdentifiers()
	m.UserProperties = props.UserProperties()

	return m
}

package encoding

// Packet is the interface implemented by all MQTT 5.0 control packets.
type Packet interface {
	// Type returns the control packet type
	Type() PacketType

	// Append encodes the full packet (fixed header included) onto dst
	Append(dst []byte) ([]byte, error)
}

// Decode decodes one complete control packet from the start of data and
// returns it together with the number of bytes consumed. ErrNeedMoreData is
// returned (with zero consumed) while data holds only a packet prefix; any
// other error is a protocol violation.
//
// maxPacketSize bounds the total packet size when non-zero; larger packets
// fail with a ProtocolError carrying ReasonPacketTooLarge.
func Decode(data []byte, maxPacketSize uint32) (Packet, int, error) {
	fh, headerLen, err := ParseFixedHeader(data)
	if err != nil {
		return nil, 0, err
	}

	total := headerLen + int(fh.RemainingLength)
	if maxPacketSize > 0 && uint32(total) > maxPacketSize {
		return nil, 0, &ProtocolError{Err: ErrMalformedPacket, ReasonCode: ReasonPacketTooLarge, Message: "inbound packet exceeds maximum packet size"}
	}
	if len(data) < total {
		return nil, 0, ErrNeedMoreData
	}

	body := data[headerLen:total]

	var pkt Packet
	switch fh.Type {
	case CONNECT:
		pkt, err = parseConnect(body)
	case CONNACK:
		pkt, err = parseConnack(body)
	case PUBLISH:
		pkt, err = parsePublish(fh, body)
	case PUBACK:
		pkt, err = parsePuback(body)
	case PUBREC:
		pkt, err = parsePubrec(body)
	case PUBREL:
		pkt, err = parsePubrel(body)
	case PUBCOMP:
		pkt, err = parsePubcomp(body)
	case SUBSCRIBE:
		pkt, err = parseSubscribe(body)
	case SUBACK:
		pkt, err = parseSuback(body)
	case UNSUBSCRIBE:
		pkt, err = parseUnsubscribe(body)
	case UNSUBACK:
		pkt, err = parseUnsuback(body)
	case PINGREQ:
		pkt, err = parsePingreq(body)
	case PINGRESP:
		pkt, err = parsePingresp(body)
	case DISCONNECT:
		pkt, err = parseDisconnect(body)
	case AUTH:
		pkt, err = parseAuth(body)
	default:
		return nil, 0, ErrInvalidType
	}

	if err != nil {
		return nil, 0, err
	}
	return pkt, total, nil
}

// WillMessage carries the last-will publication of a CONNECT packet
type WillMessage struct {
	Topic      string
	Payload    []byte
	QoS        QoS
	Retain     bool
	Properties Properties
}

// ConnectPacket represents an MQTT 5.0 CONNECT packet
type ConnectPacket struct {
	CleanStart   bool
	KeepAlive    uint16
	ClientID     string
	Properties   Properties
	Will         *WillMessage
	UsernameFlag bool
	Username     string
	PasswordFlag bool
	Password     []byte
}

func (p *ConnectPacket) Type() PacketType { return CONNECT }

// ConnackPacket represents an MQTT 5.0 CONNACK packet
type ConnackPacket struct {
	SessionPresent bool
	ReasonCode     ReasonCode
	Properties     Properties
}

func (p *ConnackPacket) Type() PacketType { return CONNACK }

// PublishPacket represents an MQTT 5.0 PUBLISH packet
type PublishPacket struct {
	Topic      string
	PacketID   uint16 // only for QoS 1 and 2
	DUP        bool
	QoS        QoS
	Retain     bool
	Properties Properties
	Payload    []byte
}

func (p *PublishPacket) Type() PacketType { return PUBLISH }

// PubackPacket represents an MQTT 5.0 PUBACK packet
type PubackPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties Properties
}

func (p *PubackPacket) Type() PacketType { return PUBACK }

// PubrecPacket represents an MQTT 5.0 PUBREC packet
type PubrecPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties Properties
}

func (p *PubrecPacket) Type() PacketType { return PUBREC }

// PubrelPacket represents an MQTT 5.0 PUBREL packet
type PubrelPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties Properties
}

func (p *PubrelPacket) Type() PacketType { return PUBREL }

// PubcompPacket represents an MQTT 5.0 PUBCOMP packet
type PubcompPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties Properties
}

func (p *PubcompPacket) Type() PacketType { return PUBCOMP }

// Subscription represents a single entry in a SUBSCRIBE packet
type Subscription struct {
	TopicFilter       string
	QoS               QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

// SubscribePacket represents an MQTT 5.0 SUBSCRIBE packet
type SubscribePacket struct {
	PacketID      uint16
	Properties    Properties
	Subscriptions []Subscription
}

func (p *SubscribePacket) Type() PacketType { return SUBSCRIBE }

// SubackPacket represents an MQTT 5.0 SUBACK packet
type SubackPacket struct {
	PacketID    uint16
	Properties  Properties
	ReasonCodes []ReasonCode
}

func (p *SubackPacket) Type() PacketType { return SUBACK }

// UnsubscribePacket represents an MQTT 5.0 UNSUBSCRIBE packet
type UnsubscribePacket struct {
	PacketID     uint16
	Properties   Properties
	TopicFilters []string
}

func (p *UnsubscribePacket) Type() PacketType { return UNSUBSCRIBE }

// UnsubackPacket represents an MQTT 5.0 UNSUBACK packet
type UnsubackPacket struct {
	PacketID    uint16
	Properties  Properties
	ReasonCodes []ReasonCode
}

func (p *UnsubackPacket) Type() PacketType { return UNSUBACK }

// PingreqPacket represents an MQTT 5.0 PINGREQ packet
type PingreqPacket struct{}

func (p *PingreqPacket) Type() PacketType { return PINGREQ }

// PingrespPacket represents an MQTT 5.0 PINGRESP packet
type PingrespPacket struct{}

func (p *PingrespPacket) Type() PacketType { return PINGRESP }

// DisconnectPacket represents an MQTT 5.0 DISCONNECT packet
type DisconnectPacket struct {
	ReasonCode ReasonCode
	Properties Properties
}

func (p *DisconnectPacket) Type() PacketType { return DISCONNECT }

// AuthPacket represents an MQTT 5.0 AUTH packet
type AuthPacket struct {
	ReasonCode ReasonCode
	Properties Properties
}

func (p *AuthPacket) Type() PacketType { return AUTH }

func parseConnect(body []byte) (*ConnectPacket, error) {
	pkt := &ConnectPacket{}
	offset := 0

	protocolName, n, err := readUTF8String(body)
	if err != nil {
		return nil, err
	}
	offset += n
	if protocolName != "MQTT" {
		return nil, ErrInvalidProtocolName
	}

	if len(body[offset:]) < 4 {
		return nil, ErrMalformedPacket
	}

	if body[offset] != 5 {
		return nil, ErrInvalidProtocolVersion
	}
	offset++

	flags := body[offset]
	offset++

	// Reserved bit (bit 0) must be 0
	if flags&0x01 != 0 {
		return nil, ErrMalformedPacket
	}

	pkt.CleanStart = flags&0x02 != 0
	willFlag := flags&0x04 != 0
	willQoS := QoS((flags & 0x18) >> 3)
	willRetain := flags&0x20 != 0
	pkt.PasswordFlag = flags&0x40 != 0
	pkt.UsernameFlag = flags&0x80 != 0

	if !willFlag && (willQoS != 0 || willRetain) {
		return nil, ErrMalformedPacket
	}
	if !willQoS.IsValid() {
		return nil, ErrInvalidQoS
	}

	keepAlive, n, err := readTwoByteInt(body[offset:])
	if err != nil {
		return nil, err
	}
	pkt.KeepAlive = keepAlive
	offset += n

	props, n, err := parseProperties(body[offset:])
	if err != nil {
		return nil, err
	}
	pkt.Properties = props
	offset += n

	clientID, n, err := readUTF8String(body[offset:])
	if err != nil {
		return nil, err
	}
	pkt.ClientID = clientID
	offset += n

	if willFlag {
		will := &WillMessage{QoS: willQoS, Retain: willRetain}

		willProps, n, err := parseProperties(body[offset:])
		if err != nil {
			return nil, err
		}
		will.Properties = willProps
		offset += n

		will.Topic, n, err = readUTF8String(body[offset:])
		if err != nil {
			return nil, err
		}
		offset += n

		will.Payload, n, err = readBinaryData(body[offset:])
		if err != nil {
			return nil, err
		}
		offset += n

		pkt.Will = will
	}

	if pkt.UsernameFlag {
		pkt.Username, n, err = readUTF8String(body[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
	}

	if pkt.PasswordFlag {
		pkt.Password, _, err = readBinaryData(body[offset:])
		if err != nil {
			return nil, err
		}
	}

	return pkt, nil
}

func parseConnack(body []byte) (*ConnackPacket, error) {
	if len(body) < 2 {
		return nil, ErrMalformedPacket
	}

	pkt := &ConnackPacket{}

	// Acknowledge flags: bit 0 is SessionPresent, bits 7-1 are reserved
	if body[0]&0xFE != 0 {
		return nil, ErrMalformedPacket
	}
	pkt.SessionPresent = body[0]&0x01 != 0
	pkt.ReasonCode = ReasonCode(body[1])

	props, _, err := parseProperties(body[2:])
	if err != nil {
		return nil, err
	}
	pkt.Properties = props

	return pkt, nil
}

func parsePublish(fh *FixedHeader, body []byte) (*PublishPacket, error) {
	pkt := &PublishPacket{
		DUP:    fh.DUP,
		QoS:    fh.QoS,
		Retain: fh.Retain,
	}

	topic, offset, err := readUTF8String(body)
	if err != nil {
		return nil, err
	}
	pkt.Topic = topic

	if fh.QoS > QoS0 {
		id, n, err := readTwoByteInt(body[offset:])
		if err != nil {
			return nil, ErrMissingPacketID
		}
		if id == 0 {
			return nil, ErrInvalidPacketID
		}
		pkt.PacketID = id
		offset += n
	}

	props, n, err := parseProperties(body[offset:])
	if err != nil {
		return nil, err
	}
	pkt.Properties = props
	offset += n

	if offset < len(body) {
		pkt.Payload = make([]byte, len(body)-offset)
		copy(pkt.Payload, body[offset:])
	}

	return pkt, nil
}

// parseAckBody handles the shared PUBACK/PUBREC/PUBREL/PUBCOMP layout:
// packet id, then an optional reason code and optional properties.
func parseAckBody(body []byte) (uint16, ReasonCode, Properties, error) {
	id, offset, err := readTwoByteInt(body)
	if err != nil {
		return 0, 0, Properties{}, err
	}
	if id == 0 {
		return 0, 0, Properties{}, ErrInvalidPacketID
	}

	if len(body) == 2 {
		return id, ReasonSuccess, Properties{}, nil
	}

	rc := ReasonCode(body[offset])
	offset++

	if len(body) == 3 {
		return id, rc, Properties{}, nil
	}

	props, _, err := parseProperties(body[offset:])
	if err != nil {
		return 0, 0, Properties{}, err
	}

	return id, rc, props, nil
}

func parsePuback(body []byte) (*PubackPacket, error) {
	id, rc, props, err := parseAckBody(body)
	if err != nil {
		return nil, err
	}
	return &PubackPacket{PacketID: id, ReasonCode: rc, Properties: props}, nil
}

func parsePubrec(body []byte) (*PubrecPacket, error) {
	id, rc, props, err := parseAckBody(body)
	if err != nil {
		return nil, err
	}
	return &PubrecPacket{PacketID: id, ReasonCode: rc, Properties: props}, nil
}

func parsePubrel(body []byte) (*PubrelPacket, error) {
	id, rc, props, err := parseAckBody(body)
	if err != nil {
		return nil, err
	}
	return &PubrelPacket{PacketID: id, ReasonCode: rc, Properties: props}, nil
}

func parsePubcomp(body []byte) (*PubcompPacket, error) {
	id, rc, props, err := parseAckBody(body)
	if err != nil {
		return nil, err
	}
	return &PubcompPacket{PacketID: id, ReasonCode: rc, Properties: props}, nil
}

func parseSubscribe(body []byte) (*SubscribePacket, error) {
	pkt := &SubscribePacket{}

	id, offset, err := readTwoByteInt(body)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, ErrInvalidPacketID
	}
	pkt.PacketID = id

	props, n, err := parseProperties(body[offset:])
	if err != nil {
		return nil, err
	}
	pkt.Properties = props
	offset += n

	for offset < len(body) {
		filter, n, err := readUTF8String(body[offset:])
		if err != nil {
			return nil, err
		}
		offset += n

		if offset >= len(body) {
			return nil, ErrMalformedPacket
		}
		options := body[offset]
		offset++

		// Reserved bits 7-6 must be 0
		if options&0xC0 != 0 {
			return nil, ErrMalformedPacket
		}

		sub := Subscription{
			TopicFilter:       filter,
			QoS:               QoS(options & 0x03),
			NoLocal:           options&0x04 != 0,
			RetainAsPublished: options&0x08 != 0,
			RetainHandling:    (options & 0x30) >> 4,
		}
		if !sub.QoS.IsValid() {
			return nil, ErrInvalidQoS
		}

		pkt.Subscriptions = append(pkt.Subscriptions, sub)
	}

	if len(pkt.Subscriptions) == 0 {
		return nil, NewProtocolError(ErrMalformedPacket, "SUBSCRIBE with no subscriptions")
	}

	return pkt, nil
}

func parseSuback(body []byte) (*SubackPacket, error) {
	pkt := &SubackPacket{}

	id, offset, err := readTwoByteInt(body)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, ErrInvalidPacketID
	}
	pkt.PacketID = id

	props, n, err := parseProperties(body[offset:])
	if err != nil {
		return nil, err
	}
	pkt.Properties = props
	offset += n

	for ; offset < len(body); offset++ {
		pkt.ReasonCodes = append(pkt.ReasonCodes, ReasonCode(body[offset]))
	}

	return pkt, nil
}

func parseUnsubscribe(body []byte) (*UnsubscribePacket, error) {
	pkt := &UnsubscribePacket{}

	id, offset, err := readTwoByteInt(body)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, ErrInvalidPacketID
	}
	pkt.PacketID = id

	props, n, err := parseProperties(body[offset:])
	if err != nil {
		return nil, err
	}
	pkt.Properties = props
	offset += n

	for offset < len(body) {
		filter, n, err := readUTF8String(body[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		pkt.TopicFilters = append(pkt.TopicFilters, filter)
	}

	if len(pkt.TopicFilters) == 0 {
		return nil, NewProtocolError(ErrMalformedPacket, "UNSUBSCRIBE with no topic filters")
	}

	return pkt, nil
}

func parseUnsuback(body []byte) (*UnsubackPacket, error) {
	pkt := &UnsubackPacket{}

	id, offset, err := readTwoByteInt(body)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, ErrInvalidPacketID
	}
	pkt.PacketID = id

	props, n, err := parseProperties(body[offset:])
	if err != nil {
		return nil, err
	}
	pkt.Properties = props
	offset += n

	for ; offset < len(body); offset++ {
		pkt.ReasonCodes = append(pkt.ReasonCodes, ReasonCode(body[offset]))
	}

	return pkt, nil
}

func parsePingreq(body []byte) (*PingreqPacket, error) {
	if len(body) != 0 {
		return nil, ErrMalformedPacket
	}
	return &PingreqPacket{}, nil
}

func parsePingresp(body []byte) (*PingrespPacket, error) {
	if len(body) != 0 {
		return nil, ErrMalformedPacket
	}
	return &PingrespPacket{}, nil
}

func parseDisconnect(body []byte) (*DisconnectPacket, error) {
	pkt := &DisconnectPacket{ReasonCode: ReasonNormalDisconnection}

	if len(body) == 0 {
		return pkt, nil
	}

	pkt.ReasonCode = ReasonCode(body[0])
	if len(body) == 1 {
		return pkt, nil
	}

	props, _, err := parseProperties(body[1:])
	if err != nil {
		return nil, err
	}
	pkt.Properties = props

	return pkt, nil
}

func parseAuth(body []byte) (*AuthPacket, error) {
	pkt := &AuthPacket{ReasonCode: ReasonSuccess}

	// Zero remaining length means reason code Success with no properties
	if len(body) == 0 {
		return pkt, nil
	}

	pkt.ReasonCode = ReasonCode(body[0])
	if len(body) == 1 {
		return pkt, nil
	}

	props, _, err := parseProperties(body[1:])
	if err != nil {
		return nil, err
	}
	pkt.Properties = props

	return pkt, nil
}

package encoding

import "io"

// WriteTo encodes pkt and writes it to w as a single contiguous byte
// sequence. Returns the number of bytes written.
func WriteTo(w io.Writer, pkt Packet) (int, error) {
	buf, err := pkt.Append(nil)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// Append encodes an MQTT 5.0 CONNECT packet
func (p *ConnectPacket) Append(dst []byte) ([]byte, error) {
	// Variable header: protocol name + version + flags + keepalive + properties
	remaining := uint32(2+len("MQTT")+1+1+2) + p.Properties.encodedSize()

	// Payload: client id, optional will block, optional credentials
	remaining += 2 + uint32(len(p.ClientID))
	if p.Will != nil {
		remaining += p.Will.Properties.encodedSize()
		remaining += 2 + uint32(len(p.Will.Topic))
		remaining += 2 + uint32(len(p.Will.Payload))
	}
	if p.UsernameFlag {
		remaining += 2 + uint32(len(p.Username))
	}
	if p.PasswordFlag {
		remaining += 2 + uint32(len(p.Password))
	}

	fh := FixedHeader{Type: CONNECT, RemainingLength: remaining}
	dst, err := fh.Append(dst)
	if err != nil {
		return dst, err
	}

	dst = appendUTF8String(dst, "MQTT")
	dst = append(dst, 5) // protocol version

	var flags byte
	if p.CleanStart {
		flags |= 0x02
	}
	if p.Will != nil {
		flags |= 0x04
		flags |= byte(p.Will.QoS) << 3
		if p.Will.Retain {
			flags |= 0x20
		}
	}
	if p.PasswordFlag {
		flags |= 0x40
	}
	if p.UsernameFlag {
		flags |= 0x80
	}
	dst = append(dst, flags)

	dst = appendTwoByteInt(dst, p.KeepAlive)

	dst, err = p.Properties.append(dst)
	if err != nil {
		return dst, err
	}

	dst = appendUTF8String(dst, p.ClientID)

	if p.Will != nil {
		dst, err = p.Will.Properties.append(dst)
		if err != nil {
			return dst, err
		}
		dst = appendUTF8String(dst, p.Will.Topic)
		dst = appendBinaryData(dst, p.Will.Payload)
	}

	if p.UsernameFlag {
		dst = appendUTF8String(dst, p.Username)
	}
	if p.PasswordFlag {
		dst = appendBinaryData(dst, p.Password)
	}

	return dst, nil
}

// Append encodes an MQTT 5.0 CONNACK packet
func (p *ConnackPacket) Append(dst []byte) ([]byte, error) {
	remaining := uint32(2) + p.Properties.encodedSize()

	fh := FixedHeader{Type: CONNACK, RemainingLength: remaining}
	dst, err := fh.Append(dst)
	if err != nil {
		return dst, err
	}

	var ackFlags byte
	if p.SessionPresent {
		ackFlags |= 0x01
	}
	dst = append(dst, ackFlags, byte(p.ReasonCode))

	return p.Properties.append(dst)
}

// Append encodes an MQTT 5.0 PUBLISH packet
func (p *PublishPacket) Append(dst []byte) ([]byte, error) {
	remaining := uint32(2+len(p.Topic)) + p.Properties.encodedSize() + uint32(len(p.Payload))
	if p.QoS > QoS0 {
		remaining += 2
	}

	fh := FixedHeader{
		Type:            PUBLISH,
		RemainingLength: remaining,
		DUP:             p.DUP,
		QoS:             p.QoS,
		Retain:          p.Retain,
	}
	dst, err := fh.Append(dst)
	if err != nil {
		return dst, err
	}

	dst = appendUTF8String(dst, p.Topic)

	if p.QoS > QoS0 {
		if p.PacketID == 0 {
			return dst, ErrMissingPacketID
		}
		dst = appendTwoByteInt(dst, p.PacketID)
	}

	dst, err = p.Properties.append(dst)
	if err != nil {
		return dst, err
	}

	return append(dst, p.Payload...), nil
}

// appendAck encodes the shared PUBACK/PUBREC/PUBREL/PUBCOMP layout. The
// reason code and properties are omitted when the code is Success and no
// properties are present.
func appendAck(dst []byte, tp PacketType, flags byte, id uint16, rc ReasonCode, props *Properties) ([]byte, error) {
	remaining := uint32(2)
	elide := rc == ReasonSuccess && props.Len() == 0
	if !elide {
		remaining += 1 + props.encodedSize()
	}

	fh := FixedHeader{Type: tp, Flags: flags, RemainingLength: remaining}
	dst, err := fh.Append(dst)
	if err != nil {
		return dst, err
	}

	dst = appendTwoByteInt(dst, id)

	if !elide {
		dst = append(dst, byte(rc))
		dst, err = props.append(dst)
	}

	return dst, err
}

// Append encodes an MQTT 5.0 PUBACK packet
func (p *PubackPacket) Append(dst []byte) ([]byte, error) {
	return appendAck(dst, PUBACK, 0, p.PacketID, p.ReasonCode, &p.Properties)
}

// Append encodes an MQTT 5.0 PUBREC packet
func (p *PubrecPacket) Append(dst []byte) ([]byte, error) {
	return appendAck(dst, PUBREC, 0, p.PacketID, p.ReasonCode, &p.Properties)
}

// Append encodes an MQTT 5.0 PUBREL packet
func (p *PubrelPacket) Append(dst []byte) ([]byte, error) {
	return appendAck(dst, PUBREL, 0x02, p.PacketID, p.ReasonCode, &p.Properties)
}

// Append encodes an MQTT 5.0 PUBCOMP packet
func (p *PubcompPacket) Append(dst []byte) ([]byte, error) {
	return appendAck(dst, PUBCOMP, 0, p.PacketID, p.ReasonCode, &p.Properties)
}

// Append encodes an MQTT 5.0 SUBSCRIBE packet
func (p *SubscribePacket) Append(dst []byte) ([]byte, error) {
	remaining := uint32(2) + p.Properties.encodedSize()
	for _, sub := range p.Subscriptions {
		remaining += 2 + uint32(len(sub.TopicFilter)) + 1
	}

	fh := FixedHeader{Type: SUBSCRIBE, Flags: 0x02, RemainingLength: remaining}
	dst, err := fh.Append(dst)
	if err != nil {
		return dst, err
	}

	dst = appendTwoByteInt(dst, p.PacketID)

	dst, err = p.Properties.append(dst)
	if err != nil {
		return dst, err
	}

	for _, sub := range p.Subscriptions {
		dst = appendUTF8String(dst, sub.TopicFilter)

		options := byte(sub.QoS) & 0x03
		if sub.NoLocal {
			options |= 0x04
		}
		if sub.RetainAsPublished {
			options |= 0x08
		}
		options |= (sub.RetainHandling & 0x03) << 4
		dst = append(dst, options)
	}

	return dst, nil
}

// Append encodes an MQTT 5.0 SUBACK packet
func (p *SubackPacket) Append(dst []byte) ([]byte, error) {
	return appendReasonList(dst, SUBACK, p.PacketID, &p.Properties, p.ReasonCodes)
}

// Append encodes an MQTT 5.0 UNSUBSCRIBE packet
func (p *UnsubscribePacket) Append(dst []byte) ([]byte, error) {
	remaining := uint32(2) + p.Properties.encodedSize()
	for _, filter := range p.TopicFilters {
		remaining += 2 + uint32(len(filter))
	}

	fh := FixedHeader{Type: UNSUBSCRIBE, Flags: 0x02, RemainingLength: remaining}
	dst, err := fh.Append(dst)
	if err != nil {
		return dst, err
	}

	dst = appendTwoByteInt(dst, p.PacketID)

	dst, err = p.Properties.append(dst)
	if err != nil {
		return dst, err
	}

	for _, filter := range p.TopicFilters {
		dst = appendUTF8String(dst, filter)
	}

	return dst, nil
}

// Append encodes an MQTT 5.0 UNSUBACK packet
func (p *UnsubackPacket) Append(dst []byte) ([]byte, error) {
	return appendReasonList(dst, UNSUBACK, p.PacketID, &p.Properties, p.ReasonCodes)
}

// appendReasonList encodes the shared SUBACK/UNSUBACK layout
func appendReasonList(dst []byte, tp PacketType, id uint16, props *Properties, codes []ReasonCode) ([]byte, error) {
	remaining := uint32(2) + props.encodedSize() + uint32(len(codes))

	fh := FixedHeader{Type: tp, RemainingLength: remaining}
	dst, err := fh.Append(dst)
	if err != nil {
		return dst, err
	}

	dst = appendTwoByteInt(dst, id)

	dst, err = props.append(dst)
	if err != nil {
		return dst, err
	}

	for _, rc := range codes {
		dst = append(dst, byte(rc))
	}

	return dst, nil
}

// Append encodes an MQTT 5.0 PINGREQ packet
func (p *PingreqPacket) Append(dst []byte) ([]byte, error) {
	fh := FixedHeader{Type: PINGREQ}
	return fh.Append(dst)
}

// Append encodes an MQTT 5.0 PINGRESP packet
func (p *PingrespPacket) Append(dst []byte) ([]byte, error) {
	fh := FixedHeader{Type: PINGRESP}
	return fh.Append(dst)
}

// Append encodes an MQTT 5.0 DISCONNECT packet
func (p *DisconnectPacket) Append(dst []byte) ([]byte, error) {
	var remaining uint32
	elide := p.ReasonCode == ReasonNormalDisconnection && p.Properties.Len() == 0
	if !elide {
		remaining = 1 + p.Properties.encodedSize()
	}

	fh := FixedHeader{Type: DISCONNECT, RemainingLength: remaining}
	dst, err := fh.Append(dst)
	if err != nil {
		return dst, err
	}

	if !elide {
		dst = append(dst, byte(p.ReasonCode))
		dst, err = p.Properties.append(dst)
	}

	return dst, err
}

// Append encodes an MQTT 5.0 AUTH packet
func (p *AuthPacket) Append(dst []byte) ([]byte, error) {
	var remaining uint32
	elide := p.ReasonCode == ReasonSuccess && p.Properties.Len() == 0
	if !elide {
		remaining = 1 + p.Properties.encodedSize()
	}

	fh := FixedHeader{Type: AUTH, RemainingLength: remaining}
	dst, err := fh.Append(dst)
	if err != nil {
		return dst, err
	}

	if !elide {
		dst = append(dst, byte(p.ReasonCode))
		dst, err = p.Properties.append(dst)
	}

	return dst, err
}

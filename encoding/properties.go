package encoding

// PropertyID represents MQTT 5.0 property identifiers
type PropertyID byte

const (
	PropPayloadFormatIndicator          PropertyID = 0x01
	PropMessageExpiryInterval           PropertyID = 0x02
	PropContentType                     PropertyID = 0x03
	PropResponseTopic                   PropertyID = 0x08
	PropCorrelationData                 PropertyID = 0x09
	PropSubscriptionIdentifier          PropertyID = 0x0B
	PropSessionExpiryInterval           PropertyID = 0x11
	PropAssignedClientIdentifier        PropertyID = 0x12
	PropServerKeepAlive                 PropertyID = 0x13
	PropAuthenticationMethod            PropertyID = 0x15
	PropAuthenticationData              PropertyID = 0x16
	PropRequestProblemInformation       PropertyID = 0x17
	PropWillDelayInterval               PropertyID = 0x18
	PropRequestResponseInformation      PropertyID = 0x19
	PropResponseInformation             PropertyID = 0x1A
	PropServerReference                 PropertyID = 0x1C
	PropReasonString                    PropertyID = 0x1F
	PropReceiveMaximum                  PropertyID = 0x21
	PropTopicAliasMaximum               PropertyID = 0x22
	PropTopicAlias                      PropertyID = 0x23
	PropMaximumQoS                      PropertyID = 0x24
	PropRetainAvailable                 PropertyID = 0x25
	PropUserProperty                    PropertyID = 0x26
	PropMaximumPacketSize               PropertyID = 0x27
	PropWildcardSubscriptionAvailable   PropertyID = 0x28
	PropSubscriptionIdentifierAvailable PropertyID = 0x29
	PropSharedSubscriptionAvailable     PropertyID = 0x2A
)

// propertyType is the wire representation of a property value
type propertyType byte

const (
	typeByte propertyType = iota + 1
	typeTwoByteInt
	typeFourByteInt
	typeVarInt
	typeUTF8String
	typeUTF8Pair
	typeBinaryData
)

type propertySpec struct {
	Type propertyType
	// Multiple marks properties allowed to appear more than once
	// (UserProperty and SubscriptionIdentifier only, per MQTT 5.0 2.2.2.2)
	Multiple bool
}

var propertySpecs = map[PropertyID]propertySpec{
	PropPayloadFormatIndicator:          {typeByte, false},
	PropMessageExpiryInterval:           {typeFourByteInt, false},
	PropContentType:                     {typeUTF8String, false},
	PropResponseTopic:                   {typeUTF8String, false},
	PropCorrelationData:                 {typeBinaryData, false},
	PropSubscriptionIdentifier:          {typeVarInt, true},
	PropSessionExpiryInterval:           {typeFourByteInt, false},
	PropAssignedClientIdentifier:        {typeUTF8String, false},
	PropServerKeepAlive:                 {typeTwoByteInt, false},
	PropAuthenticationMethod:            {typeUTF8String, false},
	PropAuthenticationData:              {typeBinaryData, false},
	PropRequestProblemInformation:       {typeByte, false},
	PropWillDelayInterval:               {typeFourByteInt, false},
	PropRequestResponseInformation:      {typeByte, false},
	PropResponseInformation:             {typeUTF8String, false},
	PropServerReference:                 {typeUTF8String, false},
	PropReasonString:                    {typeUTF8String, false},
	PropReceiveMaximum:                  {typeTwoByteInt, false},
	PropTopicAliasMaximum:               {typeTwoByteInt, false},
	PropTopicAlias:                      {typeTwoByteInt, false},
	PropMaximumQoS:                      {typeByte, false},
	PropRetainAvailable:                 {typeByte, false},
	PropUserProperty:                    {typeUTF8Pair, true},
	PropMaximumPacketSize:               {typeFourByteInt, false},
	PropWildcardSubscriptionAvailable:   {typeByte, false},
	PropSubscriptionIdentifierAvailable: {typeByte, false},
	PropSharedSubscriptionAvailable:     {typeByte, false},
}

// UTF8Pair represents a key-value pair for user properties. Duplicate keys
// are permitted and ordering is preserved.
type UTF8Pair struct {
	Key   string
	Value string
}

// Property represents a single MQTT 5.0 property
type Property struct {
	ID    PropertyID
	Value interface{}
}

// Properties is an ordered collection of MQTT 5.0 properties
type Properties struct {
	Properties []Property
}

// Add appends a property, enforcing multiplicity rules.
func (p *Properties) Add(id PropertyID, value interface{}) error {
	spec, ok := propertySpecs[id]
	if !ok {
		return ErrInvalidPropertyID
	}
	if !spec.Multiple && p.Get(id) != nil {
		return ErrDuplicateProperty
	}
	p.Properties = append(p.Properties, Property{ID: id, Value: value})
	return nil
}

// Get returns the first property with the given ID, or nil if not present
func (p *Properties) Get(id PropertyID) *Property {
	for i := range p.Properties {
		if p.Properties[i].ID == id {
			return &p.Properties[i]
		}
	}
	return nil
}

// Uint16 returns a two-byte-int property value, or def when absent.
func (p *Properties) Uint16(id PropertyID, def uint16) uint16 {
	if prop := p.Get(id); prop != nil {
		if v, ok := prop.Value.(uint16); ok {
			return v
		}
	}
	return def
}

// Uint32 returns a four-byte-int or varint property value, or def when absent.
func (p *Properties) Uint32(id PropertyID, def uint32) uint32 {
	if prop := p.Get(id); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			return v
		}
	}
	return def
}

// Byte returns a byte property value, or def when absent.
func (p *Properties) Byte(id PropertyID, def byte) byte {
	if prop := p.Get(id); prop != nil {
		if v, ok := prop.Value.(byte); ok {
			return v
		}
	}
	return def
}

// String returns a UTF-8 string property value, or "" when absent.
func (p *Properties) String(id PropertyID) string {
	if prop := p.Get(id); prop != nil {
		if v, ok := prop.Value.(string); ok {
			return v
		}
	}
	return ""
}

// Binary returns a binary property value, or nil when absent.
func (p *Properties) Binary(id PropertyID) []byte {
	if prop := p.Get(id); prop != nil {
		if v, ok := prop.Value.([]byte); ok {
			return v
		}
	}
	return nil
}

// UserProperties returns every UserProperty pair in insertion order.
func (p *Properties) UserProperties() []UTF8Pair {
	var pairs []UTF8Pair
	for _, prop := range p.Properties {
		if prop.ID == PropUserProperty {
			if v, ok := prop.Value.(UTF8Pair); ok {
				pairs = append(pairs, v)
			}
		}
	}
	return pairs
}

// SubscriptionIdentifiers returns every SubscriptionIdentifier in order.
func (p *Properties) SubscriptionIdentifiers() []uint32 {
	var ids []uint32
	for _, prop := range p.Properties {
		if prop.ID == PropSubscriptionIdentifier {
			if v, ok := prop.Value.(uint32); ok {
				ids = append(ids, v)
			}
		}
	}
	return ids
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	return len(p.Properties)
}

// parseProperties parses a property block (length-prefixed) from the start of
// data and returns the collection and the bytes consumed. Duplicates of
// non-repeatable properties are rejected.
func parseProperties(data []byte) (Properties, int, error) {
	var props Properties

	propLength, n, err := DecodeVariableByteInteger(data)
	if err != nil {
		return props, 0, err
	}
	offset := n

	if propLength == 0 {
		return props, offset, nil
	}

	if len(data[offset:]) < int(propLength) {
		return props, 0, ErrPropertyOutOfRange
	}

	end := offset + int(propLength)
	seen := make(map[PropertyID]struct{}, 4)

	for offset < end {
		id := PropertyID(data[offset])
		offset++

		spec, ok := propertySpecs[id]
		if !ok {
			return props, 0, ErrInvalidPropertyID
		}

		if !spec.Multiple {
			if _, dup := seen[id]; dup {
				return props, 0, ErrDuplicateProperty
			}
			seen[id] = struct{}{}
		}

		value, consumed, err := parsePropertyValue(spec.Type, data[offset:end])
		if err != nil {
			return props, 0, err
		}
		offset += consumed

		props.Properties = append(props.Properties, Property{ID: id, Value: value})
	}

	return props, offset, nil
}

func parsePropertyValue(tp propertyType, data []byte) (interface{}, int, error) {
	switch tp {
	case typeByte:
		if len(data) < 1 {
			return nil, 0, ErrMalformedPacket
		}
		return data[0], 1, nil
	case typeTwoByteInt:
		return readTwoByteInt(data)
	case typeFourByteInt:
		return readFourByteInt(data)
	case typeVarInt:
		v, n, err := DecodeVariableByteInteger(data)
		if err != nil {
			return nil, 0, ErrMalformedPacket
		}
		return v, n, nil
	case typeUTF8String:
		return readUTF8String(data)
	case typeUTF8Pair:
		key, n, err := readUTF8String(data)
		if err != nil {
			return nil, 0, err
		}
		value, m, err := readUTF8String(data[n:])
		if err != nil {
			return nil, 0, err
		}
		return UTF8Pair{Key: key, Value: value}, n + m, nil
	case typeBinaryData:
		return readBinaryData(data)
	default:
		return nil, 0, ErrInvalidPropertyID
	}
}

// wireSize returns the encoded byte length of the property block body
// (excluding its own length prefix).
func (p *Properties) wireSize() uint32 {
	var length uint32
	for _, prop := range p.Properties {
		length++ // property ID byte

		switch propertySpecs[prop.ID].Type {
		case typeByte:
			length++
		case typeTwoByteInt:
			length += 2
		case typeFourByteInt:
			length += 4
		case typeVarInt:
			length += uint32(SizeVariableByteInteger(prop.Value.(uint32)))
		case typeUTF8String:
			length += 2 + uint32(len(prop.Value.(string)))
		case typeUTF8Pair:
			pair := prop.Value.(UTF8Pair)
			length += 2 + uint32(len(pair.Key)) + 2 + uint32(len(pair.Value))
		case typeBinaryData:
			length += 2 + uint32(len(prop.Value.([]byte)))
		}
	}
	return length
}

// encodedSize returns the full encoded size including the length prefix.
func (p *Properties) encodedSize() uint32 {
	body := p.wireSize()
	return uint32(SizeVariableByteInteger(body)) + body
}

// append encodes the property block (length prefix plus properties) onto dst.
func (p *Properties) append(dst []byte) ([]byte, error) {
	dst, err := AppendVariableByteInteger(dst, p.wireSize())
	if err != nil {
		return dst, err
	}

	for _, prop := range p.Properties {
		dst = append(dst, byte(prop.ID))

		switch propertySpecs[prop.ID].Type {
		case typeByte:
			dst = append(dst, prop.Value.(byte))
		case typeTwoByteInt:
			dst = appendTwoByteInt(dst, prop.Value.(uint16))
		case typeFourByteInt:
			dst = appendFourByteInt(dst, prop.Value.(uint32))
		case typeVarInt:
			dst, err = AppendVariableByteInteger(dst, prop.Value.(uint32))
			if err != nil {
				return dst, err
			}
		case typeUTF8String:
			dst = appendUTF8String(dst, prop.Value.(string))
		case typeUTF8Pair:
			pair := prop.Value.(UTF8Pair)
			dst = appendUTF8String(dst, pair.Key)
			dst = appendUTF8String(dst, pair.Value)
		case typeBinaryData:
			dst = appendBinaryData(dst, prop.Value.([]byte))
		}
	}

	return dst, nil
}

// Primitive readers and writers shared by the property and packet codecs.

func readTwoByteInt(data []byte) (uint16, int, error) {
	if len(data) < 2 {
		return 0, 0, ErrMalformedPacket
	}
	return uint16(data[0])<<8 | uint16(data[1]), 2, nil
}

func readFourByteInt(data []byte) (uint32, int, error) {
	if len(data) < 4 {
		return 0, 0, ErrMalformedPacket
	}
	return uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]), 4, nil
}

func readUTF8String(data []byte) (string, int, error) {
	length, n, err := readTwoByteInt(data)
	if err != nil {
		return "", 0, err
	}
	if len(data[n:]) < int(length) {
		return "", 0, ErrMalformedPacket
	}
	buf := data[n : n+int(length)]
	if err := ValidateUTF8String(buf); err != nil {
		return "", 0, err
	}
	return string(buf), n + int(length), nil
}

func readBinaryData(data []byte) ([]byte, int, error) {
	length, n, err := readTwoByteInt(data)
	if err != nil {
		return nil, 0, err
	}
	if len(data[n:]) < int(length) {
		return nil, 0, ErrMalformedPacket
	}
	buf := make([]byte, length)
	copy(buf, data[n:n+int(length)])
	return buf, n + int(length), nil
}

func appendTwoByteInt(dst []byte, value uint16) []byte {
	return append(dst, byte(value>>8), byte(value))
}

func appendFourByteInt(dst []byte, value uint32) []byte {
	return append(dst, byte(value>>24), byte(value>>16), byte(value>>8), byte(value))
}

func appendUTF8String(dst []byte, value string) []byte {
	dst = appendTwoByteInt(dst, uint16(len(value)))
	return append(dst, value...)
}

func appendBinaryData(dst []byte, value []byte) []byte {
	dst = appendTwoByteInt(dst, uint16(len(value)))
	return append(dst, value...)
}

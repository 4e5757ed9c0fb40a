package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertiesAdd(t *testing.T) {
	var props Properties

	require.NoError(t, props.Add(PropReceiveMaximum, uint16(100)))
	assert.Equal(t, 1, props.Len())

	err := props.Add(PropReceiveMaximum, uint16(200))
	assert.ErrorIs(t, err, ErrDuplicateProperty)

	// UserProperty may repeat
	require.NoError(t, props.Add(PropUserProperty, UTF8Pair{Key: "a", Value: "1"}))
	require.NoError(t, props.Add(PropUserProperty, UTF8Pair{Key: "a", Value: "2"}))
	assert.Len(t, props.UserProperties(), 2)

	// SubscriptionIdentifier may repeat
	require.NoError(t, props.Add(PropSubscriptionIdentifier, uint32(1)))
	require.NoError(t, props.Add(PropSubscriptionIdentifier, uint32(9)))
	assert.Equal(t, []uint32{1, 9}, props.SubscriptionIdentifiers())

	err = props.Add(PropertyID(0x7E), byte(0))
	assert.ErrorIs(t, err, ErrInvalidPropertyID)
}

func TestPropertiesRoundTrip(t *testing.T) {
	var props Properties
	require.NoError(t, props.Add(PropPayloadFormatIndicator, byte(1)))
	require.NoError(t, props.Add(PropMessageExpiryInterval, uint32(3600)))
	require.NoError(t, props.Add(PropContentType, "application/json"))
	require.NoError(t, props.Add(PropResponseTopic, "reply/here"))
	require.NoError(t, props.Add(PropCorrelationData, []byte{0xDE, 0xAD}))
	require.NoError(t, props.Add(PropSubscriptionIdentifier, uint32(268435455)))
	require.NoError(t, props.Add(PropTopicAlias, uint16(7)))
	require.NoError(t, props.Add(PropUserProperty, UTF8Pair{Key: "k", Value: "v"}))

	encoded, err := props.append(nil)
	require.NoError(t, err)
	assert.Equal(t, int(props.encodedSize()), len(encoded))

	decoded, n, err := parseProperties(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, props.Properties, decoded.Properties)
}

func TestParsePropertiesRejectsDuplicates(t *testing.T) {
	var props Properties
	require.NoError(t, props.Add(PropTopicAlias, uint16(1)))
	encoded, err := props.append(nil)
	require.NoError(t, err)

	// Duplicate the single property by hand: strip the length prefix,
	// double the body, re-prefix
	body := encoded[1:]
	doubled, err := AppendVariableByteInteger(nil, uint32(len(body)*2))
	require.NoError(t, err)
	doubled = append(doubled, body...)
	doubled = append(doubled, body...)

	_, _, err = parseProperties(doubled)
	assert.ErrorIs(t, err, ErrDuplicateProperty)
}

func TestParsePropertiesLengthOverrun(t *testing.T) {
	// Claims 10 bytes of properties but supplies 1
	_, _, err := parseProperties([]byte{0x0A, 0x01})
	assert.ErrorIs(t, err, ErrPropertyOutOfRange)
}

func TestPropertiesTypedAccessors(t *testing.T) {
	var props Properties
	require.NoError(t, props.Add(PropServerKeepAlive, uint16(30)))
	require.NoError(t, props.Add(PropSessionExpiryInterval, uint32(120)))
	require.NoError(t, props.Add(PropMaximumQoS, byte(1)))
	require.NoError(t, props.Add(PropReasonString, "because"))
	require.NoError(t, props.Add(PropAuthenticationData, []byte{1, 2, 3}))

	assert.Equal(t, uint16(30), props.Uint16(PropServerKeepAlive, 0))
	assert.Equal(t, uint16(99), props.Uint16(PropReceiveMaximum, 99))
	assert.Equal(t, uint32(120), props.Uint32(PropSessionExpiryInterval, 0))
	assert.Equal(t, byte(1), props.Byte(PropMaximumQoS, 2))
	assert.Equal(t, "because", props.String(PropReasonString))
	assert.Equal(t, "", props.String(PropContentType))
	assert.Equal(t, []byte{1, 2, 3}, props.Binary(PropAuthenticationData))
	assert.Nil(t, props.Binary(PropCorrelationData))
}

func TestUTF8Validation(t *testing.T) {
	assert.NoError(t, ValidateUTF8String([]byte("plain ascii")))
	assert.NoError(t, ValidateUTF8String([]byte("unicode ✓ ok")))
	assert.ErrorIs(t, ValidateUTF8String([]byte{'a', 0x00, 'b'}), ErrNullCharacter)
	assert.ErrorIs(t, ValidateUTF8String([]byte{0xFF, 0xFE}), ErrInvalidUTF8)
	// Raw UTF-8 encoding of a surrogate code point (U+D800)
	assert.Error(t, ValidateUTF8String([]byte{0xED, 0xA0, 0x80}))
}

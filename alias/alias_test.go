package alias

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundAssign(t *testing.T) {
	o := NewOutbound(5)

	a1, known := o.Assign("a/b")
	assert.Equal(t, uint16(1), a1)
	assert.False(t, known)

	// Second use of the same topic reuses the binding
	a1again, known := o.Assign("a/b")
	assert.Equal(t, a1, a1again)
	assert.True(t, known)

	a2, known := o.Assign("c/d")
	assert.Equal(t, uint16(2), a2)
	assert.False(t, known)
	assert.Equal(t, 2, o.Len())
}

func TestOutboundDisabled(t *testing.T) {
	o := NewOutbound(0)

	a, known := o.Assign("a/b")
	assert.Zero(t, a)
	assert.False(t, known)
	assert.Zero(t, o.Len())
}

func TestOutboundLRUEviction(t *testing.T) {
	o := NewOutbound(2)

	o.Assign("first")
	o.Assign("second")

	// Touch "first" so "second" is the least recently used
	_, known := o.Assign("first")
	require.True(t, known)

	// A third topic evicts "second" and reuses its alias
	a3, known := o.Assign("third")
	assert.False(t, known)
	assert.Equal(t, uint16(2), a3)
	assert.Equal(t, 2, o.Len())

	// "first" kept its binding through the eviction
	a1, known := o.Assign("first")
	assert.True(t, known)
	assert.Equal(t, uint16(1), a1)

	// "second" lost its binding and needs a fresh one
	_, known = o.Assign("second")
	assert.False(t, known)
}

func TestOutboundReset(t *testing.T) {
	o := NewOutbound(3)
	o.Assign("x")
	o.Assign("y")

	o.Reset(3)
	assert.Zero(t, o.Len())

	a, known := o.Assign("x")
	assert.Equal(t, uint16(1), a)
	assert.False(t, known)
}

func TestInboundResolve(t *testing.T) {
	in := NewInbound(10)

	// No alias: topic passes through
	topic, err := in.Resolve("plain/topic", false, 0)
	require.NoError(t, err)
	assert.Equal(t, "plain/topic", topic)

	// Bind alias 1, then resolve by alias alone
	topic, err = in.Resolve("a/b", true, 1)
	require.NoError(t, err)
	assert.Equal(t, "a/b", topic)

	topic, err = in.Resolve("", true, 1)
	require.NoError(t, err)
	assert.Equal(t, "a/b", topic)

	// Rebinding replaces the topic
	_, err = in.Resolve("new/topic", true, 1)
	require.NoError(t, err)
	topic, err = in.Resolve("", true, 1)
	require.NoError(t, err)
	assert.Equal(t, "new/topic", topic)
}

func TestInboundUnknownAlias(t *testing.T) {
	in := NewInbound(10)

	_, err := in.Resolve("", true, 3)
	assert.ErrorIs(t, err, ErrUnknownAlias)
}

func TestInboundAliasOutOfRange(t *testing.T) {
	in := NewInbound(5)

	_, err := in.Resolve("t", true, 0)
	assert.ErrorIs(t, err, ErrAliasOutOfRange)

	_, err = in.Resolve("t", true, 6)
	assert.ErrorIs(t, err, ErrAliasOutOfRange)
}

func TestInboundReset(t *testing.T) {
	in := NewInbound(4)

	_, err := in.Resolve("a", true, 1)
	require.NoError(t, err)
	require.Equal(t, 1, in.Len())

	in.Reset(4)
	assert.Zero(t, in.Len())

	_, err = in.Resolve("", true, 1)
	assert.ErrorIs(t, err, ErrUnknownAlias)
}

func TestOutboundExhaustiveAliases(t *testing.T) {
	const max = 16
	o := NewOutbound(max)

	for i := 1; i <= max; i++ {
		a, known := o.Assign(fmt.Sprintf("topic/%d", i))
		assert.Equal(t, uint16(i), a)
		assert.False(t, known)
	}
	assert.Equal(t, max, o.Len())

	// Every further topic recycles an existing alias
	a, known := o.Assign("topic/overflow")
	assert.False(t, known)
	assert.GreaterOrEqual(t, a, uint16(1))
	assert.LessOrEqual(t, a, uint16(max))
	assert.Equal(t, max, o.Len())
}

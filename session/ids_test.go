package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDAllocatorAcquireUnique(t *testing.T) {
	a := NewIDAllocator()
	ctx := context.Background()

	seen := make(map[uint16]struct{})
	for i := 0; i < 100; i++ {
		id, err := a.Acquire(ctx)
		require.NoError(t, err)
		require.NotZero(t, id)
		_, dup := seen[id]
		require.False(t, dup, "id %d issued twice", id)
		seen[id] = struct{}{}
	}
	assert.Equal(t, 100, a.Held())
}

func TestIDAllocatorFIFOOrder(t *testing.T) {
	a := NewIDAllocator()
	ctx := context.Background()

	first, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), first)

	second, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), second)

	require.NoError(t, a.Release(first))

	// The released id goes to the back of the queue, not the front
	next, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), next)
}

func TestIDAllocatorDoubleRelease(t *testing.T) {
	a := NewIDAllocator()

	id, err := a.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, a.Release(id))
	assert.ErrorIs(t, a.Release(id), ErrIDNotAcquired)
	assert.ErrorIs(t, a.Release(9999), ErrIDNotAcquired)
}

func TestIDAllocatorBlocksWhenExhausted(t *testing.T) {
	a := NewIDAllocator()
	ctx := context.Background()

	held := make([]uint16, 0, maxPacketID)
	for i := 0; i < maxPacketID; i++ {
		id, err := a.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, id)
	}

	// Space exhausted: Acquire must suspend until a release
	acquired := make(chan uint16, 1)
	go func() {
		id, err := a.Acquire(ctx)
		if err == nil {
			acquired <- id
		}
	}()

	select {
	case id := <-acquired:
		t.Fatalf("acquired %d from an exhausted allocator", id)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Release(held[42]))

	select {
	case id := <-acquired:
		assert.Equal(t, held[42], id)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not resume after a release")
	}
}

func TestIDAllocatorAcquireCancellation(t *testing.T) {
	a := NewIDAllocator()

	for i := 0; i < maxPacketID; i++ {
		_, err := a.Acquire(context.Background())
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

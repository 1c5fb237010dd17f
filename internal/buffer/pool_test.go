package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxMessageSize(t *testing.T) {
	tests := []struct {
		payload, block, want uint64
	}{
		{payload: 0, block: 0, want: 9},
		{payload: 100, block: 0, want: 109},
		{payload: 100, block: 64, want: 128},
		{payload: 119, block: 64, want: 128},
		{payload: 120, block: 64, want: 192},
		{payload: 1 << 20, block: 1 << 20, want: 2 << 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaxMessageSize(tt.payload, tt.block), "payload=%d block=%d", tt.payload, tt.block)
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool(2, 128)
	p.Reserve(0, 2)

	a := p.Acquire(0)
	b := p.Acquire(0)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotSame(t, a, b)
	assert.Equal(t, 128, a.Len())

	// Exhaustion is signalled by nil, not an error.
	assert.Nil(t, p.Acquire(0))
	assert.Nil(t, p.Acquire(1))

	st := p.Stats(0)
	assert.Equal(t, 0, st.Free)
	assert.Equal(t, 2, st.InUse)

	p.Release(a)
	assert.Same(t, a, p.Acquire(0))
	p.Release(a)
	p.Release(b)

	st = p.Stats(0)
	assert.Equal(t, 2, st.Free)
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, st.Acquired, st.Released)
}

func TestPoolDoubleReleasePanics(t *testing.T) {
	p := NewPool(1, 16)
	p.Reserve(0, 1)
	b := p.Acquire(0)
	p.Release(b)
	assert.Panics(t, func() { p.Release(b) })
}

func TestPoolAcquireOrAlloc(t *testing.T) {
	p := NewPool(1, 16)
	b := p.AcquireOrAlloc(0)
	require.NotNil(t, b)
	assert.Equal(t, 1, p.Stats(0).Allocated)
	p.Release(b)
	assert.Equal(t, 1, p.Stats(0).Free)
}

func TestPoolDrainAdopt(t *testing.T) {
	old := NewPool(1, 32)
	old.Reserve(0, 3)
	held := old.Acquire(0)

	next := NewPool(2, 32)
	next.Adopt(1, old.Drain(0))
	assert.Equal(t, 0, old.Stats(0).Free)
	assert.Equal(t, 2, next.Stats(1).Free)

	next.AdoptInUse(1, held)
	assert.Equal(t, 1, next.Stats(1).InUse)
	next.Release(held)
	assert.Equal(t, uint32(1), held.Subgroup())
	assert.Equal(t, 3, next.Stats(1).Free)

	// Wrong-sized buffers are not adopted.
	other := NewPool(1, 8)
	other.Reserve(0, 1)
	next.Adopt(0, other.Drain(0))
	assert.Equal(t, 0, next.Stats(0).Free)
}

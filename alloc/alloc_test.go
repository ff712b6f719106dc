package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perjahn/asahilinux/fw"
)

func TestArenaAllocAlignmentAndAddresses(t *testing.T) {
	a, err := NewArena(1 << 16)
	require.NoError(t, err)
	defer a.Close()

	b1, err := a.Alloc(10)
	require.NoError(t, err)
	b2, err := a.Alloc(10)
	require.NoError(t, err)

	assert.Equal(t, DefaultBase, b1.GpuVa())
	assert.Equal(t, DefaultBase+Align, b2.GpuVa())
	assert.Zero(t, uint64(b1.GpuVa())%Align)
	assert.Zero(t, uint64(b2.GpuVa())%Align)
	for _, c := range b1.Bytes() {
		require.Zero(t, c)
	}
}

func TestArenaLookupRoundTrip(t *testing.T) {
	a, err := NewArena(1<<12, WithBase(0x40_0000))
	require.NoError(t, err)
	defer a.Close()

	buf, err := a.Alloc(32)
	require.NoError(t, err)
	copy(buf.Bytes(), "hello firmware")

	view, ok := a.Lookup(buf.GpuVa(), buf.Size())
	require.True(t, ok)
	assert.Equal(t, buf.Bytes(), view)

	// Writes through the device view land in the same storage.
	view[0] = 'H'
	assert.Equal(t, byte('H'), buf.Bytes()[0])

	_, ok = a.Lookup(0x10, 4)
	assert.False(t, ok)
	_, ok = a.Lookup(buf.GpuVa(), 1<<20)
	assert.False(t, ok)
}

func TestArenaFull(t *testing.T) {
	a, err := NewArena(128)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Alloc(64)
	require.NoError(t, err)
	_, err = a.Alloc(128)
	assert.ErrorIs(t, err, ErrArenaFull)
}

func TestArenaClose(t *testing.T) {
	a, err := NewArena(1 << 12)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.Alloc(8)
	assert.ErrorIs(t, err, ErrArenaClosed)
	_, ok := a.Lookup(DefaultBase, 8)
	assert.False(t, ok)
}

func TestWithBaseValidation(t *testing.T) {
	_, err := NewArena(1<<12, WithBase(0x1001))
	assert.Error(t, err)
}

func TestObjectSharedWithDeviceView(t *testing.T) {
	a, err := NewArena(1 << 12)
	require.NoError(t, err)
	defer a.Close()

	obj, err := New[fw.RingState](a)
	require.NoError(t, err)
	obj.Ptr().RbSize = 1280
	obj.Ptr().CpuWptr.Store(7)

	view, ok := a.Lookup(obj.GpuVa(), fw.RingStateSize)
	require.True(t, ok)
	// RbSize lives at offset 0x40, CpuWptr at 0x20, little-endian.
	assert.Equal(t, byte(0x00), view[0x40])
	assert.Equal(t, byte(0x05), view[0x41])
	assert.Equal(t, byte(7), view[0x20])
}

func TestSliceElemVa(t *testing.T) {
	a, err := NewArena(1 << 12)
	require.NoError(t, err)
	defer a.Close()

	ring, err := NewSlice[fw.GpuVa](a, 8)
	require.NoError(t, err)
	require.Len(t, ring.Elems(), 8)
	assert.Equal(t, ring.GpuVa()+8, ring.ElemVa(1))

	ring.Elems()[3] = 0xdead
	view, ok := a.Lookup(ring.ElemVa(3), 8)
	require.True(t, ok)
	assert.Equal(t, byte(0xad), view[0])
	assert.Equal(t, byte(0xde), view[1])
}

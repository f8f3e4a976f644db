package layout

import (
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

type testHeader struct {
	Canary uint64
	Count  uint32
}

func TestComputeBasic(t *testing.T) {
	l, err := Compute(
		unsafe.Sizeof(testHeader{}), unsafe.Alignof(testHeader{}),
		[]Field{
			{Size: 4, Align: 4},  // e.g. float32 x
			{Size: 4, Align: 4},  // e.g. float32 y
			{Size: 8, Align: 8},  // e.g. entity id
		},
		4096,
	)
	require.NoError(t, err)
	require.Greater(t, l.NumItems, uintptr(0))
	require.Len(t, l.Offsets, 3)

	// Every array must start aligned and stay within the chunk.
	for i, f := range []Field{{4, 4}, {4, 4}, {8, 8}} {
		require.Zero(t, l.Offsets[i]%f.Align)
		end := l.Offsets[i] + l.NumItems*f.Size
		require.LessOrEqual(t, end, l.ChunkSize)
	}
}

func TestComputeMaximizesCapacity(t *testing.T) {
	// With only one 8-byte field and a tiny header, capacity should be very
	// close to (chunkSize-header)/8.
	l, err := Compute(16, 8, []Field{{Size: 8, Align: 8}}, 4096)
	require.NoError(t, err)
	require.Equal(t, uintptr((4096-16)/8), l.NumItems)
}

func TestComputeFailsWhenNothingFits(t *testing.T) {
	_, err := Compute(4096, 8, []Field{{Size: 1, Align: 1}}, 4096)
	require.Error(t, err)
}

func TestChunkBaseFromInterior(t *testing.T) {
	const chunkSize = 1 << 16
	buf := make([]byte, chunkSize*2)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + chunkSize - 1) &^ (chunkSize - 1)
	chunkBase := unsafe.Pointer(aligned)

	interior := unsafe.Add(chunkBase, 100)
	got := ChunkBaseFromInterior(interior, chunkSize)
	require.Equal(t, chunkBase, got)
}

func TestChunkBaseFromHeader(t *testing.T) {
	type chunk struct {
		hdr testHeader
	}
	c := &chunk{}
	hdrPtr := unsafe.Pointer(&c.hdr)
	base := ChunkBaseFromHeader(hdrPtr, 0)
	require.Equal(t, unsafe.Pointer(c), base)
}

func TestComputeTyped(t *testing.T) {
	tl, err := ComputeTyped(
		reflect.TypeOf(testHeader{}),
		[]reflect.Type{reflect.TypeOf(float32(0)), reflect.TypeOf(uint64(0))},
		4096,
	)
	require.NoError(t, err)
	require.Greater(t, tl.NumItems, uintptr(0))
}

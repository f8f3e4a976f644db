package blockheap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	h := New()
	defer h.Deinit()

	p, err := h.Alloc(48, 8)
	require.NoError(t, err)
	require.NotNil(t, p)
	h.Free(p)

	snap := h.Snapshot()
	require.EqualValues(t, 1, snap.PooledAllocs)
	require.EqualValues(t, 1, snap.Frees)
}

func TestAllocPicksSmallestFittingClass(t *testing.T) {
	h := New()
	defer h.Deinit()

	idx := h.classIndexFor(48)
	require.Equal(t, uintptr(64), h.sizeClasses[idx])
}

func TestAllocManyBlocksSameClassAcrossSlabs(t *testing.T) {
	h := New(WithSizeClasses([]uintptr{16}), WithSlabSize(4096))
	defer h.Deinit()

	cs := h.classes[0]
	// Force more allocations than a single data slab holds, to exercise
	// both the "populate a new data slab" and "grow the index slab list"
	// paths in allocBlock.
	n := int(cs.slotCount)*2 + 3
	ptrs := make([]unsafe.Pointer, n)
	for i := 0; i < n; i++ {
		p, err := h.Alloc(16, 8)
		require.NoError(t, err)
		ptrs[i] = p
	}
	seen := make(map[unsafe.Pointer]bool, n)
	for _, p := range ptrs {
		require.False(t, seen[p], "duplicate pointer handed out")
		seen[p] = true
	}
	for _, p := range ptrs {
		h.Free(p)
	}
}

func TestAllocRoutesDirectAboveLargestClass(t *testing.T) {
	h := New()
	defer h.Deinit()

	big := h.largestClass() * 4
	p, err := h.Alloc(big, 8)
	require.NoError(t, err)
	require.NotNil(t, p)

	snap := h.Snapshot()
	require.EqualValues(t, 1, snap.DirectAllocs)

	h.Free(p)
}

func TestFreeDetectsDoubleFree(t *testing.T) {
	h := New()
	defer h.Deinit()

	p, err := h.Alloc(32, 8)
	require.NoError(t, err)
	h.Free(p)
	require.Panics(t, func() { h.Free(p) })
}

func TestFreeDetectsCorruptCanary(t *testing.T) {
	h := New()
	defer h.Deinit()

	p, err := h.Alloc(32, 8)
	require.NoError(t, err)
	base := unsafe.Pointer(uintptr(p) &^ (h.slabSize - 1))
	writeUint64(base, 0, 0x1122334455667788)
	require.Panics(t, func() { h.Free(p) })
}

func TestReallocGrowWithinSameClassIsNoop(t *testing.T) {
	h := New()
	defer h.Deinit()

	p, err := h.Alloc(10, 8)
	require.NoError(t, err)
	grown, err := h.Realloc(p, 10, 8, 15, 8)
	require.NoError(t, err)
	require.Equal(t, p, grown)
}

func TestReallocGrowAcrossClassesPreservesPrefix(t *testing.T) {
	h := New()
	defer h.Deinit()

	p, err := h.Alloc(10, 8)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 10)
	for i := range b {
		b[i] = byte(i + 1)
	}

	grown, err := h.Realloc(p, 10, 8, 500, 8)
	require.NoError(t, err)
	gb := unsafe.Slice((*byte)(grown), 500)
	for i := 0; i < 10; i++ {
		require.Equal(t, byte(i+1), gb[i])
	}
}

func TestReallocDirectToDirect(t *testing.T) {
	h := New()
	defer h.Deinit()

	big := h.largestClass() * 2
	p, err := h.Alloc(big, 8)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 32)
	for i := range b {
		b[i] = byte(i)
	}

	bigger := big * 3
	grown, err := h.Realloc(p, big, 8, bigger, 8)
	require.NoError(t, err)
	gb := unsafe.Slice((*byte)(grown), 32)
	for i := range gb {
		require.Equal(t, byte(i), gb[i])
	}
}

func TestShrinkMovesDirectAllocationIntoPool(t *testing.T) {
	h := New()
	defer h.Deinit()

	big := h.largestClass() * 2
	p, err := h.Alloc(big, 8)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 8)
	for i := range b {
		b[i] = byte(i + 1)
	}

	shrunk := h.Shrink(p, big, 8, 8, 8)
	require.NotNil(t, shrunk)
	sb := unsafe.Slice((*byte)(shrunk), 8)
	for i := range sb {
		require.Equal(t, byte(i+1), sb[i])
	}

	snap := h.Snapshot()
	require.EqualValues(t, 1, snap.PooledAllocs)
}

func TestShrinkWithinPoolMovesToSmallerClass(t *testing.T) {
	h := New()
	defer h.Deinit()

	p, err := h.Alloc(500, 8)
	require.NoError(t, err)
	oldClassIdx := h.classIndexFor(500)

	shrunk := h.Shrink(p, 500, 8, 10, 8)
	newBase := unsafe.Pointer(uintptr(shrunk) &^ (h.slabSize - 1))
	newClassIdx := readUint32(newBase, 8)
	require.Less(t, int(newClassIdx), oldClassIdx)
	require.Less(t, h.sizeClasses[newClassIdx], h.sizeClasses[oldClassIdx])
}

func TestSecureZeroesOnFree(t *testing.T) {
	h := New(WithSecure())
	defer h.Deinit()

	p, err := h.Alloc(64, 8)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 64)
	for i := range b {
		b[i] = 0xFF
	}
	h.Free(p)
	for i := range b {
		require.Zero(t, b[i])
	}
}

func TestBitGuardDetectsOverrun(t *testing.T) {
	h := New(WithBitGuard())
	defer h.Deinit()

	p, err := h.Alloc(10, 8) // rounds to the 16-byte class
	require.NoError(t, err)
	// Overwrite the reserved guard tail (the last 8 bytes of the 16-byte
	// block, which a 10-byte request already reaches into).
	writeUint64(p, 8, 0)
	require.Panics(t, func() { h.Free(p) })
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := &circuitBreaker{threshold: 2, cooldownNanos: int64(1e9)}
	require.True(t, cb.allow())
	cb.record(false)
	require.True(t, cb.allow())
	cb.record(false)
	require.False(t, cb.allow())
}

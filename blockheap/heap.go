// Package blockheap implements a segregated-size-class block allocator: a
// ladder of fixed block sizes, each backed by slab-aligned data slabs
// carved into bitmap-tracked blocks, with a page-mapped direct path for
// requests too big (or too alignment-hungry) for the largest class. Freeing
// never needs the caller to state which class a pointer belongs to — the
// heap recovers it by masking the pointer down to the slab alignment and
// reading a canary planted at the slab's base, a pattern generalized from
// xDarkicex's Slabby (a single fixed-size-class version of the same trick).
package blockheap

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/quarkforge/ecsrt/internal/ptrmath"
	"github.com/quarkforge/ecsrt/pages"
)

// DefaultSlabSize is the default size (and alignment) of every data slab
// and direct allocation's backing run.
const DefaultSlabSize uintptr = 64 * 1024

// DefaultSizeClasses is the block-size ladder used when WithSizeClasses is
// not supplied: 16 bytes up to 16KiB, doubling.
var DefaultSizeClasses = []uintptr{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384}

// ErrOutOfMemory is returned when the backing page mapper cannot satisfy a
// request; it is the page mapper's own sentinel, pages.ErrOutOfMemory.
var ErrOutOfMemory = pages.ErrOutOfMemory

// ErrCircuitOpen is returned in place of attempting an allocation while the
// heap's circuit breaker is open, per WithCircuitBreaker.
var ErrCircuitOpen = fmt.Errorf("blockheap: circuit breaker open")

// Heap is a segregated-size-class block allocator. It is not safe for
// concurrent use; wrap it in Locked to share it across goroutines.
type Heap struct {
	pager       *pages.Pages
	slabSize    uintptr
	sizeClasses []uintptr
	classes     []*classState
	logger      *slog.Logger

	secure   bool
	bitGuard bool

	breaker *circuitBreaker

	stats Stats
}

// Option configures a Heap.
type Option func(*Heap)

// WithLogger attaches a structured logger for corruption/diagnostic events.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Heap) { h.logger = logger }
}

// WithPages supplies a shared *pages.Pages facade instead of a private one.
func WithPages(p *pages.Pages) Option {
	return func(h *Heap) { h.pager = p }
}

// WithSizeClasses overrides the block-size ladder. Every entry must be a
// power of two, strictly increasing.
func WithSizeClasses(classes []uintptr) Option {
	return func(h *Heap) { h.sizeClasses = append([]uintptr(nil), classes...) }
}

// WithSlabSize overrides the data slab (and direct-allocation run)
// size/alignment. Must be a power of two no smaller than the largest size
// class.
func WithSlabSize(size uintptr) Option {
	return func(h *Heap) { h.slabSize = size }
}

// WithSecure zeroes every block's contents the moment it is freed, trading
// throughput for not leaking a prior occupant's data to the next allocation
// that lands on the same block.
func WithSecure() Option {
	return func(h *Heap) { h.secure = true }
}

// WithBitGuard reserves the last 8 bytes of every pooled block for a guard
// pattern, written on allocation and re-checked on free: a caller that
// overruns its logical length into that reserved tail is caught at free
// time instead of silently corrupting whatever follows in the data slab.
// Callers opting into this must treat blockSize-8 (not blockSize) as the
// usable capacity of a pooled allocation. Direct allocations are unaffected.
func WithBitGuard() Option {
	return func(h *Heap) { h.bitGuard = true }
}

// WithCircuitBreaker opens the heap's circuit after threshold consecutive
// page-mapper failures, short-circuiting further allocation attempts with
// ErrCircuitOpen for cooldown before a single probe retry.
func WithCircuitBreaker(threshold int, cooldown int64) Option {
	return func(h *Heap) {
		h.breaker = &circuitBreaker{threshold: threshold, cooldownNanos: cooldown}
	}
}

// New constructs a Heap. Apart from the one-time alignment probe run (mapped
// and released again before New returns), no memory is mapped until the
// first Alloc.
func New(opts ...Option) *Heap {
	h := &Heap{slabSize: DefaultSlabSize}
	for _, opt := range opts {
		opt(h)
	}
	if h.pager == nil {
		h.pager = pages.New()
	}
	if h.sizeClasses == nil {
		h.sizeClasses = DefaultSizeClasses
	}
	h.classes = make([]*classState, len(h.sizeClasses))
	for i, bs := range h.sizeClasses {
		if !ptrmath.IsPowerOfTwo(bs) {
			panic("blockheap: size classes must be powers of two")
		}
		cs := newClassState(i, bs, h.slabSize)
		h.classes[i] = &cs
	}
	h.probeSlabAlignment()
	return h
}

// probeSlabAlignment maps and releases one throwaway run at h.slabSize's
// alignment, verifying the page mapper actually delivered it. The masking
// trick that recovers a slab's header from any interior pointer depends on
// every data/direct run landing exactly on a h.slabSize boundary; on a
// platform where mmap can't honor that (rather than our own arithmetic
// being wrong), failing loudly here beats a canary mismatch panic deep
// inside some unrelated Free call later.
func (h *Heap) probeSlabAlignment() {
	probeSize := ptrmath.AlignUp(h.slabSize, h.pager.PageSize())
	run, err := h.pager.Obtain(probeSize, maxUintptr(h.slabSize, h.pager.PageSize()))
	if err != nil {
		panic(fmt.Sprintf("blockheap: startup alignment probe: page mapper rejected a %d-byte aligned request: %v", h.slabSize, err))
	}
	defer func() {
		if relErr := h.pager.Release(run); relErr != nil && h.logger != nil {
			h.logger.Warn("blockheap: startup alignment probe: failed to release probe run", slog.Any("err", relErr))
		}
	}()
	if !ptrmath.IsAligned(uintptr(run.Ptr), h.slabSize) {
		panic(fmt.Sprintf("blockheap: startup alignment probe: page mapper returned a run misaligned to %d bytes", h.slabSize))
	}
}

func (h *Heap) largestClass() uintptr {
	return h.sizeClasses[len(h.sizeClasses)-1]
}

// classIndexFor returns the index of the smallest size class able to hold a
// request needing `need` bytes of size-or-alignment headroom, or -1 if it
// must go direct.
func (h *Heap) classIndexFor(need uintptr) int {
	if need > h.largestClass() {
		return -1
	}
	blockSize := ptrmath.RoundUpPow2(need)
	if blockSize < h.sizeClasses[0] {
		blockSize = h.sizeClasses[0]
	}
	for i, bs := range h.sizeClasses {
		if bs == blockSize {
			return i
		}
	}
	// blockSize rounded between two configured classes (non-contiguous
	// ladder via WithSizeClasses): fall back to the first class at least
	// as large.
	for i, bs := range h.sizeClasses {
		if bs >= blockSize {
			return i
		}
	}
	return -1
}

func maxUintptr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// Alloc returns size bytes aligned to alignment. Preconditions: alignment
// is a power of two smaller than the heap's slab size (alignments of the
// slab size or more are out of scope for this allocator, since the direct
// path's header would not be recoverable by masking — use pages or arena
// directly).
func (h *Heap) Alloc(size, alignment uintptr) (unsafe.Pointer, error) {
	if alignment == 0 {
		alignment = 1
	}
	if !ptrmath.IsPowerOfTwo(alignment) {
		panic("blockheap: alignment must be a power of two")
	}
	if alignment >= h.slabSize {
		panic("blockheap: alignment must be smaller than the slab size; use pages or arena for oversized alignment requests")
	}
	need := maxUintptr(size, alignment)

	if h.breaker != nil && !h.breaker.allow() {
		return nil, ErrCircuitOpen
	}

	idx := h.classIndexFor(need)
	var ptr unsafe.Pointer
	var err error
	if idx < 0 {
		ptr, err = h.allocDirect(size, alignment)
	} else {
		ptr, err = h.allocBlock(idx)
	}
	if h.breaker != nil {
		h.breaker.record(err == nil)
	}
	if err != nil {
		h.stats.recordFailure()
		return nil, err
	}
	if h.bitGuard && idx >= 0 {
		writeUint64(ptr, h.sizeClasses[idx]-8, bitGuardPattern)
	}
	if idx < 0 {
		h.stats.recordDirectAlloc(size)
	} else {
		h.stats.recordPooledAlloc(h.sizeClasses[idx])
	}
	return ptr, nil
}

const bitGuardPattern uint64 = 0xA5A5A5A5A5A5A5A5

// allocDirect maps a slab-aligned page run and writes a FAKE_SLAB header at
// its base, reserving enough of the first block for that header so that
// masking the returned pointer down to the slab alignment always recovers
// it; see canary.go and DESIGN.md for why alignments above the slab size
// are rejected rather than supported here.
func (h *Heap) allocDirect(size, alignment uintptr) (unsafe.Pointer, error) {
	userAlign := ptrmath.RoundUpPow2(maxUintptr(alignment, 1))
	dataStart := ptrmath.AlignUp(fakeSlabHeaderSize, userAlign)
	total := ptrmath.AlignUp(dataStart+size, h.pager.PageSize())
	runAlign := maxUintptr(userAlign, h.slabSize)
	run, err := h.pager.Obtain(total, runAlign)
	if err != nil {
		return nil, err
	}
	writeFakeSlabHeader(run.Ptr, uint64(run.Len))
	return unsafe.Add(run.Ptr, dataStart), nil
}

func fakeSlabDataStart(alignment uintptr) uintptr {
	userAlign := ptrmath.RoundUpPow2(maxUintptr(alignment, 1))
	return ptrmath.AlignUp(fakeSlabHeaderSize, userAlign)
}

// Free releases a pointer previously returned by Alloc, Realloc, or Shrink.
// It determines the pointer's origin by masking it to the slab alignment
// and dispatching on the canary found there; any other value there is
// treated as memory corruption and panics.
func (h *Heap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	slabBase := ptrmath.MaskTo(ptr, h.slabSize)
	switch readUint64(slabBase, 0) {
	case liveSlabCanary:
		h.freeLiveBlock(slabBase, ptr)
		h.stats.recordFree()
	case fakeSlabCanary:
		length := readUint64(slabBase, 8)
		if err := h.pager.Release(pages.Run{Ptr: slabBase, Len: uintptr(length)}); err != nil && h.logger != nil {
			h.logger.Warn("blockheap: free: failed to release direct run", slog.Any("err", err))
		}
		h.stats.recordFree()
	default:
		if h.logger != nil {
			h.logger.Error("blockheap: free: invalid canary, memory corruption suspected")
		}
		panic("blockheap: free: memory corruption: invalid canary")
	}
}

// allocPooled allocates directly from the class whose block size is
// exactly blockSize, bypassing classIndexFor's size/alignment derivation —
// used by Shrink, which already knows the target block size.
func (h *Heap) allocPooled(blockSize uintptr) (unsafe.Pointer, int, error) {
	for i, bs := range h.sizeClasses {
		if bs == blockSize {
			ptr, err := h.allocBlock(i)
			return ptr, i, err
		}
	}
	return nil, -1, fmt.Errorf("blockheap: no size class for block size %d", blockSize)
}

func copyMin(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), int(n)), unsafe.Slice((*byte)(src), int(n)))
}

// Realloc resizes a live allocation, preserving min(oldSize,newSize) bytes.
// Moving between the pooled and direct regimes in either direction is
// handled transparently.
func (h *Heap) Realloc(ptr unsafe.Pointer, oldSize, oldAlign, newSize, newAlign uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return h.Alloc(newSize, newAlign)
	}
	oldNeed := maxUintptr(oldSize, oldAlign)
	newNeed := maxUintptr(newSize, newAlign)
	oldIdx := h.classIndexFor(oldNeed)
	newIdx := h.classIndexFor(newNeed)

	if oldIdx >= 0 && newIdx == oldIdx {
		if ptrmath.IsAligned(uintptr(ptr), newAlign) {
			return ptr, nil
		}
	}

	newPtr, err := h.Alloc(newSize, newAlign)
	if err != nil {
		return nil, err
	}
	copyMin(newPtr, ptr, minUintptr(oldSize, newSize))
	h.Free(ptr)
	return newPtr, nil
}

// Shrink narrows an existing allocation, never failing: a best-effort move
// to a smaller size class is attempted, but on page-mapper exhaustion the
// original (larger) block is kept rather than returning an error. When a
// direct allocation cannot be moved into the pool, the same backing run is
// kept and reinterpreted in place as a (still) direct allocation with its
// user pointer repositioned closer to its base — the "fake slab" escape
// hatch of spec §4.4.1.
func (h *Heap) Shrink(ptr unsafe.Pointer, oldSize, oldAlign, newSize, newAlign uintptr) unsafe.Pointer {
	if ptr == nil {
		return nil
	}
	slabBase := ptrmath.MaskTo(ptr, h.slabSize)
	switch readUint64(slabBase, 0) {
	case liveSlabCanary:
		classIdx := readUint32(slabBase, 8)
		curBlockSize := h.sizeClasses[classIdx]
		newNeed := maxUintptr(newSize, newAlign)
		newIdx := h.classIndexFor(newNeed)
		if newIdx < 0 || h.sizeClasses[newIdx] >= curBlockSize {
			return ptr
		}
		newPtr, _, err := h.allocPooled(h.sizeClasses[newIdx])
		if err != nil {
			return ptr
		}
		if h.bitGuard {
			writeUint64(newPtr, h.sizeClasses[newIdx]-8, bitGuardPattern)
		}
		copyMin(newPtr, ptr, minUintptr(oldSize, newSize))
		h.Free(ptr)
		return newPtr
	case fakeSlabCanary:
		length := readUint64(slabBase, 8)
		newNeed := maxUintptr(newSize, newAlign)
		if h.classIndexFor(newNeed) < 0 {
			return ptr
		}
		if newPtr, err := h.Alloc(newSize, newAlign); err == nil {
			copyMin(newPtr, ptr, minUintptr(oldSize, newSize))
			if relErr := h.pager.Release(pages.Run{Ptr: slabBase, Len: uintptr(length)}); relErr != nil && h.logger != nil {
				h.logger.Warn("blockheap: shrink: failed to release old direct run", slog.Any("err", relErr))
			}
			return newPtr
		}
		writeFakeSlabHeader(slabBase, length)
		newOffset := fakeSlabDataStart(newAlign)
		newPtr := unsafe.Add(slabBase, newOffset)
		if newPtr != ptr {
			copyMin(newPtr, ptr, minUintptr(oldSize, newSize))
		}
		return newPtr
	default:
		panic("blockheap: shrink: memory corruption: invalid canary")
	}
}

// Deinit releases every mapped data slab, index slab, and direct run. Any
// use of memory returned by this heap after Deinit is undefined behavior.
func (h *Heap) Deinit() {
	for _, cs := range h.classes {
		for _, is := range cs.indexSlabs {
			for i := uintptr(0); i < is.used; i++ {
				run := pages.Run{Ptr: unsafe.Pointer(is.slabPtrs[i]), Len: h.slabSize}
				if err := h.pager.Release(run); err != nil && h.logger != nil {
					h.logger.Warn("blockheap: deinit: failed to release data slab", slog.Any("err", err))
				}
			}
			if err := h.pager.Release(is.run); err != nil && h.logger != nil {
				h.logger.Warn("blockheap: deinit: failed to release index slab", slog.Any("err", err))
			}
		}
		cs.indexSlabs = nil
	}
}

package blockheap

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/quarkforge/ecsrt/internal/ptrmath"
	"github.com/quarkforge/ecsrt/layout"
	"github.com/quarkforge/ecsrt/pages"
)

// classState holds the geometry and index-slab bookkeeping for one size
// class. The geometry (bitmapWords, slotCount, blockArrayStart) is pure
// arithmetic on the class's block size and the heap's slab size, computed
// once at construction; indexSlabs grows lazily, one entry per page-sized
// index slab, as the class is actually touched.
type classState struct {
	idx             int
	blockSize       uintptr
	bitmapWords     uintptr
	slotCount       uintptr
	blockArrayStart uintptr
	indexSlabs      []*indexSlab
}

// indexSlab is a page-sized chunk laid out, via the layout package, as an
// SoA pair: a free-slot-count per data slab, and the data slab's base
// address. It is ordinary GC-visible bookkeeping (unlike a data slab's
// header, nothing ever needs to recover an indexSlab's address by masking a
// user pointer), so unlike data slabs it carries no physical canary.
type indexSlab struct {
	run        pages.Run
	lay        layout.Layout
	freeCounts []uint32
	slabPtrs   []uintptr
	used       uintptr
}

func newIndexSlab(pager *pages.Pages) (*indexSlab, error) {
	pageSize := pager.PageSize()
	lay, err := layout.Compute(0, 1, []layout.Field{
		{Size: 4, Align: 4},                         // free-slot count
		{Size: unsafe.Sizeof(uintptr(0)), Align: unsafe.Sizeof(uintptr(0))}, // data slab address
	}, pageSize)
	if err != nil {
		return nil, fmt.Errorf("blockheap: index slab layout: %w", err)
	}
	run, err := pager.Obtain(pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	is := &indexSlab{
		run:        run,
		lay:        lay,
		freeCounts: unsafe.Slice((*uint32)(lay.FieldPtr(run.Ptr, 0)), int(lay.NumItems)),
		slabPtrs:   unsafe.Slice((*uintptr)(lay.FieldPtr(run.Ptr, 1)), int(lay.NumItems)),
	}
	return is, nil
}

func (is *indexSlab) capacity() uintptr { return is.lay.NumItems }

// newClassState derives the slab geometry for one block size per spec §4.4:
// the bitmap word count is sized for the gross slot estimate slabSize/blockSize,
// then the block array is placed after the header and bitmap, rounded up to
// a blockSize-aligned start so every block's address inherits the array
// start's alignment, and the real slot count is recomputed from what's left.
func newClassState(idx int, blockSize, slabSize uintptr) classState {
	grossSlots := slabSize / blockSize
	bitmapWords := (grossSlots + 63) / 64
	blockArrayStart := ptrmath.AlignUp(liveSlabHeaderSize+bitmapWords*8, blockSize)
	var slotCount uintptr
	if blockArrayStart < slabSize {
		slotCount = (slabSize - blockArrayStart) / blockSize
	}
	return classState{
		idx:             idx,
		blockSize:       blockSize,
		bitmapWords:     bitmapWords,
		slotCount:       slotCount,
		blockArrayStart: blockArrayStart,
	}
}

// allocNewDataSlab maps a fresh slab-aligned data slab for this class,
// marking the tail bits beyond slotCount (padding out to bitmapWords*64) as
// permanently occupied so the scan below never selects them.
func (h *Heap) allocNewDataSlab(cs *classState) (unsafe.Pointer, error) {
	run, err := h.pager.Obtain(h.slabSize, h.slabSize)
	if err != nil {
		return nil, err
	}
	bitmap := bitmapSlice(run.Ptr, cs.bitmapWords)
	for i := range bitmap {
		bitmap[i] = 0
	}
	for slot := cs.slotCount; slot < cs.bitmapWords*64; slot++ {
		w, b := slot/64, slot%64
		bitmap[w] |= uint64(1) << (63 - b)
	}
	return run.Ptr, nil
}

// allocFromDataSlab finds the lowest-numbered free bit in the data slab
// registered at is.slabPtrs[slotInIndex], claims it, and returns the block's
// address.
func allocFromDataSlab(cs *classState, is *indexSlab, slotInIndex uintptr) unsafe.Pointer {
	base := unsafe.Pointer(is.slabPtrs[slotInIndex])
	bitmap := bitmapSlice(base, cs.bitmapWords)
	for w := range bitmap {
		if bitmap[w] == ^uint64(0) {
			continue
		}
		free := bits.LeadingZeros64(^bitmap[w])
		bitmap[w] |= uint64(1) << (63 - free)
		is.freeCounts[slotInIndex]--
		slotPos := uintptr(w)*64 + uintptr(free)
		return unsafe.Add(base, cs.blockArrayStart+slotPos*cs.blockSize)
	}
	panic("blockheap: free-count/bitmap mismatch (corruption)")
}

// allocBlock implements the class-level scan described in spec §4.4: prefer
// a data slab that already has free slots; failing that, populate a fresh
// data slab into a free index-slab entry; failing that, grow the index-slab
// list itself.
func (h *Heap) allocBlock(classIdx int) (unsafe.Pointer, error) {
	cs := h.classes[classIdx]
	for isID, is := range cs.indexSlabs {
		for slot := uintptr(0); slot < is.used; slot++ {
			if is.freeCounts[slot] > 0 {
				return allocFromDataSlab(cs, is, slot), nil
			}
		}
		if is.used < is.capacity() {
			return h.populateIndexSlabSlot(cs, is, uint32(isID))
		}
	}
	is, err := newIndexSlab(h.pager)
	if err != nil {
		return nil, err
	}
	cs.indexSlabs = append(cs.indexSlabs, is)
	return h.populateIndexSlabSlot(cs, is, uint32(len(cs.indexSlabs)-1))
}

func (h *Heap) populateIndexSlabSlot(cs *classState, is *indexSlab, indexSlabID uint32) (unsafe.Pointer, error) {
	base, err := h.allocNewDataSlab(cs)
	if err != nil {
		return nil, err
	}
	slot := is.used
	is.slabPtrs[slot] = uintptr(base)
	is.freeCounts[slot] = uint32(cs.slotCount)
	is.used++
	writeLiveSlabHeader(base, uint32(cs.idx), indexSlabID, uint32(slot))
	return allocFromDataSlab(cs, is, slot), nil
}

// freeLiveBlock clears ptr's bit in its data slab's bitmap and bumps the
// owning index slab's free count, using the back-pointers stashed in the
// slab's physical header at allocation time. When the heap's bit guard is
// enabled, the reserved last 8 bytes of the block are checked first; a
// caller writing past its own logical length into that reserved tail
// corrupts the guard rather than another live block's bitmap.
func (h *Heap) freeLiveBlock(slabBase unsafe.Pointer, ptr unsafe.Pointer) {
	classIdx := readUint32(slabBase, 8)
	indexSlabID := readUint32(slabBase, 12)
	slotInIndex := readUint32(slabBase, 16)

	cs := h.classes[classIdx]
	is := cs.indexSlabs[indexSlabID]

	offset := uintptr(ptr) - uintptr(slabBase)
	if offset < cs.blockArrayStart || (offset-cs.blockArrayStart)%cs.blockSize != 0 {
		panic("blockheap: free: misaligned pointer (corruption)")
	}

	if h.bitGuard {
		if readUint64(ptr, cs.blockSize-8) != bitGuardPattern {
			panic("blockheap: free: bit guard mismatch: buffer overrun detected")
		}
	}

	slotPos := (offset - cs.blockArrayStart) / cs.blockSize
	w, b := slotPos/64, slotPos%64
	bitmap := bitmapSlice(slabBase, cs.bitmapWords)
	mask := uint64(1) << (63 - b)
	if bitmap[w]&mask == 0 {
		panic("blockheap: double free detected")
	}
	bitmap[w] &^= mask
	is.freeCounts[slotInIndex]++

	if h.secure {
		block := unsafe.Slice((*byte)(ptr), int(cs.blockSize))
		for i := range block {
			block[i] = 0
		}
	}
}

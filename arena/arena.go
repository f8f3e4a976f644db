// Package arena implements a page-backed bump allocator: a single logical
// allocation region that is bump-allocated from linked OS pages and torn
// down all at once. It is the spec's "Arena allocator" component — the
// cheapest allocation strategy in this module, used for scratch memory whose
// lifetime is scoped to something coarser than an individual free (a job
// body, a frame, a load phase).
package arena

import (
	"log/slog"
	"unsafe"

	"github.com/quarkforge/ecsrt/internal/ptrmath"
	"github.com/quarkforge/ecsrt/pages"
)

// headerReserve is the bookkeeping overhead reserved at the start of every
// bump page before user data may begin, mirroring the two-pointer header
// overhead (16 bytes on a 64-bit target) that size-class allocators in this
// module's lineage (see blockheap, and warawara28's TLSF BlockHeaderSize)
// reserve per region. The arena does not actually store a struct there
// (page linkage lives in ordinary, GC-tracked Go structs, the way
// blockheap keeps its index-slab bookkeeping in Go structs) — it is
// reserved purely so the
// direct-vs-bump cost comparison in Alloc has a nonzero header cost to
// weigh, matching the spec's formula.
const headerReserve = 16

type pageNode struct {
	run    pages.Run
	cursor uintptr
	next   *pageNode
}

type directNode struct {
	run  pages.Run
	next *directNode
}

// Arena is a single bump-allocation region backed by OS pages.
type Arena struct {
	pager    *pages.Pages
	pageSize uintptr
	current  *pageNode
	pageList *pageNode
	direct   *directNode
	logger   *slog.Logger
}

// Option configures an Arena.
type Option func(*Arena)

// WithLogger attaches a structured logger for diagnostic events.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Arena) { a.logger = logger }
}

// WithPages supplies a shared *pages.Pages facade instead of constructing a
// private one.
func WithPages(p *pages.Pages) Option {
	return func(a *Arena) { a.pager = p }
}

// New constructs an empty Arena. No pages are mapped until the first Alloc.
func New(opts ...Option) *Arena {
	a := &Arena{}
	for _, opt := range opts {
		opt(a)
	}
	if a.pager == nil {
		a.pager = pages.New()
	}
	a.pageSize = a.pager.PageSize()
	return a
}

func (a *Arena) linkNewPage() error {
	run, err := a.pager.Obtain(a.pageSize, a.pageSize)
	if err != nil {
		return err
	}
	node := &pageNode{run: run, cursor: headerReserve, next: a.pageList}
	a.pageList = node
	a.current = node
	return nil
}

func (a *Arena) linkDirect(run pages.Run) {
	a.direct = &directNode{run: run, next: a.direct}
}

func (a *Arena) allocDirect(size, alignment uintptr) (unsafe.Pointer, error) {
	alignment = ptrmath.RoundUpPow2(alignment)
	if alignment < a.pageSize {
		alignment = a.pageSize
	}
	roundedSize := ptrmath.AlignUp(size, a.pageSize)
	run, err := a.pager.Obtain(roundedSize, alignment)
	if err != nil {
		return nil, err
	}
	a.linkDirect(run)
	return run.Ptr, nil
}

// Alloc returns size bytes aligned to alignment. Preconditions: alignment is
// a power of two. When the combined header+size overhead for a request
// exceeds a full page, the request is served directly from the page mapper;
// otherwise Alloc picks whichever of "bump in the current page" or "go
// direct" wastes fewer bytes, per spec §4.3.
func (a *Arena) Alloc(size, alignment uintptr) (unsafe.Pointer, error) {
	if alignment == 0 {
		alignment = 1
	}
	if !ptrmath.IsPowerOfTwo(alignment) {
		panic("arena: alignment must be a power of two")
	}

	if ptrmath.AlignUp(headerReserve, alignment)+size > a.pageSize {
		return a.allocDirect(size, alignment)
	}

	if a.current == nil {
		if err := a.linkNewPage(); err != nil {
			return nil, err
		}
	}

	alignedCursor := ptrmath.AlignUp(a.current.cursor, alignment)
	if alignedCursor+size > a.pageSize {
		// No room in the current page. Compare the waste of going direct
		// against the waste of starting a fresh page and bumping from its
		// header, and take the cheaper option.
		directWaste := a.pageSize - size
		freshPageWaste := ptrmath.AlignUp(headerReserve, alignment) - headerReserve
		if directWaste < freshPageWaste {
			return a.allocDirect(size, alignment)
		}
		if err := a.linkNewPage(); err != nil {
			return nil, err
		}
		alignedCursor = ptrmath.AlignUp(a.current.cursor, alignment)
	} else {
		bumpWaste := alignedCursor - a.current.cursor
		directWaste := a.pageSize - size
		if directWaste < bumpWaste {
			return a.allocDirect(size, alignment)
		}
	}

	ptr := unsafe.Add(a.current.run.Ptr, alignedCursor)
	a.current.cursor = alignedCursor + size
	return ptr, nil
}

// Realloc returns the same memory if newSize fits within the space already
// reserved at ptr's alignment; otherwise it fresh-allocates, copies
// min(oldSize,newSize) bytes, and abandons the old storage (reclaimed only
// at Deinit — the arena never frees individual allocations).
func (a *Arena) Realloc(ptr unsafe.Pointer, oldSize, oldAlign, newSize, newAlign uintptr) (unsafe.Pointer, error) {
	if newSize <= oldSize && newAlign <= oldAlign {
		return ptr, nil
	}
	fresh, err := a.Alloc(newSize, newAlign)
	if err != nil {
		return nil, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	if n > 0 {
		dst := unsafe.Slice((*byte)(fresh), int(n))
		src := unsafe.Slice((*byte)(ptr), int(n))
		copy(dst, src)
	}
	return fresh, nil
}

// Shrink returns ptr unchanged: the arena never physically releases part of
// an allocation, it only narrows the caller's logical view.
func (a *Arena) Shrink(ptr unsafe.Pointer, oldSize, oldAlign, newSize, newAlign uintptr) unsafe.Pointer {
	return ptr
}

// Deinit releases every direct allocation, then every linked page. Any use
// of memory returned by this arena after Deinit is undefined behavior.
func (a *Arena) Deinit() {
	for d := a.direct; d != nil; d = d.next {
		if err := a.pager.Release(d.run); err != nil && a.logger != nil {
			a.logger.Warn("arena: deinit: failed to release direct allocation", slog.Any("err", err))
		}
	}
	a.direct = nil
	for p := a.pageList; p != nil; p = p.next {
		if err := a.pager.Release(p.run); err != nil && a.logger != nil {
			a.logger.Warn("arena: deinit: failed to release page", slog.Any("err", err))
		}
	}
	a.pageList = nil
	a.current = nil
}

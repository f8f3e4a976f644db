// Package pages is the lowest layer of the allocator stack: it obtains and
// releases OS-aligned, page-sized runs of memory. Every other allocator in
// this module (arena, blockheap) is built on top of it.
//
// Obtain and Realloc fail only with ErrOutOfMemory; Release passes on any
// error from the OS unmap call; Shrink is infallible by construction (see
// Shrink's doc comment).
package pages

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"unsafe"

	"github.com/quarkforge/ecsrt/internal/ptrmath"
)

// ErrOutOfMemory is returned by Obtain and Realloc when the OS page mapper
// cannot satisfy the request.
var ErrOutOfMemory = errors.New("pages: out of memory")

// Run is a contiguous, page-aligned byte range obtained from the OS. Its
// length is immutable once mapped; Shrink only ever narrows the logical view
// a caller holds onto a run, it does not itself release pages back to the OS.
type Run struct {
	Ptr unsafe.Pointer
	Len uintptr
}

// Bytes reinterprets the run as a byte slice for direct access. The caller
// must not retain the slice past a Release of the underlying run.
func (r Run) Bytes() []byte {
	if r.Ptr == nil || r.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(r.Ptr), int(r.Len))
}

// Pages is the facade over the OS page mapper. The zero value is not usable;
// construct with New.
type Pages struct {
	pageSize uintptr
	logger   *slog.Logger
}

// Option configures a Pages facade.
type Option func(*Pages)

// WithLogger attaches a structured logger for diagnostic (non-fatal) events.
// A nil logger (the default) discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pages) { p.logger = logger }
}

// New constructs a Pages facade bound to the host's page size.
func New(opts ...Option) *Pages {
	p := &Pages{pageSize: uintptr(os.Getpagesize())}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p
}

// PageSize returns the host page size in bytes.
func (p *Pages) PageSize() uintptr { return p.pageSize }

func (p *Pages) checkPreconditions(size, alignment uintptr) {
	if size == 0 || size%p.pageSize != 0 {
		panic(fmt.Sprintf("pages: size %d must be a nonzero multiple of the page size %d", size, p.pageSize))
	}
	if !ptrmath.IsPowerOfTwo(alignment) || alignment < p.pageSize {
		panic(fmt.Sprintf("pages: alignment %d must be a power of two >= page size %d", alignment, p.pageSize))
	}
}

// Obtain maps a fresh run of size bytes, aligned to alignment. Both size and
// alignment must be multiples of the host page size (alignment must also be
// a power of two); violating this is a programmer error and panics rather
// than returning an error, per the "Programmer errors" taxonomy.
func (p *Pages) Obtain(size, alignment uintptr) (Run, error) {
	p.checkPreconditions(size, alignment)
	run, err := p.obtainAligned(size, alignment)
	if err != nil {
		p.logger.Warn("pages: obtain failed", slog.Uint64("size", uint64(size)), slog.Uint64("alignment", uint64(alignment)), slog.Any("err", err))
		return Run{}, ErrOutOfMemory
	}
	return run, nil
}

// Realloc obtains a new run of newSize/newAlignment, copies min(old,new)
// bytes from run, and releases the old run. It may relocate; callers must
// use the returned Run and stop using the old one.
func (p *Pages) Realloc(run Run, newSize, newAlignment uintptr) (Run, error) {
	p.checkPreconditions(newSize, newAlignment)
	fresh, err := p.Obtain(newSize, newAlignment)
	if err != nil {
		return Run{}, err
	}
	n := run.Len
	if newSize < n {
		n = newSize
	}
	if n > 0 {
		copy(fresh.Bytes()[:n], run.Bytes()[:n])
	}
	if err := p.Release(run); err != nil {
		p.logger.Warn("pages: realloc: failed to release old run", slog.Any("err", err))
	}
	return fresh, nil
}

// Shrink caps the logical length of run to newSize. It never fails: when
// newSize >= run.Len it is a no-op (the caller already has at least that
// much); when alignment is already satisfied and newSize fits, the prefix of
// the existing mapping is reused as-is. No pages are returned to the OS;
// that only happens on an explicit Release of the (possibly still larger)
// underlying mapping. This mirrors the spec's Pages.shrink contract.
func (p *Pages) Shrink(run Run, newSize, newAlignment uintptr) Run {
	if newSize >= run.Len || !ptrmath.IsAligned(uintptr(run.Ptr), newAlignment) {
		return run
	}
	return Run{Ptr: run.Ptr, Len: newSize}
}

// Release returns a run to the OS. Using the run after Release is undefined
// behavior.
func (p *Pages) Release(run Run) error {
	if run.Ptr == nil {
		return nil
	}
	return p.release(run)
}

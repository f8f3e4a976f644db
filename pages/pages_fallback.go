//go:build !unix

package pages

import (
	"unsafe"

	"github.com/quarkforge/ecsrt/internal/ptrmath"
)

// obtainAligned is the non-unix fallback: the host has no anonymous-mmap
// primitive wired here (only golang.org/x/sys/unix is grounded in the
// retrieval pack; there is no grounded Windows equivalent to imitate), so
// alignment is achieved the same way slabby.createCacheAlignedSlice does —
// over-allocate a Go slice and slide the returned pointer forward to the
// next aligned boundary. The GC keeps the whole backing array alive via the
// pointer returned from Obtain, so this is safe, just not a real page
// release back to the OS (release is a no-op here).
func (p *Pages) obtainAligned(size, alignment uintptr) (Run, error) {
	raw := make([]byte, size+alignment)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := ptrmath.AlignUp(base, alignment)
	return Run{Ptr: unsafe.Pointer(aligned), Len: size}, nil
}

func (p *Pages) release(run Run) error {
	return nil
}

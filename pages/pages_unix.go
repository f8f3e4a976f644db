//go:build unix

package pages

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/quarkforge/ecsrt/internal/ptrmath"
)

// obtainAligned maps size bytes at the requested alignment by over-mapping
// and trimming the unaligned head/tail, per the standard "overallocate then
// munmap the slop" trick (the kernel tracks each munmap'd sub-range
// independently, so trimming does not disturb the aligned middle region).
func (p *Pages) obtainAligned(size, alignment uintptr) (Run, error) {
	if ptrmath.IsAligned(p.pageSize, alignment) && alignment == p.pageSize {
		raw, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return Run{}, err
		}
		return Run{Ptr: unsafe.Pointer(&raw[0]), Len: size}, nil
	}

	total := size + alignment - p.pageSize
	raw, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return Run{}, err
	}
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := ptrmath.AlignUp(base, alignment)
	headTrim := aligned - base
	tailTrim := total - headTrim - size

	if headTrim > 0 {
		if err := unix.Munmap(raw[:headTrim]); err != nil {
			_ = unix.Munmap(raw)
			return Run{}, err
		}
	}
	if tailTrim > 0 {
		if err := unix.Munmap(raw[headTrim+size:]); err != nil {
			_ = unix.Munmap(raw[headTrim : headTrim+size])
			return Run{}, err
		}
	}
	return Run{Ptr: unsafe.Pointer(aligned), Len: size}, nil
}

func (p *Pages) release(run Run) error {
	b := unsafe.Slice((*byte)(run.Ptr), int(run.Len))
	return unix.Munmap(b)
}

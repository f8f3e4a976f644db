// Package layout computes structure-of-arrays placement inside a fixed-size,
// fixed-alignment memory chunk: a header followed by N parallel arrays, one
// per component/variant type, with the array count maximized under the
// chunk's size budget.
//
// Every chunk produced by a Layout is allocated at an alignment equal to its
// own size, which lets any interior pointer recover its chunk's base address
// by masking (see ChunkBaseFromInterior); a pointer to the header yields the
// chunk's base by subtracting the header's fixed offset (see
// ChunkBaseFromHeader).
package layout

import (
	"fmt"
	"unsafe"

	"github.com/quarkforge/ecsrt/internal/ptrmath"
)

// Field describes one parallel array's element type, in the units Compute
// needs: its size and its required alignment.
type Field struct {
	Size  uintptr
	Align uintptr
}

// Layout is the computed placement of a header plus N parallel arrays inside
// a chunk of ChunkSize bytes.
type Layout struct {
	ChunkSize uintptr
	NumItems  uintptr
	// Offsets[i] is the byte offset from the chunk base to the start of the
	// i-th field's array, parallel to the Fields slice passed to Compute.
	Offsets []uintptr
}

// Compute lays out headerSize/headerAlign bytes followed by one array per
// field, each sized NumItems*field.Size, picking the largest NumItems for
// which everything fits within chunkSize. It fails (returns an error) if
// fields is empty, if the header alone exceeds chunkSize, if the field sizes
// sum to zero, or if not even one item fits for every field — callers that
// can't tolerate that should treat it as the "assertion" spec.md describes
// and panic.
func Compute(headerSize, headerAlign uintptr, fields []Field, chunkSize uintptr) (Layout, error) {
	if len(fields) == 0 {
		return Layout{}, fmt.Errorf("layout: at least one field is required")
	}
	if headerSize > chunkSize {
		return Layout{}, fmt.Errorf("layout: header alone (%d bytes) exceeds chunk size %d", headerSize, chunkSize)
	}

	// Raw capacity estimate per spec §4.2 step 1: floor((chunkSize -
	// sizeof(H)) / sum(sizeof(Ti))). This is only a starting point because
	// per-field alignment padding can push the true capacity below it; step
	// 2 trims N down until everything actually fits.
	var sumSizes uintptr
	for _, f := range fields {
		sumSizes += f.Size
	}
	if sumSizes == 0 {
		return Layout{}, fmt.Errorf("layout: fields must have nonzero size")
	}

	n := (chunkSize - headerSize) / sumSizes
	offsets := make([]uintptr, len(fields))

	for n > 0 {
		end := headerSize
		ok := true
		for i, f := range fields {
			start := ptrmath.AlignUp(end, f.Align)
			newEnd := start + n*f.Size
			if newEnd > chunkSize || newEnd < start /* overflow */ {
				ok = false
				break
			}
			offsets[i] = start
			end = newEnd
		}
		if ok {
			return Layout{ChunkSize: chunkSize, NumItems: n, Offsets: offsets}, nil
		}
		n--
	}
	return Layout{}, fmt.Errorf("layout: no capacity fits chunk of size %d with header %d and %d fields", chunkSize, headerSize, len(fields))
}

// MustCompute is Compute but panics on failure, for call sites that treat a
// zero-capacity layout as a programmer error (an undersized chunkSize
// constant chosen at compile time, for instance).
func MustCompute(headerSize, headerAlign uintptr, fields []Field, chunkSize uintptr) Layout {
	l, err := Compute(headerSize, headerAlign, fields, chunkSize)
	if err != nil {
		panic(err)
	}
	return l
}

// FieldPtr returns the base pointer of the index-th field's array within a
// chunk starting at base.
func (l Layout) FieldPtr(base unsafe.Pointer, index int) unsafe.Pointer {
	return unsafe.Add(base, l.Offsets[index])
}

// ChunkBaseFromHeader recovers a chunk's base address given a pointer to its
// header and the header's offset within the chunk (always 0 in this
// package's convention, since the header precedes every array, but kept
// explicit so callers who embed the header elsewhere can still use this).
func ChunkBaseFromHeader(hdr unsafe.Pointer, headerOffset uintptr) unsafe.Pointer {
	return unsafe.Add(hdr, -int(headerOffset))
}

// ChunkBaseFromInterior recovers a chunk's base address from any pointer
// known to lie inside it, given the chunk's size (which must be a power of
// two, and must equal the alignment the chunk was allocated at).
func ChunkBaseFromInterior(p unsafe.Pointer, chunkSize uintptr) unsafe.Pointer {
	if !ptrmath.IsPowerOfTwo(chunkSize) {
		panic("layout: chunkSize must be a power of two to recover a base via masking")
	}
	return ptrmath.MaskTo(p, chunkSize)
}

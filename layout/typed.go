package layout

import (
	"reflect"
)

// TypedLayout is a reflection-derived convenience over Compute for callers
// who have concrete Go types for the header and each variant array instead
// of hand-computed (size, align) pairs. It is the closest idiomatic Go
// approximation of the source language's compile-time "header type H plus
// variant set {T1..Tk}" schema (Go has no comptime generics over an
// arbitrary type list); Compute remains the single source of truth, this is
// a thin adapter over it.
type TypedLayout struct {
	Layout
	Header reflect.Type
	Fields []reflect.Type
}

// ComputeTyped mirrors Compute but derives Size/Align from reflect.Type via
// reflect.Type.Size/Align instead of requiring the caller to do so.
func ComputeTyped(header reflect.Type, fields []reflect.Type, chunkSize uintptr) (TypedLayout, error) {
	fs := make([]Field, len(fields))
	for i, t := range fields {
		fs[i] = Field{Size: t.Size(), Align: uintptr(t.Align())}
	}
	l, err := Compute(header.Size(), uintptr(header.Align()), fs, chunkSize)
	if err != nil {
		return TypedLayout{}, err
	}
	return TypedLayout{Layout: l, Header: header, Fields: fields}, nil
}

package blockheap

import (
	"sync"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
)

// Locked wraps a Heap with a single mutex, making it safe for concurrent
// use at the cost of serializing every operation. It exists for callers
// that need a shared block heap but don't want to build their own
// per-goroutine partitioning on top of Heap; job systems and other
// throughput-sensitive callers should prefer one Heap per worker instead.
type Locked struct {
	mu sync.Mutex
	h  *Heap
}

// NewLocked wraps h. h must not be used directly by any other goroutine
// once wrapped.
func NewLocked(h *Heap) *Locked {
	return &Locked{h: h}
}

func (l *Locked) Alloc(size, alignment uintptr) (unsafe.Pointer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Alloc(size, alignment)
}

func (l *Locked) Free(ptr unsafe.Pointer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.h.Free(ptr)
}

func (l *Locked) Realloc(ptr unsafe.Pointer, oldSize, oldAlign, newSize, newAlign uintptr) (unsafe.Pointer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Realloc(ptr, oldSize, oldAlign, newSize, newAlign)
}

func (l *Locked) Shrink(ptr unsafe.Pointer, oldSize, oldAlign, newSize, newAlign uintptr) unsafe.Pointer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Shrink(ptr, oldSize, oldAlign, newSize, newAlign)
}

func (l *Locked) Snapshot() StatsSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Snapshot()
}

func (l *Locked) Deinit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.h.Deinit()
}

var _ prometheus.Collector = (*Locked)(nil)

func (l *Locked) Describe(ch chan<- *prometheus.Desc) {
	l.h.Describe(ch)
}

func (l *Locked) Collect(ch chan<- prometheus.Metric) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.h.Collect(ch)
}

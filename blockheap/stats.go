package blockheap

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds lock-free running counters for a Heap, snapshotted by
// Heap.Snapshot and exported to Prometheus by Collector.
type Stats struct {
	directAllocs uint64
	directBytes  uint64
	pooledAllocs uint64
	pooledBytes  uint64
	frees        uint64
	failures     uint64
}

func (s *Stats) recordDirectAlloc(size uintptr) {
	atomic.AddUint64(&s.directAllocs, 1)
	atomic.AddUint64(&s.directBytes, uint64(size))
}

func (s *Stats) recordPooledAlloc(blockSize uintptr) {
	atomic.AddUint64(&s.pooledAllocs, 1)
	atomic.AddUint64(&s.pooledBytes, uint64(blockSize))
}

func (s *Stats) recordFree() {
	atomic.AddUint64(&s.frees, 1)
}

func (s *Stats) recordFailure() {
	atomic.AddUint64(&s.failures, 1)
}

// StatsSnapshot is a point-in-time copy of a Heap's counters.
type StatsSnapshot struct {
	DirectAllocs uint64
	DirectBytes  uint64
	PooledAllocs uint64
	PooledBytes  uint64
	Frees        uint64
	Failures     uint64
}

// Snapshot returns the current counter values.
func (h *Heap) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		DirectAllocs: atomic.LoadUint64(&h.stats.directAllocs),
		DirectBytes:  atomic.LoadUint64(&h.stats.directBytes),
		PooledAllocs: atomic.LoadUint64(&h.stats.pooledAllocs),
		PooledBytes:  atomic.LoadUint64(&h.stats.pooledBytes),
		Frees:        atomic.LoadUint64(&h.stats.frees),
		Failures:     atomic.LoadUint64(&h.stats.failures),
	}
}

var _ prometheus.Collector = (*Heap)(nil)

var (
	directAllocsDesc = prometheus.NewDesc("blockheap_direct_allocs_total", "Total allocations served directly by the page mapper.", nil, nil)
	pooledAllocsDesc = prometheus.NewDesc("blockheap_pooled_allocs_total", "Total allocations served from a size-class pool.", nil, nil)
	bytesAllocDesc   = prometheus.NewDesc("blockheap_allocated_bytes_total", "Total bytes handed out, by regime.", []string{"regime"}, nil)
	freesDesc        = prometheus.NewDesc("blockheap_frees_total", "Total Free calls.", nil, nil)
	failuresDesc     = prometheus.NewDesc("blockheap_alloc_failures_total", "Total allocation attempts that returned an error.", nil, nil)
)

// Describe implements prometheus.Collector.
func (h *Heap) Describe(ch chan<- *prometheus.Desc) {
	ch <- directAllocsDesc
	ch <- pooledAllocsDesc
	ch <- bytesAllocDesc
	ch <- freesDesc
	ch <- failuresDesc
}

// Collect implements prometheus.Collector, exporting a live snapshot of the
// heap's counters on every scrape.
func (h *Heap) Collect(ch chan<- prometheus.Metric) {
	snap := h.Snapshot()
	ch <- prometheus.MustNewConstMetric(directAllocsDesc, prometheus.CounterValue, float64(snap.DirectAllocs))
	ch <- prometheus.MustNewConstMetric(pooledAllocsDesc, prometheus.CounterValue, float64(snap.PooledAllocs))
	ch <- prometheus.MustNewConstMetric(bytesAllocDesc, prometheus.CounterValue, float64(snap.DirectBytes), "direct")
	ch <- prometheus.MustNewConstMetric(bytesAllocDesc, prometheus.CounterValue, float64(snap.PooledBytes), "pooled")
	ch <- prometheus.MustNewConstMetric(freesDesc, prometheus.CounterValue, float64(snap.Frees))
	ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.CounterValue, float64(snap.Failures))
}

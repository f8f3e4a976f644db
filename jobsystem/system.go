package jobsystem

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// pollInterval bounds how long a worker with nothing to do waits on the
// doorbell before re-checking the ready queue and the shutdown flag. The
// doorbell is the fast path; this is only a backstop against a missed
// notification.
const pollInterval = 2 * time.Millisecond

// System owns a Pool and a fixed set of worker goroutines that dispatch
// ready jobs. Workers block on a doorbell channel rather than spinning,
// per the module's decision to trade a little wakeup latency for not
// burning a core per idle worker (see DESIGN.md's Open Questions).
type System struct {
	pool *Pool

	logger *slog.Logger

	doorbell chan struct{}

	running      atomic.Bool
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// Option configures a System at construction.
type Option func(*System)

// WithLogger sets the structured logger used for worker lifecycle events
// (Startup and Shutdown). The pool's parameter heap is built before options
// are applied, so it keeps logging to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *System) { s.logger = logger }
}

// New constructs a System. Call Startup to begin dispatching jobs.
func New(opts ...Option) *System {
	s := &System{
		logger:   slog.Default(),
		doorbell: make(chan struct{}, 1),
	}
	s.pool = newPool(s.logger)
	s.pool.notify = s.ring
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultWorkerCount returns GOMAXPROCS, the usual choice for a
// CPU-bound worker pool sized to the machine.
func DefaultWorkerCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	return n
}

// Startup launches n worker goroutines (DefaultWorkerCount if n <= 0) and
// transitions the system to Running. Startup is not safe to call
// concurrently with itself or Shutdown.
func (s *System) Startup(n int) {
	if n <= 0 {
		n = DefaultWorkerCount()
	}
	s.shuttingDown.Store(false)
	s.running.Store(true)
	s.wg.Add(n)
	for i := 0; i < n; i++ {
		go s.workerLoop()
	}
	s.logger.Info("jobsystem started", "workers", n)
}

// Shutdown flips the system to ShuttingDown, wakes every worker so they can
// observe the flag between dispatches, and blocks until all of them have
// exited.
func (s *System) Shutdown() {
	s.shuttingDown.Store(true)
	s.running.Store(false)
	close(s.doorbell)
	s.wg.Wait()
	s.doorbell = make(chan struct{}, 1)
	s.pool.notify = s.ring
	s.logger.Info("jobsystem stopped")
}

func (s *System) ring() {
	select {
	case s.doorbell <- struct{}{}:
	default:
	}
}

func (s *System) workerLoop() {
	defer s.wg.Done()
	for {
		short, ok := s.waitForReadyTask(pollInterval)
		if !ok {
			if s.shuttingDown.Load() {
				return
			}
			continue
		}
		for {
			next, hasNext := s.pool.run(short, s)
			if !hasNext {
				break
			}
			short = next
		}
		if s.shuttingDown.Load() {
			return
		}
	}
}

// waitForReadyTask dequeues a ready short-ID, blocking on the doorbell (not
// spinning) until one appears or timeout elapses.
func (s *System) waitForReadyTask(timeout time.Duration) (uint32, bool) {
	if short, err := s.pool.readyQueue.Dequeue(); err == nil {
		return short, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case _, ok := <-s.doorbell:
		if !ok {
			return 0, false
		}
	case <-timer.C:
		return 0, false
	}
	short, err := s.pool.readyQueue.Dequeue()
	return short, err == nil
}

// Flush runs an active-worker wait loop until the ready queue and free
// queue both suggest no in-flight work remains: it pulls and runs ready
// jobs itself rather than blocking, so calling it from outside a worker
// still makes forward progress on a system with no dedicated workers
// started.
func (s *System) Flush() {
	idle := 0
	for idle < 2 || s.pool.freeQueue.Len() < len(s.pool.slots) {
		short, err := s.pool.readyQueue.Dequeue()
		if err != nil {
			idle++
			time.Sleep(pollInterval)
			continue
		}
		idle = 0
		for {
			next, hasNext := s.pool.run(short, s)
			if !hasNext {
				break
			}
			short = next
		}
	}
}

// Wait blocks until id's slot has moved past the generation id was minted
// against, participating as an active worker (draining the ready queue)
// rather than idling, per spec's "flush/wait as active worker
// participants".
func (s *System) Wait(id JobID) {
	slot := &s.pool.slots[id.Short()]
	for uint16(slot.generation.Load()) == id.Gen() {
		short, err := s.pool.readyQueue.Dequeue()
		if err != nil {
			time.Sleep(pollInterval)
			continue
		}
		for {
			next, hasNext := s.pool.run(short, s)
			if !hasNext {
				break
			}
			short = next
		}
	}
}

var _ prometheus.Collector = (*System)(nil)

var (
	freeSlotsDesc  = prometheus.NewDesc("jobsystem_free_slots", "Job slots currently on the free queue.", nil, nil)
	readySlotsDesc = prometheus.NewDesc("jobsystem_ready_jobs", "Jobs currently on the ready-to-run queue.", nil, nil)
	poolSizeDesc   = prometheus.NewDesc("jobsystem_pool_size", "Total fixed job slot count.", nil, nil)
)

// Describe implements prometheus.Collector.
func (s *System) Describe(ch chan<- *prometheus.Desc) {
	ch <- freeSlotsDesc
	ch <- readySlotsDesc
	ch <- poolSizeDesc
}

// Collect implements prometheus.Collector. The free/ready depths are
// snapshots of a live MPMC queue and are only approximate under
// concurrent load.
func (s *System) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(poolSizeDesc, prometheus.GaugeValue, float64(len(s.pool.slots)))
	ch <- prometheus.MustNewConstMetric(freeSlotsDesc, prometheus.GaugeValue, float64(s.pool.freeQueue.Len()))
	ch <- prometheus.MustNewConstMetric(readySlotsDesc, prometheus.GaugeValue, float64(s.pool.readyQueue.Len()))
}

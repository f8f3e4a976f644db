package jobsystem

import (
	"runtime"
	"sync/atomic"
)

// spinlock is a tiny CAS-retry mutex, used where spec prose explicitly
// calls for a spin-lock (permit-list mutation) rather than a general
// sync.Mutex: the critical section is a handful of field writes, short
// enough that parking a goroutine would cost more than busy-waiting.
// The backoff idiom mirrors ringqueue's CAS loops (runtime.Gosched on
// contention) rather than spinning bare.
type spinlock struct {
	held atomic.Bool
}

func (s *spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() {
	s.held.Store(false)
}

package blockheap

import (
	"sync/atomic"
	"time"
)

// circuitBreakerState mirrors the three-state failure breaker in Slabby
// (circuitBreakerState/isCircuitBreakerOpen in slabby.go), simplified to a
// single failure counter rather than a sliding window: this heap only ever
// fails one way (the page mapper is exhausted), so there is nothing to
// distinguish by failure kind.
type circuitBreakerState int32

const (
	circuitClosed circuitBreakerState = iota
	circuitOpen
	circuitHalfOpen
)

type circuitBreaker struct {
	threshold     int
	cooldownNanos int64

	state           int32 // circuitBreakerState, accessed atomically
	failureCount    int64
	lastFailureUnix int64
}

// allow reports whether an allocation attempt may proceed, flipping an open
// breaker to half-open once the cooldown has elapsed.
func (cb *circuitBreaker) allow() bool {
	switch circuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case circuitOpen:
		last := atomic.LoadInt64(&cb.lastFailureUnix)
		if time.Now().UnixNano()-last < cb.cooldownNanos {
			return false
		}
		atomic.CompareAndSwapInt32(&cb.state, int32(circuitOpen), int32(circuitHalfOpen))
		return true
	default:
		return true
	}
}

// record updates the breaker's state after an allocation attempt: a success
// closes it (resetting the failure count), a failure in the half-open probe
// reopens it immediately, and enough consecutive closed-state failures trip
// it open.
func (cb *circuitBreaker) record(success bool) {
	if success {
		atomic.StoreInt64(&cb.failureCount, 0)
		atomic.StoreInt32(&cb.state, int32(circuitClosed))
		return
	}
	atomic.StoreInt64(&cb.lastFailureUnix, time.Now().UnixNano())
	if circuitBreakerState(atomic.LoadInt32(&cb.state)) == circuitHalfOpen {
		atomic.StoreInt32(&cb.state, int32(circuitOpen))
		return
	}
	n := atomic.AddInt64(&cb.failureCount, 1)
	if int(n) >= cb.threshold {
		atomic.StoreInt32(&cb.state, int32(circuitOpen))
	}
}

// Package jobsystem implements a dependency-DAG job scheduler on top of
// ringqueue and blockheap: a fixed pool of job slots, generation-tagged
// identity so a JobID naturally goes stale once its slot is recycled, and a
// worker pool that dispatches ready jobs and cascades permit releases as
// each job's dependents become unblocked.
//
// There is no single component in this module's lineage that does this
// end-to-end — see DESIGN.md for the per-mechanism grounding — so the
// package is built from the specification directly, in the ambient style
// (structured logging, functional options, sentinel errors) the rest of
// this module already establishes.
package jobsystem

import (
	"errors"
	"unsafe"
)

// N_JOBS is the fixed job slot pool size.
const N_JOBS = 32768

// noSuccessor marks an empty permit-list or expansion-pointer slot. It is
// never a valid short-ID since short-IDs are bounded by N_JOBS.
const noSuccessor uint32 = ^uint32(0)

// inlineParamSize is the largest parameter that is memcpy'd directly into a
// job slot rather than heap-allocated.
const inlineParamSize = 40

var (
	// ErrJobPoolExhausted is returned when no free job slot is available.
	ErrJobPoolExhausted = errors.New("jobsystem: job pool exhausted")
	// ErrParamTooLargeForInline is not returned by any function in this
	// package: a parameter larger than the inline storage transparently
	// goes to an external heap allocation instead.
	ErrParamTooLargeForInline = errors.New("jobsystem: parameter exceeds inline storage")
	// ErrSystemNotRunning is returned by Schedule/AddSubJob when the
	// system's workers have not been started (or have been shut down).
	ErrSystemNotRunning = errors.New("jobsystem: system is not running")
)

// State is a job slot's position in the Free -> NotStarted ->
// WaitingForChildren -> Free state machine (spec §4.6.1).
type State int32

const (
	StateFree State = iota
	StateNotStarted
	StateWaitingForChildren
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateNotStarted:
		return "NotStarted"
	case StateWaitingForChildren:
		return "WaitingForChildren"
	default:
		return "Unknown"
	}
}

// JobID packs a 16-bit generation and a 16-bit short-ID (the job slot
// index) into a single 32-bit value, per spec §4.6: jobID = (gen<<16) |
// shortID.
type JobID uint32

func makeJobID(gen, short uint16) JobID {
	return JobID(uint32(gen)<<16 | uint32(short))
}

// Gen returns the generation this JobID was minted against.
func (id JobID) Gen() uint16 { return uint16(id >> 16) }

// Short returns the underlying job slot index.
func (id JobID) Short() uint16 { return uint16(id) }

// Func is the type-erased job body invoked by a worker: ctx gives access to
// the running job's identity and lets it spawn children via AddSubJob;
// param points at the job's raw parameter bytes (inline or external,
// transparently — see Schedule for the typed wrapper most callers want).
type Func func(ctx *JobContext, param unsafe.Pointer)

// JobContext is handed to a running job's Func, scoping AddSubJob calls to
// the job currently executing.
type JobContext struct {
	pool   *Pool
	system *System
	self   uint32
	gen    uint16
}

// System returns the job system this job is running under.
func (c *JobContext) System() *System { return c.system }

// Self returns the currently running job's own JobID.
func (c *JobContext) Self() JobID { return makeJobID(c.gen, uint16(c.self)) }

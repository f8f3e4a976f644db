package jobsystem

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/quarkforge/ecsrt/blockheap"
	"github.com/quarkforge/ecsrt/ringqueue"
)

// permitResult reports what addPermit did when asked to chain a successor
// onto a (possibly already-finished) job.
type permitResult int

const (
	permitAdded permitResult = iota
	permitAlreadyDone
	permitFailed
)

// Pool is the fixed N_JOBS-slot job table, its free-slot and ready-to-run
// queues, and the heap used to hold parameters too large to inline.
//
// The free and ready queues are ringqueue.Queue[uint32] of short-IDs, per
// spec §4.6 "Pool" — the same bounded MPMC ring built for §4.5 is reused
// here rather than introducing a second queue implementation.
type Pool struct {
	slots []jobSlot

	freeQueue  *ringqueue.Queue[uint32]
	readyQueue *ringqueue.Queue[uint32]

	paramHeap *blockheap.Locked

	workStacks sync.Pool

	// notify wakes idle workers when a job lands on the ready queue from
	// outside their own inline run loop. Set by System; nil-safe no-op
	// until then (e.g. while tests exercise Pool directly).
	notify func()

	logger *slog.Logger
}

func newPool(logger *slog.Logger) *Pool {
	p := &Pool{
		slots:      make([]jobSlot, N_JOBS),
		freeQueue:  ringqueue.New[uint32](N_JOBS),
		readyQueue: ringqueue.New[uint32](N_JOBS),
		paramHeap:  blockheap.NewLocked(blockheap.New(blockheap.WithLogger(logger))),
		logger:     logger,
	}
	p.workStacks.New = func() interface{} {
		return make([]uint32, 0, 64)
	}
	for i := range p.slots {
		p.slots[i].reset()
		p.slots[i].state.Store(int32(StateFree))
		if err := p.freeQueue.UnsafeEnqueue(uint32(i)); err != nil {
			panic("jobsystem: free queue too small for job pool: " + err.Error())
		}
	}
	return p
}

// schedule implements the publication protocol of spec §4.6: obtain a free
// slot, store fn and the parameter bytes, register one permit per
// dependency, and enqueue the job if every dependency has already
// finished.
func (p *Pool) schedule(paramSrc unsafe.Pointer, paramSize, paramAlign uintptr, fn Func, deps []JobID) (JobID, error) {
	short, err := p.freeQueue.Dequeue()
	if err != nil {
		return 0, ErrJobPoolExhausted
	}
	slot := &p.slots[short]
	gen := uint16(slot.generation.Load())
	jobID := makeJobID(gen, uint16(short))

	slot.reset()
	slot.fn = fn
	if err := p.storeParam(slot, paramSrc, paramSize, paramAlign); err != nil {
		slot.fn = nil
		if enqErr := p.freeQueue.Enqueue(short); enqErr != nil {
			panic("jobsystem: free queue overflow returning slot after alloc failure: " + enqErr.Error())
		}
		return 0, err
	}

	slot.dependencies.Store(int32(1 + len(deps)))
	slot.state.Store(int32(StateNotStarted))

	for _, dep := range deps {
		res := p.addPermit(dep, uint32(short))
		if res != permitAdded {
			// Dependency already finished (or its slot is gone): the
			// permit will never fire, so account for it now.
			slot.dependencies.Add(-1)
		}
	}

	if slot.dependencies.Add(-1) == 0 {
		if err := p.readyQueue.Enqueue(uint32(short)); err != nil {
			panic("jobsystem: ready queue overflow at publication: " + err.Error())
		}
		p.wake()
	}
	return jobID, nil
}

func (p *Pool) wake() {
	if p.notify != nil {
		p.notify()
	}
}

func (p *Pool) storeParam(slot *jobSlot, src unsafe.Pointer, size, align uintptr) error {
	if size == 0 {
		slot.paramPos = paramInternal
		slot.paramLen = 0
		return nil
	}
	if size <= inlineParamSize && align <= unsafe.Alignof(uint64(0)) {
		dst := unsafe.Pointer(&slot.inlineParam[0])
		copyBytes(dst, src, size)
		slot.paramPos = paramInternal
		slot.paramLen = uint16(size)
		return nil
	}
	ext, err := p.paramHeap.Alloc(size, align)
	if err != nil {
		return err
	}
	copyBytes(ext, src, size)
	slot.paramPos = paramExternal
	slot.paramLen = uint16(size)
	slot.setExternalParamPointer(ext)
	return nil
}

func copyBytes(dst, src unsafe.Pointer, n uintptr) {
	d := unsafe.Slice((*byte)(dst), n)
	s := unsafe.Slice((*byte)(src), n)
	copy(d, s)
}

// obtainExpansionSlot borrows a free job slot to hold overflow permits. It
// is seeded straight into StateWaitingForChildren with a single pinned
// dependency (its owner), so that when the owner finalizes and decrements
// that pin via the normal releasePermits path, the expansion slot finalizes
// too — cascading into whatever it has chained — with no special-casing.
func (p *Pool) obtainExpansionSlot() (short uint32, gen uint16, err error) {
	short, err = p.freeQueue.Dequeue()
	if err != nil {
		return 0, 0, ErrJobPoolExhausted
	}
	slot := &p.slots[short]
	slot.reset()
	slot.dependencies.Store(1)
	slot.state.Store(int32(StateWaitingForChildren))
	return short, uint16(slot.generation.Load()), nil
}

// addPermit registers successor to run after target finishes. If target's
// slot has already moved past the generation the caller observed, target
// has already finished and the successor's dependency must be decremented
// by the caller instead. Filling the inline permit list chains into a
// borrowed expansion slot, iteratively rather than recursively, matching
// the REDESIGN FLAGS guidance against unbounded recursion elsewhere in this
// module.
func (p *Pool) addPermit(target JobID, successor uint32) permitResult {
	for {
		short := target.Short()
		slot := &p.slots[short]
		slot.lock.Lock()
		if uint16(slot.generation.Load()) != target.Gen() {
			slot.lock.Unlock()
			return permitAlreadyDone
		}
		if slot.addPermitLocal(successor) {
			slot.lock.Unlock()
			return permitAdded
		}
		if slot.expansion == noSuccessor {
			expShort, expGen, err := p.obtainExpansionSlot()
			if err != nil {
				slot.lock.Unlock()
				return permitFailed
			}
			slot.expansion = expShort
			slot.lock.Unlock()
			target = makeJobID(expGen, uint16(expShort))
			continue
		}
		expShort := slot.expansion
		expGen := uint16(p.slots[expShort].generation.Load())
		slot.lock.Unlock()
		target = makeJobID(expGen, uint16(expShort))
	}
}

// releasePermits decrements short's dependency counter and, if it reaches
// zero, either marks it ready-to-run (publication path, state still
// NotStarted) or finalizes it and cascades into its successors — using an
// explicit work-stack instead of recursion, per REDESIGN FLAGS, since a
// long permit chain would otherwise grow the call stack unboundedly.
//
// It returns the short-ID of the first newly-ready job discovered (the
// caller runs that one inline, single-step work-stealing); any further
// ready jobs are pushed onto the ready queue directly.
func (p *Pool) releasePermits(short uint32) (firstReady uint32, hasReady bool) {
	stack := p.workStacks.Get().([]uint32)
	stack = append(stack[:0], short)
	firstReady, hasReady = noSuccessor, false

	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		slot := &p.slots[s]
		if slot.dependencies.Add(-1) != 0 {
			continue
		}

		switch State(slot.state.Load()) {
		case StateNotStarted:
			if !hasReady {
				firstReady, hasReady = s, true
			} else {
				if err := p.readyQueue.Enqueue(s); err != nil {
					panic("jobsystem: ready queue overflow releasing permits: " + err.Error())
				}
				p.wake()
			}
		case StateWaitingForChildren:
			slot.lock.Lock()
			successors := slot.snapshotAndClearSuccessors()
			slot.lock.Unlock()
			p.finalizeSlot(s)
			stack = append(stack, successors...)
		default:
			panic("jobsystem: releasePermits reached a Free slot")
		}
	}

	p.workStacks.Put(stack[:0])
	return firstReady, hasReady
}

func (p *Pool) finalizeSlot(short uint32) {
	slot := &p.slots[short]
	if slot.paramPos == paramExternal {
		p.paramHeap.Free(slot.paramPointer())
	}
	slot.fn = nil
	slot.generation.Add(1)
	slot.state.Store(int32(StateFree))
	if err := p.freeQueue.Enqueue(short); err != nil {
		panic("jobsystem: free queue overflow finalizing slot: " + err.Error())
	}
}

// run executes the job in slot short, then releases its permits. It
// returns the first successor the caller should run inline, if any.
func (p *Pool) run(short uint32, sys *System) (nextShort uint32, hasNext bool) {
	slot := &p.slots[short]
	gen := uint16(slot.generation.Load())
	// Self-pin: guards against a concurrently-completing addSubJob child
	// driving dependencies to 0 while this job's own body is still
	// running.
	slot.dependencies.Store(1)
	slot.state.Store(int32(StateWaitingForChildren))

	ctx := &JobContext{pool: p, system: sys, self: short, gen: gen}
	fn := slot.fn
	if fn != nil {
		fn(ctx, slot.paramPointer())
	}
	return p.releasePermits(short)
}

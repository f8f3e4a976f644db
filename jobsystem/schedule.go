package jobsystem

import "unsafe"

// Schedule publishes a new job bound to fn with a copy of param, ready to
// run once every entry in deps has finished (deps may be empty). It
// mirrors layout's typed Compute adapter: a generic, statically-typed
// surface over an engine that is necessarily type-erased internally, since
// the pool stores jobs of unrelated Param types side by side in one fixed
// array.
//
// param is copied out synchronously before Schedule returns, so its
// lifetime on the caller's side needs no special handling.
func Schedule[P any](sys *System, param P, fn func(ctx *JobContext, param *P), deps []JobID) (JobID, error) {
	if !sys.running.Load() {
		return 0, ErrSystemNotRunning
	}
	wrapped := Func(func(ctx *JobContext, raw unsafe.Pointer) {
		fn(ctx, (*P)(raw))
	})
	return sys.pool.schedule(unsafe.Pointer(&param), unsafe.Sizeof(param), unsafe.Alignof(param), wrapped, deps)
}

// AddSubJob schedules a child job from within a currently-running job's
// Func. The parent's dependency counter is pre-incremented before the
// child is published, so a child that finishes (on another worker) before
// AddSubJob returns can never cause the parent to finalize early.
func AddSubJob[P any](ctx *JobContext, param P, fn func(ctx *JobContext, param *P), deps []JobID) (JobID, error) {
	parent := &ctx.pool.slots[ctx.self]
	parent.dependencies.Add(1)

	childID, err := Schedule(ctx.system, param, fn, deps)
	if err != nil {
		parent.dependencies.Add(-1)
		return 0, err
	}

	if res := ctx.pool.addPermit(childID, ctx.self); res != permitAdded {
		// Child already finished before we could register the permit
		// (or the pool is in a bad state); account for it directly
		// instead of waiting for a notification that will never come.
		parent.dependencies.Add(-1)
	}
	return childID, nil
}

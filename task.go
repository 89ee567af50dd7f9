package fiberio

import "context"

// TaskHandle is an opaque capability identifying one parked task (spec §3
// "parked_task"). Concrete schedulers (e.g. internal/gosched) define their
// own handle type satisfying this; SelectClient only ever stores, compares,
// and resumes it.
type TaskHandle interface {
	// Resume reschedules the task that owns this handle and, matching the
	// source's coroutine-style handoff (spec §4.1 "handle"), does not
	// return until that task has itself suspended again or terminated.
	// Safe to call from the reactor's goroutine.
	Resume()
}

// Scheduler is the task runtime contract (spec §6). Implementations carry
// the calling task's handle in a context.Context value of their own. Go
// has no goroutine-local storage, so
// "current_task()" (spec §6) is threaded through context.Context instead of
// being a zero-argument global lookup — the idiomatic Go substitute for
// fiber-local identity.
type Scheduler interface {
	// Current returns the handle of the task running on ctx. Panics (via
	// the concrete scheduler) if ctx was not produced by that scheduler's
	// task-spawning entry point.
	Current(ctx context.Context) TaskHandle
	// Suspend yields control back to the scheduler, returning when the
	// current task's handle has been Resume()-d, or when ctx is canceled.
	Suspend(ctx context.Context) error
}

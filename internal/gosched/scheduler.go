// Package gosched is the reference Scheduler (spec §6 "Task runtime
// contract") mapping the source's stackful-fiber suspend/resume onto
// goroutines. It is grounded on xtaci/gaio's channel-handoff style
// (chPendingNotify/chNotifyCompletion: non-blocking sends guarded by
// select-default so a producer never stalls waiting for a consumer) but
// needs two guarantees gaio's fire-and-forget notify doesn't: spec §4.1's
// Handle() must block until the resumed task has itself suspended again or
// terminated, and spec §5's single-threaded cooperative model ("one OS
// thread runs the reactor and all tasks interleaved; no preemption") must
// hold even though every task is its own goroutine. A per-Scheduler baton
// mutex provides the second guarantee: a task holds the baton for its
// entire run except while parked in Suspend, so at most one task's code
// (or code resumed on its behalf) ever executes concurrently, matching the
// reactor's own single dispatch goroutine.
package gosched

import (
	"context"
	"sync"

	"github.com/coriolis-io/fiberio"
)

// Handle is one task's resume/suspend identity (implements
// fiberio.TaskHandle). The zero value is not usable; obtain one via Go.
type Handle struct {
	baton *sync.Mutex

	mu      sync.Mutex
	sem     chan struct{} // buffered, capacity 1: a pending resume credit
	waiting chan struct{} // set by Resume before it blocks; closed by the task's next Suspend entry (or finish) to release it
	done    bool
}

func newHandle(baton *sync.Mutex) *Handle {
	return &Handle{baton: baton, sem: make(chan struct{}, 1)}
}

// Resume delivers a resume credit and blocks until the task has made it
// back around to its next Suspend call or exited (spec §4.1: "After the
// resume returns ... the task has either re-parked or suspended
// elsewhere"). Crucially, delivering the credit does not require the task
// to already be blocked inside Suspend: sem is buffered, so a credit
// deposited before the task ever reaches Suspend simply sits there until
// Suspend consumes it. That closes the race where a readiness event
// arrives in the window between a task registering interest with the
// reactor and actually parking — previously such an event could find no
// wake channel installed yet and be silently dropped, parking the task on
// a channel nobody would ever close. Safe to call from the reactor
// goroutine — that's the whole point of the handoff.
func (h *Handle) Resume() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	select {
	case h.sem <- struct{}{}:
	default:
		// A credit is already pending. Only one task is ever parked on a
		// given client at a time, so only one resume is ever outstanding.
	}
	ack := make(chan struct{})
	h.waiting = ack
	h.mu.Unlock()

	<-ack
}

// releaseWaiting closes whichever ack a prior Resume call is blocked on.
// Called from finish (the task exited instead of suspending again); the top
// of suspend does the same, under mu, when it finds no resume credit
// pending (the task has made it back to a suspend point, satisfying that
// Resume call).
func (h *Handle) releaseWaiting() {
	h.mu.Lock()
	ack := h.waiting
	h.waiting = nil
	h.mu.Unlock()
	if ack != nil {
		close(ack)
	}
}

// finish marks the task done and releases any Resume call still waiting on
// this handle's ack, so a task that terminates instead of re-parking does
// not leave its resumer blocked forever (spec §4.1: "the task ... suspended
// or terminated elsewhere").
func (h *Handle) finish() {
	h.mu.Lock()
	h.done = true
	h.mu.Unlock()
	h.releaseWaiting()
}

// suspend releases the baton — letting the task that's about to resume (or
// any other task already waiting for it) run — then blocks for a resume
// credit or context cancellation, and re-acquires the baton before
// returning control to the caller. Holding the baton across everything
// except this blocking wait is what keeps two tasks' code from ever
// running at the same time.
func (h *Handle) suspend(ctx context.Context) error {
	h.baton.Unlock()
	// A credit still pending here was deposited by a Resume that arrived
	// before this Suspend call; that Resume is released only once the credit
	// has woken the task and it reaches its next suspend point or exits.
	h.mu.Lock()
	var ack chan struct{}
	if len(h.sem) == 0 {
		ack, h.waiting = h.waiting, nil
	}
	h.mu.Unlock()
	if ack != nil {
		close(ack)
	}
	select {
	case <-h.sem:
		h.baton.Lock()
		return nil
	case <-ctx.Done():
		// A concurrent Resume may have deposited a credit into sem in the
		// same instant select observed ctx.Done(); drain it so it can't
		// sit there and cause some later, unrelated Suspend call to return
		// immediately as a spurious premature wake. The Resume call itself
		// isn't stranded: its ack is released by this task's next Suspend
		// (top of this function) or by finish() on exit, same as any other
		// pending Resume.
		select {
		case <-h.sem:
		default:
		}
		h.baton.Lock()
		return ctx.Err()
	}
}

type ctxKey struct{}

// Scheduler implements fiberio.Scheduler over goroutines serialized by a
// single baton mutex, so the goroutine realization still satisfies spec
// §5's single-threaded cooperative model: exactly one task's code runs at
// a time, the rest are blocked either in Suspend (parked) or waiting on
// the baton (runnable but not yet their turn).
type Scheduler struct {
	baton sync.Mutex
}

// New returns a ready-to-use goroutine scheduler.
func New() *Scheduler { return &Scheduler{} }

// Go spawns a new task running fn, which receives a context carrying its
// own Handle (retrievable via Current) — Go's substitute for fiber-local
// "current task" identity (see fiberio.Scheduler's doc comment). The task
// goroutine acquires the scheduler's baton before running fn and holds it
// for the task's whole lifetime except while parked in Suspend.
func (s *Scheduler) Go(parent context.Context, fn func(ctx context.Context)) {
	h := newHandle(&s.baton)
	ctx := context.WithValue(parent, ctxKey{}, h)
	go func() {
		s.baton.Lock()
		defer func() {
			h.finish()
			s.baton.Unlock()
		}()
		fn(ctx)
	}()
}

// Current extracts the calling task's Handle from ctx (spec §6
// "current_task()").
func (s *Scheduler) Current(ctx context.Context) fiberio.TaskHandle {
	h, _ := ctx.Value(ctxKey{}).(*Handle)
	if h == nil {
		panic("gosched: Current called outside a task spawned by Scheduler.Go")
	}
	return h
}

// Suspend parks the calling task until its Handle is Resume()-d or ctx is
// canceled (spec §6 "task.suspend()").
func (s *Scheduler) Suspend(ctx context.Context) error {
	h, _ := ctx.Value(ctxKey{}).(*Handle)
	if h == nil {
		panic("gosched: Suspend called outside a task spawned by Scheduler.Go")
	}
	return h.suspend(ctx)
}

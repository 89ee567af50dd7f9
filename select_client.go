package fiberio

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SelectClient owns one fd's epoll registration and the identity of the
// single task blocked on it (spec §4.1). It serializes the "task → reactor
// → task" handoff while minimizing reactor churn via registration
// deduplication (spec §4.1 "Registration dedup").
//
// expected/parkedTask/lastEvents/timeoutFired are written from two
// goroutines — the owning task (inside IoWait) and the reactor's dispatch
// goroutine (inside Handle/Finalize) — and mu guards all four. It is held
// across the decision to register/modify/dedup and the subsequent
// parkedTask assignment in IoWait, so Handle/Finalize can never observe a
// registration with no task recorded as parked on it: a readiness event
// racing a fresh Register always waits for that critical section to finish
// rather than treating the client as spuriously woken. The window after mu
// is released but before the task's Suspend call actually parks is closed
// on the Scheduler side (see internal/gosched's buffered resume credit).
type SelectClient struct {
	device     IoDevice
	reactor    Reactor
	scheduler  Scheduler
	errorProbe func() error
	logger     *zap.SugaredLogger
	metrics    *Metrics

	mu           sync.Mutex
	expected     EventMask
	parkedTask   TaskHandle
	lastEvents   EventMask
	timeoutFired bool
}

// NewSelectClient builds a client for one fd. errorProbe may be nil, in
// which case it is treated as always-nil (no enrichment available), which
// is the case for non-socket devices such as pipes.
func NewSelectClient(device IoDevice, reactor Reactor, scheduler Scheduler, errorProbe func() error, logger *zap.SugaredLogger) *SelectClient {
	return NewSelectClientWithMetrics(device, reactor, scheduler, errorProbe, logger, nil)
}

// NewSelectClientWithMetrics is NewSelectClient plus an opt-in metrics sink;
// Transceiver uses this form so its WithMetrics option reaches the client
// that actually performs registration/dedup/timeout bookkeeping.
func NewSelectClientWithMetrics(device IoDevice, reactor Reactor, scheduler Scheduler, errorProbe func() error, logger *zap.SugaredLogger, metrics *Metrics) *SelectClient {
	if errorProbe == nil {
		errorProbe = noProbe
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SelectClient{
		device:     device,
		reactor:    reactor,
		scheduler:  scheduler,
		errorProbe: errorProbe,
		logger:     logger,
		metrics:    metrics,
	}
}

// Registered reports whether expected != 0 (spec invariant 3).
func (c *SelectClient) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expected != 0
}

// IoWait blocks the calling task until wanted becomes ready, a timeout
// fires, or the reactor reports an error/hangup for the fd (spec §4.1).
//
// Precondition: wanted is non-empty and no other task is already parked on
// this client.
func (c *SelectClient) IoWait(ctx context.Context, wanted EventMask) (EventMask, error) {
	if wanted == 0 {
		return 0, fmt.Errorf("fiberio: io_wait called with empty EventMask")
	}

	c.mu.Lock()
	if c.parkedTask != nil {
		fd := c.device.Fd()
		c.mu.Unlock()
		return 0, fmt.Errorf("fiberio: io_wait called with a task already parked on fd %d", fd)
	}

	dedup := c.expected == wanted
	var regErr error
	switch {
	case dedup:
		// Reuse the existing registration: no syscall.
	case c.expected == 0:
		regErr = c.reactor.Register(c, wanted)
	default:
		regErr = c.reactor.Modify(c, wanted)
	}
	if regErr != nil {
		c.mu.Unlock()
		return 0, regErr
	}
	if c.metrics != nil {
		if dedup {
			c.metrics.dedupHits.Inc()
		} else {
			c.metrics.registrations.Inc()
		}
	}
	c.expected = wanted
	c.parkedTask = c.scheduler.Current(ctx)
	c.mu.Unlock()

	// Register/Modify above and the parkedTask assignment happen under the
	// same lock Handle/Finalize take before touching either field, so a
	// readiness event racing this registration can never find parkedTask
	// unset: Handle always blocks on mu until this critical section
	// finishes first.
	if err := c.scheduler.Suspend(ctx); err != nil {
		// Caller-side cancellation: the task never got a Handle/Finalize
		// callback, so parkedTask is still set; clear it so a future
		// io_wait on this client doesn't trip the "already parked"
		// precondition, and leave expected alone — the registration is
		// still live at the reactor and will be reused or explicitly
		// unregistered by reset().
		c.mu.Lock()
		c.parkedTask = nil
		c.mu.Unlock()
		return 0, err
	}

	c.mu.Lock()
	events := c.lastEvents
	c.lastEvents = 0
	if events.has(Error) {
		// Reactor semantics: Error delivery implicitly deregisters.
		c.expected = 0
	}
	timedOut := c.timeoutFired
	c.timeoutFired = false
	c.mu.Unlock()

	if timedOut {
		if c.metrics != nil {
			c.metrics.timeouts.Inc()
		}
		return 0, ErrTimeout
	}
	return events, nil
}

// Handle is the reactor callback invoked when events fire on this fd (spec
// §4.1 "handle"). It returns whether the reactor should keep the
// registration as-is (true) or treat it as torn down (false, expected is
// already reset to 0 in that case).
func (c *SelectClient) Handle(events EventMask) bool {
	c.mu.Lock()
	task := c.parkedTask
	if task == nil {
		// Spurious wake: the event arrived after the owning task already
		// left this client (suspended or terminated elsewhere without
		// going through unregister). Request deregistration.
		c.logger.Warnw("spurious wake on select client", "fd", c.device.Fd(), "events", events.String())
		c.expected = 0
		c.mu.Unlock()
		return false
	}
	c.parkedTask = nil
	c.lastEvents = events
	c.mu.Unlock()

	// Resume only returns once the task has re-parked (called io_wait
	// again), suspended elsewhere, or terminated — never hold mu across
	// this call, or a task that re-parks via a fresh IoWait would deadlock
	// trying to re-acquire the same lock Handle is still holding.
	task.Resume()

	// Whether to keep the fd registered is governed by expected, not by
	// whether the task happened to re-park on this same client before
	// Resume returned: a task that drained the event and went on to do
	// something else (read more without an immediate next io_wait, park on
	// a different fd, even exit without unregistering) still owns a live
	// registration until it explicitly Unregisters or an Error event
	// clears expected below. Deregistering here on anything short of that
	// breaks invariant 3 ("expected == 0 iff not registered") for the
	// ordinary read-until-EOF-then-exit pattern; a task that really did
	// abandon the fd without unregistering is caught by the spurious-wake
	// branch above the next time the still-live epoll registration fires.
	c.mu.Lock()
	stillRegistered := c.expected != 0
	c.mu.Unlock()
	return stillRegistered
}

// Finalize is the reactor's terminal callback: the registration is ending
// for any reason (explicit unregister, timeout, or error) (spec §4.1
// "finalize").
type FinalizeStatus int

const (
	FinalizeSuccess FinalizeStatus = iota
	FinalizeTimeout
	FinalizeError
)

func (c *SelectClient) Finalize(status FinalizeStatus, events EventMask) {
	c.mu.Lock()
	task := c.parkedTask
	if task == nil {
		c.mu.Unlock()
		return
	}
	c.parkedTask = nil
	c.expected = 0
	resume := status != FinalizeSuccess
	switch status {
	case FinalizeTimeout:
		c.timeoutFired = true
	case FinalizeError:
		c.lastEvents = events
	case FinalizeSuccess:
		// Nothing to do; whoever drove this to completion (e.g.
		// Unregister) already knows.
	}
	c.mu.Unlock()

	if resume {
		task.Resume()
	}
}

// Unregister unconditionally clears expected and asks the reactor to drop
// this client's registration (spec §4.1 "unregister"). It is safe to call
// when not registered.
func (c *SelectClient) Unregister() error {
	c.mu.Lock()
	c.expected = 0
	c.mu.Unlock()
	err := c.reactor.Unregister(c)
	if err == ErrNotFound {
		return nil
	}
	return err
}

// Fd returns the underlying descriptor, used by reactors as the epoll
// registration key.
func (c *SelectClient) Fd() int { return c.device.Fd() }

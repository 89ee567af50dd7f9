// Package epollreactor is the reference Reactor (spec §6) driving
// fiberio.SelectClient from real Linux epoll(7). Grounded on xtaci/gaio's
// event loop (watcher.loop's channel-pump structure, dup'd-fd-per-connection
// ownership) and trpc-group/tnet's poller_epoll.go (raw EPOLL_CTL_* via
// golang.org/x/sys/unix, the EPOLLRDHUP|EPOLLHUP|EPOLLERR grouping, and an
// eventfd-based wakeup to interrupt a blocked epoll_wait from another
// goroutine).
package epollreactor

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/coriolis-io/fiberio"
)

const maxEvents = 128

// Reactor is a single-goroutine epoll dispatcher. One goroutine (started by
// New) owns epoll_wait and all Handle/Finalize dispatch, matching the core's
// single-threaded cooperative model (spec §5); Register/Modify/Unregister
// may be called from any goroutine — epoll_ctl is kernel-synchronized, and
// the reactor's own bookkeeping (the clients map, the timeout heap) is
// guarded by mu since task goroutines call Register/Unregister concurrently
// with the loop goroutine reading the heap.
type Reactor struct {
	epfd   int
	wakeFD int
	logger *zap.SugaredLogger

	mu       sync.Mutex
	clients  map[int]*fiberio.SelectClient
	timeouts timedHeap
	byFd     map[int]*timedEntry

	closing atomic.Bool
	die     chan struct{}
	wg      sync.WaitGroup
}

// New creates the epoll instance and the eventfd used to interrupt a
// blocked epoll_wait when a new, sooner deadline is registered while the
// loop is already waiting on a later one.
func New(logger *zap.SugaredLogger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Reactor{
		epfd:    epfd,
		wakeFD:  wakeFD,
		logger:  logger,
		clients: make(map[int]*fiberio.SelectClient),
		byFd:    make(map[int]*timedEntry),
		die:     make(chan struct{}),
	}
	wakeEv := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &wakeEv); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFD)
		return nil, err
	}
	r.wg.Add(1)
	go r.loop()
	return r, nil
}

// Close stops the reactor goroutine and releases the epoll/eventfd
// descriptors. It does not unregister or close any client fds — those
// remain the caller's responsibility (spec §3 "Ownership").
func (r *Reactor) Close() error {
	if !r.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(r.die)
	r.wake()
	r.wg.Wait()
	unix.Close(r.wakeFD)
	return unix.Close(r.epfd)
}

func (r *Reactor) wake() {
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(r.wakeFD, one[:])
}

func epollBits(want fiberio.EventMask) uint32 {
	var bits uint32
	if want&fiberio.ReadReady != 0 {
		bits |= unix.EPOLLIN
	}
	if want&fiberio.WriteReady != 0 {
		bits |= unix.EPOLLOUT
	}
	// The reactor always implicitly watches for hangup/error regardless of
	// what the client asked for (spec §3 "EventMask").
	bits |= unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	return bits
}

func fromEpollBits(bits uint32) fiberio.EventMask {
	var m fiberio.EventMask
	if bits&unix.EPOLLIN != 0 {
		m |= fiberio.ReadReady
	}
	if bits&unix.EPOLLOUT != 0 {
		m |= fiberio.WriteReady
	}
	if bits&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		m |= fiberio.PeerHangup
	}
	if bits&unix.EPOLLERR != 0 {
		m |= fiberio.Error
	}
	return m
}

// Register implements fiberio.Reactor.
func (r *Reactor) Register(c *fiberio.SelectClient, want fiberio.EventMask) error {
	fd := c.Fd()
	r.mu.Lock()
	r.clients[fd] = c
	r.mu.Unlock()
	ev := unix.EpollEvent{Events: epollBits(want), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		r.mu.Lock()
		delete(r.clients, fd)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Modify implements fiberio.Reactor.
func (r *Reactor) Modify(c *fiberio.SelectClient, want fiberio.EventMask) error {
	fd := c.Fd()
	ev := unix.EpollEvent{Events: epollBits(want), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Unregister implements fiberio.Reactor.
func (r *Reactor) Unregister(c *fiberio.SelectClient) error {
	fd := c.Fd()
	r.mu.Lock()
	_, ok := r.clients[fd]
	delete(r.clients, fd)
	if e, hasDeadline := r.byFd[fd]; hasDeadline {
		heap.Remove(&r.timeouts, e.idx)
		delete(r.byFd, fd)
	}
	r.mu.Unlock()
	if !ok {
		return fiberio.ErrNotFound
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return err
	}
	c.Finalize(fiberio.FinalizeSuccess, 0)
	return nil
}

// SetDeadline attaches a per-fd timeout to an already-registered client.
// This is an epollreactor-specific extension: the core Reactor contract
// (spec §6) has no deadline parameter on Register/Modify, consistent with
// spec §5 treating timeout attachment as reactor-internal policy rather
// than something SelectClient configures. Passing a zero time.Time clears
// any existing deadline for fd.
func (r *Reactor) SetDeadline(c *fiberio.SelectClient, at time.Time) {
	fd := c.Fd()
	r.mu.Lock()
	if e, ok := r.byFd[fd]; ok {
		heap.Remove(&r.timeouts, e.idx)
		delete(r.byFd, fd)
	}
	if !at.IsZero() {
		e := &timedEntry{deadline: at, fd: fd}
		heap.Push(&r.timeouts, e)
		r.byFd[fd] = e
	}
	shouldWake := r.timeouts.Len() > 0 && r.timeouts[0].fd == fd
	r.mu.Unlock()
	if shouldWake {
		r.wake()
	}
}

// loop is the single reactor goroutine: epoll_wait, dispatch, repeat.
func (r *Reactor) loop() {
	defer r.wg.Done()
	events := make([]unix.EpollEvent, maxEvents)
	for {
		select {
		case <-r.die:
			return
		default:
		}

		timeoutMs := r.nextTimeoutMs()
		n, err := unix.EpollWait(r.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.logger.Errorw("epoll_wait failed", "error", err)
			return
		}

		select {
		case <-r.die:
			return
		default:
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == r.wakeFD {
				var buf [8]byte
				_, _ = unix.Read(r.wakeFD, buf[:])
				continue
			}
			r.mu.Lock()
			c := r.clients[fd]
			r.mu.Unlock()
			if c == nil {
				continue // raced with Unregister; epoll already dropped it
			}
			mask := fromEpollBits(ev.Events)
			if !c.Handle(mask) {
				r.mu.Lock()
				delete(r.clients, fd)
				if e, ok := r.byFd[fd]; ok {
					heap.Remove(&r.timeouts, e.idx)
					delete(r.byFd, fd)
				}
				r.mu.Unlock()
				_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			}
		}

		r.fireExpiredTimeouts()
	}
}

// nextTimeoutMs returns the epoll_wait timeout in milliseconds: -1 (block
// indefinitely) if no deadline is pending, else the time remaining until
// the soonest one (0 if already elapsed, to return immediately).
func (r *Reactor) nextTimeoutMs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timeouts.Len() == 0 {
		return -1
	}
	remaining := time.Until(r.timeouts[0].deadline)
	if remaining <= 0 {
		return 0
	}
	ms := remaining.Milliseconds()
	if ms > 1<<30 {
		ms = 1 << 30
	}
	return int(ms)
}

func (r *Reactor) fireExpiredTimeouts() {
	now := time.Now()
	for {
		r.mu.Lock()
		if r.timeouts.Len() == 0 || r.timeouts[0].deadline.After(now) {
			r.mu.Unlock()
			break
		}
		e := heap.Pop(&r.timeouts).(*timedEntry)
		delete(r.byFd, e.fd)
		c := r.clients[e.fd]
		delete(r.clients, e.fd)
		r.mu.Unlock()

		if c == nil {
			continue
		}
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, e.fd, nil)
		c.Finalize(fiberio.FinalizeTimeout, 0)
	}
}

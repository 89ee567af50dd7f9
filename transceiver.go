package fiberio

import (
	"context"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
)

// CorkState is the three-valued lazy TCP_CORK probe (spec §3).
type CorkState int

const (
	CorkUnknown CorkState = iota
	CorkDisabled
	CorkEnabled
)

func (s CorkState) String() string {
	switch s {
	case CorkDisabled:
		return "disabled"
	case CorkEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// readver is implemented by IoDevices that can service a scatter read in a
// single syscall (fdDevice, via readv(2)). Devices that don't implement it
// fall back to a single-buffer read, which is still correct — just not the
// one-syscall-does-double-duty optimization spec §4.3 describes.
type readver interface {
	Readv(a, b []byte) (int, error)
}

// Transceiver is the public read/write/flush API composing a SelectClient
// and a BufferedReader over one IoDevice (spec §4.3). It is bound to
// exactly one task at a time; concurrent use is undefined (spec §3).
type Transceiver struct {
	client    *SelectClient
	reader    *BufferedReader
	device    IoDevice
	corkState CorkState
	logger    *zap.SugaredLogger
	metrics   *Metrics
}

// NewTransceiver builds a Transceiver over device, using reactor/scheduler
// as its readiness and task-suspension collaborators.
func NewTransceiver(device IoDevice, reactor Reactor, scheduler Scheduler, opts ...Option) *Transceiver {
	o := defaultOptions()
	for _, apply := range opts {
		apply(o)
	}
	probe := o.errorProbe
	if probe == nil {
		if _, isPipe := device.(*PipeDevice); isPipe {
			probe = noProbe
		} else {
			probe = socketErrorProbe(device.Fd())
		}
	}
	return &Transceiver{
		client:  NewSelectClientWithMetrics(device, reactor, scheduler, probe, o.logger, o.metrics),
		reader:  NewBufferedReader(o.bufferSize),
		device:  device,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Device returns the underlying IoDevice (e.g. so a caller can close it once
// the Transceiver is done with it — closing remains the caller's
// responsibility, spec §3 "Ownership").
func (t *Transceiver) Device() IoDevice { return t.device }

// CorkState reports the current TCP_CORK probe state.
func (t *Transceiver) CorkState() CorkState { return t.corkState }

// transfer wraps one read(2)/write(2)/readv(2) call with errno
// classification and the io_wait retry loop (spec §4.3 "the transfer inner
// loop"). do performs exactly one underlying syscall attempt.
func (t *Transceiver) transfer(ctx context.Context, op string, waitMask EventMask, do func() (int, error)) (int, error) {
	for {
		n, err := do()
		if err == nil {
			if n > 0 {
				return n, nil
			}
			// n == 0: reads signal EOF this way; writes must never do this.
			if waitMask == ReadReady {
				return 0, newIoWarning(op, EndOfFlow)
			}
			return 0, newIoErrorMsg(op, "write returned 0 bytes with no error")
		}

		errno, ok := errnoOf(err)
		if !ok {
			return 0, err
		}

		wait, retryNow := recoverableErrno(errno)
		if retryNow {
			continue
		}
		if !wait {
			if probed := t.probedErrno(); probed != 0 {
				errno = probed
			}
			t.logger.Warnw("transfer failed", "fd", t.device.Fd(), "op", op, "errno", errno)
			return 0, newIoError(op, errno)
		}

		events, werr := t.client.IoWait(ctx, waitMask)
		if werr != nil {
			return 0, werr
		}
		if t.metrics != nil {
			t.metrics.wakeups.Inc()
		}
		if events.has(Error) {
			if probed := t.probedErrno(); probed != 0 {
				t.logger.Warnw("io_wait reported device error", "fd", t.device.Fd(), "op", op, "errno", probed)
				return 0, newIoError(op, probed)
			}
			t.logger.Warnw("io_wait reported device error", "fd", t.device.Fd(), "op", op)
			return 0, newIoErrorMsg(op, "epoll reported I/O device error")
		}
		if events.has(PeerHangup) {
			// Open question resolution (spec §9): a simultaneous
			// ReadReady+PeerHangup drains first instead of discarding
			// buffered input. Only a hangup with nothing left to read
			// raises PeerHangup.
			if waitMask == ReadReady && events.has(ReadReady) {
				continue
			}
			t.logger.Debugw("peer hung up", "fd", t.device.Fd(), "op", op)
			return 0, newIoWarning(op, PeerHangupWarning)
		}
		// ReadReady / WriteReady: retry the operation.
	}
}

// probedErrno consults error_probe (spec §3/§7 "Enrichment") and returns the
// more specific errno it reports, or 0 if the probe has nothing to add.
func (t *Transceiver) probedErrno() syscall.Errno {
	if perr := t.client.errorProbe(); perr != nil {
		if en, ok := errnoOf(perr); ok {
			return en
		}
	}
	return 0
}

// read2 is the BufferedReader.ReadRaw delegate: a scatter read when the
// device supports it, otherwise a single-buffer read into a alone.
func (t *Transceiver) read2(ctx context.Context) Read2 {
	return func(a, b []byte) (int, error) {
		if rv, ok := t.device.(readver); ok {
			return t.transfer(ctx, "readv", ReadReady, func() (int, error) { return rv.Readv(a, b) })
		}
		return t.transfer(ctx, "read", ReadReady, func() (int, error) { return t.device.Read(a) })
	}
}

// read1 is the BufferedReader.ReadConsume prefetch delegate.
func (t *Transceiver) read1(ctx context.Context) Read1 {
	return func(dst []byte) (int, error) {
		return t.transfer(ctx, "read", ReadReady, func() (int, error) { return t.device.Read(dst) })
	}
}

// Read fills dst entirely or fails (spec §4.3).
func (t *Transceiver) Read(ctx context.Context, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	err := t.reader.ReadRaw(dst, t.read2(ctx))
	if err == nil && t.metrics != nil {
		t.metrics.bytesRead.Add(float64(len(dst)))
	}
	return err
}

// ReadConsume dispatches to BufferedReader.ReadConsume (spec §4.3).
func (t *Transceiver) ReadConsume(ctx context.Context, consume func(slice []byte) int) error {
	return t.reader.ReadConsume(consume, t.read1(ctx))
}

// ReadValue fills a T's byte representation (unspecified alignment,
// byte-copy semantics per spec §4.3). Implemented as a free function, not a
// method, because Go methods cannot introduce their own type parameters.
func ReadValue[T any](ctx context.Context, t *Transceiver) (T, error) {
	var v T
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v))
	if err := t.Read(ctx, buf); err != nil {
		return v, err
	}
	return v, nil
}

// maybeEnableCork probes TCP_CORK support on first write (spec §4.3 "TCP_CORK
// lifecycle"). Probe failures (ENOTSOCK, EBADF, ...) are swallowed: cork
// support is opportunistic, not required.
func (t *Transceiver) maybeEnableCork() {
	if t.corkState != CorkUnknown {
		return
	}
	if err := setCork(t.device.Fd(), true); err != nil {
		t.corkState = CorkDisabled
		return
	}
	t.corkState = CorkEnabled
}

// Write writes every byte of src, batching via TCP_CORK when available
// (spec §4.3). Partial progress is never reported: if a later chunk fails,
// the caller only learns that the whole Write failed (spec §7).
func (t *Transceiver) Write(ctx context.Context, src []byte) error {
	if len(src) == 0 {
		return ErrEmptyBuffer
	}
	t.maybeEnableCork()

	written := 0
	for written < len(src) {
		n, err := t.transfer(ctx, "write", WriteReady, func() (int, error) {
			return t.device.Write(src[written:])
		})
		if err != nil {
			return err
		}
		written += n
	}
	if t.metrics != nil {
		t.metrics.bytesWritten.Add(float64(len(src)))
	}
	return nil
}

// WriteValue writes the byte representation of v (spec §4.3).
func WriteValue[T any](ctx context.Context, t *Transceiver, v T) error {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v))
	return t.Write(ctx, buf)
}

// Flush forces pending corked bytes onto the wire by disabling then
// re-enabling TCP_CORK — the only portable way to do so on Linux without
// losing corking for subsequent writes (spec §4.3). No-op if cork was never
// enabled.
func (t *Transceiver) Flush(ctx context.Context) error {
	if t.corkState != CorkEnabled {
		return nil
	}
	if err := setCork(t.device.Fd(), false); err != nil {
		return err
	}
	return setCork(t.device.Fd(), true)
}

// Reset clears the prefetch buffer, unregisters from the reactor, disables
// cork (ignoring errors), and returns cork state to Unknown. It never
// fails (spec §4.3, §7 "reset() exception") so the Transceiver is always
// left usable or safely discardable, even on an already-broken fd.
func (t *Transceiver) Reset() {
	t.logger.Debugw("transceiver reset", "fd", t.device.Fd(), "cork", t.corkState.String())
	t.reader.Reset()
	_ = t.client.Unregister()
	if t.corkState == CorkEnabled {
		_ = setCork(t.device.Fd(), false)
	}
	t.corkState = CorkUnknown
}

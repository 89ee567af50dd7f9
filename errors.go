package fiberio

import (
	stderrors "errors"
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

// ErrClosed is an exported sentinel that no operation in this package
// returns: after Reset a Transceiver simply registers again on its next
// wait.
var ErrClosed = errors.New("fiberio: operation on closed transceiver")

// ErrEmptyBuffer mirrors the teacher's ErrEmptyBuffer: a caller asked for a
// zero-length write, which is always a caller bug.
var ErrEmptyBuffer = errors.New("fiberio: empty buffer")

// WarningKind enumerates the IoWarning cases from spec §6/§7. A warning is
// not a transport-level errno failure; it's an expected protocol outcome
// (end of flow, peer hangup) that callers commonly branch on.
type WarningKind int

const (
	// EndOfFlow is raised when read(2) returns 0: the peer has performed an
	// orderly shutdown of its write side.
	EndOfFlow WarningKind = iota
	// PeerHangupWarning is raised when the reactor delivers EPOLLRDHUP/EPOLLHUP
	// with no data left to drain.
	PeerHangupWarning
)

func (k WarningKind) String() string {
	switch k {
	case EndOfFlow:
		return "end of flow whilst reading"
	case PeerHangupWarning:
		return "connection hung up"
	default:
		return "unknown warning"
	}
}

// IoWarning is a recoverable, expected I/O outcome: not corruption, not a
// bug, just "the flow of bytes has ended." Callers distinguish it from
// IoError via errors.As.
type IoWarning struct {
	Kind WarningKind
	Op   string
}

func (w *IoWarning) Error() string {
	if w.Op != "" {
		return fmt.Sprintf("fiberio: %s: %s", w.Op, w.Kind)
	}
	return fmt.Sprintf("fiberio: %s", w.Kind)
}

func newIoWarning(op string, kind WarningKind) error {
	return &IoWarning{Kind: kind, Op: op}
}

// IoError wraps an errno (or, when no errno applies, a message in Msg) observed
// while servicing a read/write/connect. Errno is always the most specific
// code available: transfer() prefers the SO_ERROR probe's result over the
// syscall's own errno when the probe returns something non-zero (spec §7
// "Enrichment").
type IoError struct {
	Op    string
	Errno syscall.Errno
	// Msg carries a non-errno diagnostic, used for the synthetic
	// "epoll reported I/O device error" case where no errno applies.
	Msg   string
	stack error // github.com/pkg/errors.WithStack wrapper, for %+v formatting
}

func (e *IoError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("fiberio: %s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("fiberio: %s: %s", e.Op, e.Errno.Error())
}

func (e *IoError) Unwrap() error {
	if e.Errno != 0 {
		return e.Errno
	}
	return nil
}

// Format forwards to the wrapped stack trace so %+v on an IoError prints a
// capture-site stack, matching github.com/pkg/errors formatting conventions.
func (e *IoError) Format(s fmt.State, verb rune) {
	if e.stack != nil {
		if f, ok := e.stack.(fmt.Formatter); ok {
			f.Format(s, verb)
			return
		}
	}
	fmt.Fprint(s, e.Error())
}

func newIoError(op string, errno syscall.Errno) error {
	e := &IoError{Op: op, Errno: errno}
	e.stack = errors.WithStack(e.Errno)
	return e
}

func newIoErrorMsg(op, msg string) error {
	e := &IoError{Op: op, Msg: msg}
	e.stack = errors.WithStack(errors.New(msg))
	return e
}

// ErrTimeout is returned by io_wait when the reactor's per-registration
// timer elapses before any readiness event arrives.
var ErrTimeout = errors.New("fiberio: timeout")

// recoverableErrno reports whether errno is one transfer() retries locally
// rather than surfacing, per spec §4.3/§7.
func recoverableErrno(errno syscall.Errno) (wait, retryImmediately bool) {
	// EAGAIN and EWOULDBLOCK alias to the same value on Linux; a switch
	// with both as case expressions would be a compile-time duplicate-case
	// error, so this is deliberately an if-chain.
	if errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK {
		return true, false
	}
	if errno == syscall.EINTR {
		return false, true
	}
	return false, false
}

// errnoOf extracts a syscall.Errno from an error returned by IoDevice.
// golang.org/x/sys/unix's Errno is a type alias for syscall.Errno, so the
// plain stdlib errors.As already reaches it without a unix import here.
func errnoOf(err error) (syscall.Errno, bool) {
	var se syscall.Errno
	if stderrors.As(err, &se) {
		return se, true
	}
	return 0, false
}

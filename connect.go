package fiberio

import (
	"context"
	"syscall"
)

// ConnState models the connection state machine from spec §4.4's diagram:
// Uninitialized/Closed are the caller's concern (before a Transceiver
// exists at all). Connect does not return a ConnState: a nil error from it
// corresponds to StateConnected, a non-nil error to StateFailed.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateFailed
)

// Connect drives a nonblocking connect(2) through the same io_wait
// machinery a Transceiver uses for read/write (spec §4.4). callConnect
// should invoke connect(2) (e.g. via unix.Connect) and report true iff it
// returned 0 (connected immediately — common for loopback).
//
// Returns the errno the kernel reported even on the success paths
// (EINPROGRESS after waiting, EISCONN / 0 immediately), matching the
// source's "return errno for caller information" contract; callers that
// don't care can discard it.
func Connect(ctx context.Context, t *Transceiver, callConnect func() (ok bool, errno error)) (syscallErrno error, err error) {
	ok, cerr := callConnect()
	if ok {
		return nil, nil
	}

	errno, isErrno := errnoOf(cerr)
	if !isErrno {
		return nil, cerr
	}

	if errno == 0 {
		return nil, nil
	}
	if isInProgress(errno) {
		events, werr := t.client.IoWait(ctx, WriteReady)
		if werr != nil {
			return nil, werr
		}
		if events.has(Error) {
			if probed := t.probedErrno(); probed != 0 {
				return nil, newIoError("connect", probed)
			}
			return nil, newIoErrorMsg("connect", "error establishing connection")
		}
		if events.has(PeerHangup) {
			return nil, newIoWarning("connect", PeerHangupWarning)
		}
		return errno, nil
	}
	if isAlreadyConnected(errno) {
		return errno, nil
	}

	if probed := t.probedErrno(); probed != 0 {
		errno = probed
	}
	return nil, newIoError("connect", errno)
}

// isInProgress groups the errno values that mean "the kernel is still
// working on it, wait for writability" (spec §4.4). Whether EINTR can
// actually occur from connect(2) is POSIX-ambiguous (spec §9 "Open
// questions"); this implementation treats it identically to EINPROGRESS as
// the source does.
func isInProgress(errno syscall.Errno) bool {
	return errno == syscall.EINPROGRESS || errno == syscall.EALREADY || errno == syscall.EINTR
}

// isAlreadyConnected groups the errno values meaning the connection is
// already usable (spec §4.4).
func isAlreadyConnected(errno syscall.Errno) bool {
	return errno == syscall.EISCONN
}

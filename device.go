package fiberio

import (
	"golang.org/x/sys/unix"
)

// IoDevice is the external capability the core consumes (spec §3/§6): a
// handle bearing a raw fd and Read/Write operations with POSIX return-value
// semantics translated into idiomatic Go errors. The core never closes the
// device; callers own that (spec §3 "Ownership").
type IoDevice interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// fdDevice is the default IoDevice, grounded on mdlayher/socket's Conn
// (golang.org/x/sys/unix.Read/.Write rather than the older syscall package)
// and on xtaci/gaio's dup'd-fd ownership model: the caller is responsible
// for having set the fd non-blocking before handing it to a Transceiver.
type fdDevice struct {
	fd int
}

// NewFdDevice wraps an already-non-blocking fd. It does not dup or close fd;
// cmd/fiberio-echo's dupNonblock shows how to obtain such an fd from a
// net.Conn-style syscall.Conn.
func NewFdDevice(fd int) IoDevice { return &fdDevice{fd: fd} }

func (d *fdDevice) Fd() int { return d.fd }

func (d *fdDevice) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (d *fdDevice) Write(p []byte) (int, error) {
	n, err := unix.Write(d.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Readv services BufferedReader.ReadRaw's scatter read (spec §4.2):
// a and b are filled in order by a single readv(2), satisfying caller
// demand and topping up the prefetch buffer in one syscall.
func (d *fdDevice) Readv(a, b []byte) (int, error) {
	iov := make([][]byte, 0, 2)
	if len(a) > 0 {
		iov = append(iov, a)
	}
	if len(b) > 0 {
		iov = append(iov, b)
	}
	if len(iov) == 0 {
		return 0, nil
	}
	n, err := unix.Readv(d.fd, iov)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// PipeDevice is an IoDevice for plain pipe/fifo fds (spec §4.3's "some
// devices are not sockets" aside): it shares fdDevice's Read/Write/Readv
// but never exposes a SO_ERROR-capable error probe, since SO_ERROR is a
// socket-layer option. Also useful for testing the Transceiver without a
// real network stack, matching xtaci/gaio's own use of os.Pipe in tests.
type PipeDevice struct {
	fdDevice
}

// NewPipeDevice wraps an already-non-blocking pipe fd.
func NewPipeDevice(fd int) IoDevice { return &PipeDevice{fdDevice{fd: fd}} }

// SetNonblock marks fd O_NONBLOCK, a precondition for use with a
// Transceiver (spec §4.3's EAGAIN-driven transfer loop only makes sense on
// a non-blocking fd).
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// socketErrorProbe returns a closure reading SO_ERROR off fd, used as
// SelectClient.error_probe (spec §3) to enrich a syscall errno with the
// more specific async-connect/async-socket error the kernel recorded.
func socketErrorProbe(fd int) func() error {
	return func() error {
		errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return nil
		}
		if errno == 0 {
			return nil
		}
		return unix.Errno(errno)
	}
}

// noProbe is used for non-socket devices (plain pipes) where SO_ERROR does
// not apply.
func noProbe() error { return nil }

// setCork enables or disables TCP_CORK on fd (spec §4.3's cork lifecycle).
func setCork(fd int, enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_CORK, v)
}

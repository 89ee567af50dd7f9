// Command fiberio-echo is a worked example wiring fiberio's core package to
// the concrete internal/epollreactor and internal/gosched implementations:
// it accepts TCP connections and echoes back whatever each one sends, one
// task per connection, until the connection closes.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/coriolis-io/fiberio"
	"github.com/coriolis-io/fiberio/internal/epollreactor"
	"github.com/coriolis-io/fiberio/internal/gosched"
)

// DefaultEchoChunk matches BufferedReader's own default capacity so a
// single ReadConsume callback invocation's slice never exceeds it.
const DefaultEchoChunk = fiberio.DefaultBufferSize

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "listen address")
	verbose := flag.Bool("v", false, "enable development logging")
	flag.Parse()

	logger := zap.NewNop().Sugar()
	if *verbose {
		logger = fiberio.NewDevelopmentLogger()
	}

	reactor, err := epollreactor.New(logger)
	if err != nil {
		fatal(err)
	}
	defer reactor.Close()

	scheduler := gosched.New()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fatal(err)
	}

	metrics := fiberio.NewMetrics(prometheus.NewRegistry())

	// errgroup ties the accept loop's lifetime to SIGINT/SIGTERM: the
	// signal-watcher goroutine closes the listener to unblock Accept, the
	// accept loop treats that as a clean shutdown rather than an error.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	var conns sync.WaitGroup
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			fd, err := dupNonblock(conn)
			conn.Close() // the raw fd now owns the connection; the net.Conn wrapper doesn't
			if err != nil {
				logger.Warnw("dup failed", "error", err)
				continue
			}
			conns.Add(1)
			scheduler.Go(gctx, func(ctx context.Context) {
				defer conns.Done()
				serve(ctx, fd, reactor, scheduler, metrics)
			})
		}
	})

	if err := g.Wait(); err != nil {
		fatal(err)
	}
	conns.Wait()
}

func serve(ctx context.Context, fd int, reactor fiberio.Reactor, scheduler fiberio.Scheduler, metrics *fiberio.Metrics) {
	device := fiberio.NewFdDevice(fd)
	defer unix.Close(fd)

	t := fiberio.NewTransceiver(device, reactor, scheduler,
		fiberio.WithMetrics(metrics),
	)
	defer t.Reset()

	buf := make([]byte, DefaultEchoChunk)
	for {
		var n int
		err := t.ReadConsume(ctx, func(slice []byte) int {
			n = copy(buf, slice)
			return n
		})
		if err != nil {
			return
		}
		if err := t.Write(ctx, buf[:n]); err != nil {
			return
		}
		if err := t.Flush(ctx); err != nil {
			return
		}
	}
}

// dupNonblock extracts the raw fd behind a net.Conn and marks it
// non-blocking, the same ownership boundary gaio's own examples use:
// the caller hands fiberio a bare fd it controls directly, not the
// *net.TCPConn abstraction.
func dupNonblock(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, errors.New("fiberio-echo: connection does not expose a raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	var dupErr error
	ctrlErr := raw.Control(func(sysfd uintptr) {
		fd, dupErr = unix.Dup(int(sysfd))
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if dupErr != nil {
		return -1, dupErr
	}
	if err := fiberio.SetNonblock(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func fatal(err error) {
	println(err.Error())
	os.Exit(1)
}

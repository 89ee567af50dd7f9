package fiberio

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the opt-in counter vocabulary for a Transceiver/SelectClient,
// modeled on the counter style in NVIDIA/aistore and pingcap/tiflow's p2p
// package (a small fixed set of Counters registered once, incremented on
// the hot path with no allocation). A nil *Metrics (the default) disables
// collection entirely — every call site in this package guards with a nil
// check on its metrics field.
type Metrics struct {
	registrations prometheus.Counter
	dedupHits     prometheus.Counter
	wakeups       prometheus.Counter
	timeouts      prometheus.Counter
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
}

// NewMetrics registers the fiberio counter vocabulary with reg and returns a
// Metrics ready to pass to WithMetrics. Passing the same reg twice panics,
// matching prometheus.MustRegister's own contract.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fiberio_registrations_total",
			Help: "Reactor register/modify calls issued by SelectClient.io_wait.",
		}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fiberio_registration_dedup_hits_total",
			Help: "io_wait calls that reused an existing registration instead of calling the reactor.",
		}),
		wakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fiberio_wakeups_total",
			Help: "Times a transfer loop resumed after io_wait.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fiberio_timeouts_total",
			Help: "io_wait calls that failed with Timeout.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fiberio_bytes_read_total",
			Help: "Bytes delivered to callers via Read; bytes consumed through ReadConsume are not counted.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fiberio_bytes_written_total",
			Help: "Bytes accepted by Write.",
		}),
	}
	reg.MustRegister(m.registrations, m.dedupHits, m.wakeups, m.timeouts, m.bytesRead, m.bytesWritten)
	return m
}

package fiberio

import "go.uber.org/zap"

// Options configures a Transceiver at construction time (functional-options
// pattern, the style used throughout the pack's networking code for
// optional ambient collaborators rather than a large constructor).
type Options struct {
	bufferSize int
	logger     *zap.SugaredLogger
	metrics    *Metrics
	errorProbe func() error
}

// Option mutates Options; see WithBufferSize, WithLogger, WithMetrics,
// WithErrorProbe.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		bufferSize: DefaultBufferSize,
		logger:     zap.NewNop().Sugar(),
	}
}

// WithBufferSize overrides BufferedReader's prefetch capacity (default
// DefaultBufferSize, spec §3).
func WithBufferSize(n int) Option {
	return func(o *Options) { o.bufferSize = n }
}

// WithLogger supplies a structured logger; a nil logger is never installed,
// callers who want silence should pass zap.NewNop().Sugar() explicitly (the
// default).
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables the opt-in prometheus counters (spec §6 "[FULL]
// Metrics vocabulary"). A nil *Metrics disables collection.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.metrics = m }
}

// WithErrorProbe overrides the default SO_ERROR probe — useful for
// non-socket devices or tests that want to assert on enrichment behavior.
func WithErrorProbe(probe func() error) Option {
	return func(o *Options) { o.errorProbe = probe }
}

package dispatch

import (
	"go.uber.org/zap"
)

// Option configures a Coordinator at construction.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	metrics      *Metrics
	mode         Mode
	targetName   string
	printHandler func(Print)
	pin          bool
}

func defaultOptions() *options {
	return &options{
		logger: zap.NewNop(),
		mode:   ModeGoroutine,
	}
}

// WithLogger sets the logger used by the coordinator and the print collector.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records Prometheus metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithProcessWorkers runs every worker as a child process executing the
// target registered under name with RegisterTarget. The binary must call
// ServeWorker early in main.
func WithProcessWorkers(name string) Option {
	return func(o *options) {
		o.mode = ModeProcess
		o.targetName = name
	}
}

// WithPrintHandler receives every Print message after it is logged.
func WithPrintHandler(fn func(Print)) Option {
	return func(o *options) {
		o.printHandler = fn
	}
}

// WithCPUAffinity pins goroutine workers to OS threads and, on Linux, to a core
// each.
func WithCPUAffinity() Option {
	return func(o *options) {
		o.pin = true
	}
}

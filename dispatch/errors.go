package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted      = errors.New("coordinator not started")
	ErrAlreadyStarted  = errors.New("coordinator already started")
	ErrStopped         = errors.New("coordinator stopped")
	ErrRouteInUse      = errors.New("route key already in use")
	ErrUnknownLane     = errors.New("unknown lane")
	ErrChannelClosed   = errors.New("channel is closed")
	ErrUnknownTarget   = errors.New("no target registered under that name")
	ErrShutdownTimeout = errors.New("error in shutting down: timeout reached")
	ErrNoGenerator     = errors.New("feeder needs a generator")
)

// ItemError is the marker recorded in place of a result when the target fails
// on one item. The worker that produced it keeps running.
type ItemError struct {
	Route  string
	Seq    int64
	Index  int // position of the item inside its batch
	Worker int
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("route %q batch %d item %d (worker %d): %v", e.Route, e.Seq, e.Index, e.Worker, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// GeneratorError reports a failure of the caller's generator. It ends the
// feeder that pulled from it; the route never receives its STOP batch.
type GeneratorError struct {
	Route string
	Items int64 // items pulled before the failure
	Err   error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generator for route %q failed after %d items: %v", e.Route, e.Items, e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }

// WorkerCrash reports a worker process that died. It is not respawned and the
// batch it was holding is lost.
type WorkerCrash struct {
	Worker int
	PID    int
	Err    error
}

func (e *WorkerCrash) Error() string {
	return fmt.Sprintf("worker %d (pid %d) crashed: %v", e.Worker, e.PID, e.Err)
}

func (e *WorkerCrash) Unwrap() error { return e.Err }

// TargetPanic is the error recorded when the target panics on an item. It
// counts as one failed attempt.
type TargetPanic struct {
	Value any
	Stack []byte
}

func (p *TargetPanic) Error() string {
	return fmt.Sprintf("target panicked: %v", p.Value)
}

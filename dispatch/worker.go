package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/utkarsh5026/fanout/internal/affinity"
	"github.com/utkarsh5026/fanout/internal/backoff"
)

// BackoffKind selects how the wait between retries grows.
type BackoffKind = backoff.Kind

const (
	BackoffExponential  = backoff.Exponential
	BackoffJittered     = backoff.Jittered
	BackoffDecorrelated = backoff.Decorrelated
)

// RetryPolicy retries a failing target call before recording an ItemError.
// The zero value disables retries. Process workers receive the whole policy.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts,omitempty"`
	InitialDelay time.Duration `json:"initial_delay,omitempty"`
	MaxDelay     time.Duration `json:"max_delay,omitempty"`
	Backoff      BackoffKind   `json:"backoff,omitempty"`
	// Jitter is the ±factor of BackoffJittered. With BackoffExponential a
	// positive Jitter switches to BackoffJittered.
	Jitter float64 `json:"jitter,omitempty"`
}

// strategy returns a fresh delay source for one item, or nil when retries
// happen back to back.
func (p RetryPolicy) strategy() backoff.Strategy {
	if p.InitialDelay <= 0 {
		return nil
	}
	kind := p.Backoff
	if kind == BackoffExponential && p.Jitter > 0 {
		kind = BackoffJittered
	}
	return backoff.New(kind, p.InitialDelay, p.MaxDelay, p.Jitter)
}

// executor calls the target with panic recovery and retries.
type executor[T, R any] struct {
	target      Target[T, R]
	maxAttempts int
	retry       RetryPolicy
	onRetry     func(item T, attempt int, err error)
}

func newExecutor[T, R any](target Target[T, R], retry RetryPolicy) *executor[T, R] {
	return &executor[T, R]{
		target:      target,
		maxAttempts: max(retry.MaxAttempts, 1),
		retry:       retry,
	}
}

// call runs the target for one item, retrying failed and panicking attempts
// alike. Every item gets its own backoff state.
func (e *executor[T, R]) call(ctx context.Context, item T) (R, error) {
	var (
		result R
		err    error
		delays backoff.Strategy
	)

	for attempt := range e.maxAttempts {
		if attempt == 1 {
			delays = e.retry.strategy()
		}
		if attempt > 0 && delays != nil {
			if d := delays.NextDelay(attempt - 1); d > 0 {
				t := time.NewTimer(d)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return result, ctx.Err()
				}
			}
		}

		result, err = e.attempt(ctx, item)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, err
		}

		if e.onRetry != nil && attempt < e.maxAttempts-1 {
			e.onRetry(item, attempt+1, err)
		}
	}

	return result, err
}

func (e *executor[T, R]) attempt(ctx context.Context, item T) (result R, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &TargetPanic{Value: v, Stack: debug.Stack()}
		}
	}()
	return e.target(ctx, item)
}

// workerSpec is everything a worker needs; it is shared by all workers of a lane.
type workerSpec[T, R any] struct {
	lane     string
	in       *Channel[Batch[T]]
	out      *Channel[OutputBatch[R]]
	prints   *Channel[Print]
	info     *Channel[Info] // nil disables progress reports
	exec     *executor[T, R]
	perBatch bool
	pin      bool
	log      *zap.Logger
	metrics  *Metrics
}

// runWorker is the goroutine worker loop: receive a batch, process it, repeat.
// A STOP batch ends that route's run; the worker itself stays up until ctx is
// cancelled or the input channel is closed.
func runWorker[T, R any](ctx context.Context, id int, s *workerSpec[T, R]) error {
	if s.pin {
		release, err := affinity.Pin(id)
		defer release()
		if err != nil {
			s.log.Warn("cpu pinning failed", zap.Int("worker", id), zap.Error(err))
		}
	}

	for {
		b, err := s.in.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrChannelClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		out, ok := s.process(ctx, id, b)
		if !ok {
			return nil
		}
		if err := s.out.Put(out); err != nil {
			return nil
		}
	}
}

// process applies the target to every work item of b up to the STOP sentinel.
// It returns ok == false when ctx is cancelled mid-batch; the partial output is
// then discarded.
func (s *workerSpec[T, R]) process(ctx context.Context, id int, b Batch[T]) (OutputBatch[R], bool) {
	start := now()
	ticket, items := b.Split()
	out := OutputBatch[R]{
		Ticket:  ticket,
		Worker:  id,
		Results: make([]Outcome[R], 0, len(items)),
	}

	done := 0
	for idx, it := range items {
		v, ok := it.Value()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			return out, false
		}

		r, err := s.exec.call(ctx, v)
		if err != nil {
			if ctx.Err() != nil {
				return out, false
			}
			ie := &ItemError{Route: ticket.Route, Seq: ticket.Seq, Index: idx, Worker: id, Err: err}
			out.Results = append(out.Results, Outcome[R]{Err: ie})
			emit(s.prints, Print{Route: ticket.Route, Worker: id, Level: LevelError, Text: ie.Error()})
			s.metrics.itemFailed(ticket.Route)
		} else {
			out.Results = append(out.Results, Outcome[R]{Value: r})
		}

		done++
		if !s.perBatch {
			s.report(ticket.Route, id, 1)
		}
	}

	if s.perBatch && done > 0 {
		s.report(ticket.Route, id, int64(done))
	}

	s.metrics.batchProcessed(ticket.Route, done, now().Sub(start))
	if ticket.Stop {
		emit(s.prints, Print{
			Route:  ticket.Route,
			Worker: id,
			Text:   fmt.Sprintf("worker %d: received STOP for route %s at batch %d", id, ticket.Route, ticket.Seq),
		})
	}
	return out, true
}

func (s *workerSpec[T, R]) report(route string, id int, delta int64) {
	if s.info == nil {
		return
	}
	_ = s.info.Put(Info{Route: route, Worker: id, Delta: delta})
}

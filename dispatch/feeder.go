package dispatch

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FeederConfig describes one generator to feed into the pool.
type FeederConfig[T any] struct {
	// Route keys the results in the Box. Defaults to "default".
	Route string
	// Generator supplies the items.
	Generator Generator[T]
	// ChunkSize overrides Config.ChunkSize when positive.
	ChunkSize int
	// Lane picks the input/output channel pair. Defaults to the first lane.
	Lane string
	// Total is the expected item count, for progress reporting. Optional.
	Total int64
}

// feeder turns a generator into tagged batches on an input channel. It owns
// its route's Ticketer.
type feeder[T any] struct {
	route    string
	chunk    int
	in       *Channel[Batch[T]]
	prints   *Channel[Print]
	limiter  *rate.Limiter
	log      *zap.Logger
	metrics  *Metrics
	ticketer *Ticketer
	pulled   int64

	// onExhausted is told the route's final item count before the last batch
	// is deposited.
	onExhausted func(route string, items int64)
}

func newFeeder[T any](route string, chunk int, in *Channel[Batch[T]], prints *Channel[Print]) *feeder[T] {
	return &feeder[T]{
		route:    route,
		chunk:    max(chunk, 1),
		in:       in,
		prints:   prints,
		log:      zap.NewNop(),
		ticketer: NewTicketer(route),
	}
}

// run feeds gen until it is exhausted, fails, or ctx is cancelled.
//
// The feeder looks one item ahead, so the batch during which the generator
// runs dry is the one that carries STOP: N items in chunks of C make
// ceil(N/C) batches, and an empty generator makes a single STOP-only batch.
func (f *feeder[T]) run(ctx context.Context, gen Generator[T]) (err error) {
	next, stop := iter.Pull2(iter.Seq2[T, error](gen))
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = &GeneratorError{Route: f.route, Items: f.pulled, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	pull := func() (T, bool, error) {
		v, perr, ok := next()
		if ok && perr == nil {
			f.pulled++
		}
		return v, ok, perr
	}

	peek, more, perr := pull()
	if perr != nil {
		return f.fail(perr)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		items := make([]Item[T], 0, f.chunk+1)
		for more && len(items) < f.chunk {
			items = append(items, Work(peek))
			if peek, more, perr = pull(); perr != nil {
				if len(items) == f.chunk {
					if err := f.deposit(ctx, Batch[T]{Ticket: f.ticketer.Issue(false), Items: items}); err != nil {
						return err
					}
				}
				return f.fail(perr)
			}
		}

		if !more {
			items = append(items, Stop[T]())
			return f.finish(ctx, Batch[T]{Ticket: f.ticketer.Issue(true), Items: items})
		}

		if err := f.deposit(ctx, Batch[T]{Ticket: f.ticketer.Issue(false), Items: items}); err != nil {
			return err
		}
	}
}

func (f *feeder[T]) finish(ctx context.Context, last Batch[T]) error {
	emit(f.prints, Print{
		Route:  f.route,
		Worker: -1,
		Text:   fmt.Sprintf("feeder %s: generator exhausted after %d items in %d batches", f.route, f.pulled, f.ticketer.Issued()),
	})
	if f.onExhausted != nil {
		f.onExhausted(f.route, f.pulled)
	}
	return f.deposit(ctx, last)
}

func (f *feeder[T]) fail(cause error) error {
	gerr := &GeneratorError{Route: f.route, Items: f.pulled, Err: cause}
	emit(f.prints, Print{Route: f.route, Worker: -1, Level: LevelError, Text: gerr.Error()})
	f.log.Error("feeder stopped", zap.String("route", f.route), zap.Error(cause))
	return gerr
}

// deposit hands one batch to the input channel under mailbox discipline.
func (f *feeder[T]) deposit(ctx context.Context, b Batch[T]) error {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}

	if err := f.in.Deposit(ctx, b); err != nil {
		return fmt.Errorf("feeder %s: deposit %s: %w", f.route, b.Ticket, err)
	}

	f.metrics.batchFed(f.route, b.WorkLen())
	f.log.Debug("batch deposited",
		zap.String("route", f.route),
		zap.Int64("seq", b.Ticket.Seq),
		zap.Int("items", b.WorkLen()),
		zap.Bool("stop", b.Ticket.Stop),
	)
	return nil
}

// emit sends a print message, stamping the time. A closed channel drops it.
func emit(ch *Channel[Print], p Print) {
	if ch == nil {
		return
	}
	if p.At.IsZero() {
		p.At = now()
	}
	_ = ch.Put(p)
}

package dispatch

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Collect is the single reader of an output channel. It appends every batch to
// box until ctx is cancelled, then moves whatever is already queued and
// returns. Batches of a reset or superseded feeder run are dropped.
func Collect[R any](ctx context.Context, ch *Channel[OutputBatch[R]], box *Box[R]) error {
	store := func(ob OutputBatch[R]) { box.put(ob) }
	for {
		ob, err := ch.Recv(ctx)
		if err != nil {
			drain(ch, store)
			if ctx.Err() != nil || errors.Is(err, ErrChannelClosed) {
				return nil
			}
			return err
		}
		box.put(ob)
	}
}

func drain[V any](ch *Channel[V], fn func(V)) {
	for v, ok := ch.TryRecv(); ok; v, ok = ch.TryRecv() {
		fn(v)
	}
}

// PrintLog keeps every Print message received during a run.
type PrintLog struct {
	mu       sync.RWMutex
	messages []Print
}

func (l *PrintLog) add(p Print) {
	l.mu.Lock()
	l.messages = append(l.messages, p)
	l.mu.Unlock()
}

// Messages returns a copy of the log.
func (l *PrintLog) Messages() []Print {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Print, len(l.messages))
	copy(out, l.messages)
	return out
}

// Reset drops all messages.
func (l *PrintLog) Reset() {
	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()
}

// printCollector drains the print channel into the log, the logger and an
// optional handler.
type printCollector struct {
	ch      *Channel[Print]
	log     *PrintLog
	logger  *zap.Logger
	handler func(Print)
}

func (c *printCollector) run(ctx context.Context) error {
	for {
		p, err := c.ch.Recv(ctx)
		if err != nil {
			drain(c.ch, c.handle)
			if ctx.Err() != nil || errors.Is(err, ErrChannelClosed) {
				return nil
			}
			return err
		}
		c.handle(p)
	}
}

func (c *printCollector) handle(p Print) {
	c.log.add(p)

	fields := []zap.Field{zap.String("route", p.Route)}
	if p.Worker >= 0 {
		fields = append(fields, zap.Int("worker", p.Worker))
	}
	switch p.Level {
	case LevelError:
		c.logger.Error(p.Text, fields...)
	case LevelWarn:
		c.logger.Warn(p.Text, fields...)
	default:
		c.logger.Info(p.Text, fields...)
	}

	if c.handler != nil {
		c.handler(p)
	}
}

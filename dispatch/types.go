package dispatch

import (
	"context"
	"time"
)

// Target is the caller's per-item transform. Workers call it once per work item.
// Process workers additionally need T and R to round-trip through JSON.
type Target[T any, R any] func(ctx context.Context, item T) (R, error)

type itemKind uint8

const (
	kindWork itemKind = iota
	kindStop
)

// Item is one slot of a Batch: either a unit of work or the STOP sentinel.
type Item[T any] struct {
	kind  itemKind
	value T
}

// Work wraps v as a work item.
func Work[T any](v T) Item[T] { return Item[T]{kind: kindWork, value: v} }

// Stop returns the STOP sentinel.
func Stop[T any]() Item[T] { return Item[T]{kind: kindStop} }

// IsStop reports whether the item is the STOP sentinel.
func (i Item[T]) IsStop() bool { return i.kind == kindStop }

// Value returns the wrapped work value; ok is false for STOP.
func (i Item[T]) Value() (v T, ok bool) {
	if i.kind == kindStop {
		return v, false
	}
	return i.value, true
}

// Batch is the unit moved through an input Channel: a header ticket followed by
// up to ChunkSize items. The final batch of a route carries a Stop ticket and
// ends with the STOP item.
type Batch[T any] struct {
	Ticket Ticket
	Items  []Item[T]
}

// Split separates the header from the items.
func (b Batch[T]) Split() (Ticket, []Item[T]) { return b.Ticket, b.Items }

// WorkLen counts the work items in the batch.
func (b Batch[T]) WorkLen() int {
	n := 0
	for _, it := range b.Items {
		if !it.IsStop() {
			n++
		}
	}
	return n
}

// Outcome is the result of one work item. A non-nil Err is the error marker
// and Value is then the zero R.
type Outcome[R any] struct {
	Value R
	Err   *ItemError
}

// Failed reports whether the outcome is an error marker.
func (o Outcome[R]) Failed() bool { return o.Err != nil }

// OutputBatch carries a worker's outcomes for one input batch, under the same ticket.
type OutputBatch[R any] struct {
	Ticket  Ticket
	Worker  int
	Results []Outcome[R]
}

// Level grades a Print message.
type Level uint8

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Print is a human-readable diagnostic emitted by feeders, workers and the
// progress tracker.
type Print struct {
	Route  string
	Worker int // -1 when not emitted by a worker
	Level  Level
	Text   string
	At     time.Time
}

// Info is a progress increment reported by a worker.
type Info struct {
	Route  string
	Worker int
	Delta  int64
}

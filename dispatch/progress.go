package dispatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

var now = time.Now

// Status is a snapshot of aggregated progress.
type Status struct {
	Completed int64
	// Total is 0 while no route total is known.
	Total    int64
	Fraction float64
	Elapsed  time.Duration
	// ETA is only meaningful when ETAKnown is set.
	ETA      time.Duration
	ETAKnown bool
}

// FractionKnown reports whether Total is known.
func (s Status) FractionKnown() bool { return s.Total > 0 }

func (s Status) String() string {
	eta := "unknown"
	if s.ETAKnown {
		eta = s.ETA.Round(time.Millisecond).String()
	}
	elapsed := s.Elapsed.Round(time.Millisecond)
	if !s.FractionKnown() {
		return fmt.Sprintf("progress: %d items, elapsed %s, eta %s", s.Completed, elapsed, eta)
	}
	return fmt.Sprintf("progress: %d/%d (%.1f%%), elapsed %s, eta %s",
		s.Completed, s.Total, s.Fraction*100, elapsed, eta)
}

// ProgressTracker aggregates Info increments into per-worker and per-route
// totals and derives completion and ETA from them.
type ProgressTracker struct {
	prints   *Channel[Print]
	interval time.Duration

	mu        sync.Mutex
	started   time.Time
	perWorker map[int]int64
	perRoute  map[string]int64
	totals    map[string]int64
}

// NewProgressTracker writes status lines to prints (nil to stay silent): on
// every update when interval is 0, otherwise once per interval.
func NewProgressTracker(prints *Channel[Print], interval time.Duration) *ProgressTracker {
	return &ProgressTracker{
		prints:    prints,
		interval:  interval,
		started:   now(),
		perWorker: make(map[int]int64),
		perRoute:  make(map[string]int64),
		totals:    make(map[string]int64),
	}
}

// Observe applies one Info message.
func (t *ProgressTracker) Observe(in Info) {
	t.mu.Lock()
	t.perWorker[in.Worker] += in.Delta
	t.perRoute[in.Route] += in.Delta
	t.mu.Unlock()
}

// SetRouteTotal records how many items route will produce in all.
func (t *ProgressTracker) SetRouteTotal(route string, total int64) {
	t.mu.Lock()
	t.totals[route] = total
	t.mu.Unlock()
}

// Worker returns the items worker id has reported.
func (t *ProgressTracker) Worker(id int) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perWorker[id]
}

// Workers returns a copy of the per-worker counters.
func (t *ProgressTracker) Workers() map[int]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.perWorker)
}

// Status aggregates over every route.
func (t *ProgressTracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	var done, total int64
	for _, n := range t.perRoute {
		done += n
	}
	for _, n := range t.totals {
		total += n
	}
	return t.status(done, total)
}

// RouteStatus is Status restricted to one route.
func (t *ProgressTracker) RouteStatus(route string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status(t.perRoute[route], t.totals[route])
}

// status runs under t.mu.
func (t *ProgressTracker) status(done, total int64) Status {
	s := Status{Completed: done, Total: total, Elapsed: now().Sub(t.started)}
	if total <= 0 {
		return s
	}

	s.Fraction = min(float64(done)/float64(total), 1)
	if s.Fraction > 0 {
		remaining := 1 - s.Fraction
		s.ETA = time.Duration(float64(s.Elapsed) * (remaining / s.Fraction))
		s.ETAKnown = true
	}
	return s
}

// Reset zeroes every counter and restarts the clock.
func (t *ProgressTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.perWorker)
	clear(t.perRoute)
	clear(t.totals)
	t.started = now()
}

// Run is the collector of the info channel. It returns once ctx is cancelled
// and the already queued increments are applied.
func (t *ProgressTracker) Run(ctx context.Context, in *Channel[Info]) error {
	if t.interval > 0 {
		go t.tick(ctx)
	}

	for {
		msg, err := in.Recv(ctx)
		if err != nil {
			drain(in, t.Observe)
			if ctx.Err() != nil || errors.Is(err, ErrChannelClosed) {
				return nil
			}
			return err
		}

		t.Observe(msg)
		if t.interval <= 0 {
			t.publish(msg.Route)
		}
	}
}

func (t *ProgressTracker) tick(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.publish("")
		}
	}
}

func (t *ProgressTracker) publish(route string) {
	emit(t.prints, Print{Route: route, Worker: -1, Text: t.Status().String()})
}

package dispatch

import (
	"slices"
	"sort"
	"sync"
)

// Box holds the output batches drained from one output channel, keyed by
// route. Entries are kept in arrival order; workers finish batches out of
// submission order, so callers that need generator order use Sorted.
//
// Only the lane's collector writes to a Box. Reads are safe at any time but
// only complete once Complete reports true for the route.
//
// A coordinator opens a route for each feeder run with that run's generation;
// batches stamped with another generation, or arriving for a route that was
// reset, are dropped. Batches with generation 0 open their route on arrival.
type Box[R any] struct {
	mu     sync.RWMutex
	routes map[string]*routeEntries[R]
}

type routeEntries[R any] struct {
	gen      uint64
	batches  []OutputBatch[R] // only batches that carry results
	received int64            // every batch, STOP-only ones included
	final    int64            // sequence of the STOP batch, -1 until seen
}

// NewBox creates an empty Box.
func NewBox[R any]() *Box[R] {
	return &Box[R]{routes: make(map[string]*routeEntries[R])}
}

// open starts an empty entry for one feeder run of route.
func (b *Box[R]) open(route string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[route] = &routeEntries[R]{gen: gen, final: -1}
}

// put stores ob and reports whether it was accepted.
func (b *Box[R]) put(ob OutputBatch[R]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := ob.Ticket
	re, ok := b.routes[t.Route]
	switch {
	case !ok && t.Gen != 0:
		return false
	case !ok:
		re = &routeEntries[R]{final: -1}
		b.routes[t.Route] = re
	case re.gen != t.Gen:
		return false
	}

	re.received++
	if len(ob.Results) > 0 {
		re.batches = append(re.batches, ob)
	}
	if t.Stop {
		re.final = t.Seq
	}
	return true
}

// Entries returns a copy of a route's output batches in arrival order. A
// STOP batch without results is counted by Complete but not listed.
func (b *Box[R]) Entries(route string) []OutputBatch[R] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	re, ok := b.routes[route]
	if !ok {
		return nil
	}
	return slices.Clone(re.batches)
}

// Sorted returns a route's outcomes ordered by batch sequence, which is the
// generator's order.
func (b *Box[R]) Sorted(route string) []Outcome[R] {
	entries := b.Entries(route)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Ticket.Seq < entries[j].Ticket.Seq
	})

	var out []Outcome[R]
	for _, e := range entries {
		out = append(out, e.Results...)
	}
	return out
}

// Values returns the sorted results with the zero R at error positions, plus
// the error markers in order.
func (b *Box[R]) Values(route string) ([]R, []*ItemError) {
	sorted := b.Sorted(route)
	values := make([]R, len(sorted))
	var errs []*ItemError
	for i, o := range sorted {
		if o.Failed() {
			errs = append(errs, o.Err)
			continue
		}
		values[i] = o.Value
	}
	return values, errs
}

// Complete reports whether the STOP batch and every batch before it have
// arrived for route.
func (b *Box[R]) Complete(route string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	re, ok := b.routes[route]
	if !ok || re.final < 0 {
		return false
	}
	return re.received == re.final+1
}

// Len is the number of outcomes collected for route so far.
func (b *Box[R]) Len(route string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	re, ok := b.routes[route]
	if !ok {
		return 0
	}
	n := 0
	for _, ob := range re.batches {
		n += len(ob.Results)
	}
	return n
}

// Has reports whether any outcome was collected for route. An exhausted
// generator leaves its route complete but empty.
func (b *Box[R]) Has(route string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	re, ok := b.routes[route]
	return ok && len(re.batches) > 0
}

// Routes lists the routes holding outcomes, sorted.
func (b *Box[R]) Routes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	routes := make([]string, 0, len(b.routes))
	for r, re := range b.routes {
		if len(re.batches) > 0 {
			routes = append(routes, r)
		}
	}
	sort.Strings(routes)
	return routes
}

// Reset empties the box.
func (b *Box[R]) Reset() { b.reset(nil) }

// reset empties the box and reopens the routes in live under their
// generation, so feeders that are still running keep delivering.
func (b *Box[R]) reset(live map[string]uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.routes)
	for route, gen := range live {
		b.routes[route] = &routeEntries[R]{gen: gen, final: -1}
	}
}

package dispatch

import (
	"fmt"
	"strconv"
	"strings"
)

const stopSuffix = "stop"

// Ticket is the header of a Batch: the route it belongs to, its position in
// that route and whether it is the route's last batch.
type Ticket struct {
	Route string
	Seq   int64
	Stop  bool
	// Gen identifies the feeder run that issued the ticket. It stays in the
	// parent process and is not part of the header.
	Gen uint64
}

// CreateTicket returns the header for batch seq of route.
func CreateTicket(seq int64, route string) Ticket {
	return Ticket{Route: route, Seq: seq}
}

// Header encodes the ticket as "<route>/<seq>" with a "/stop" suffix on the
// final batch. The route may itself contain slashes.
func (t Ticket) Header() string {
	h := t.Route + "/" + strconv.FormatInt(t.Seq, 10)
	if t.Stop {
		h += "/" + stopSuffix
	}
	return h
}

func (t Ticket) String() string { return t.Header() }

// ParseHeader decodes a value produced by Ticket.Header.
func ParseHeader(h string) (Ticket, error) {
	var t Ticket

	rest := h
	if r, ok := strings.CutSuffix(rest, "/"+stopSuffix); ok {
		rest = r
		t.Stop = true
	}

	i := strings.LastIndexByte(rest, '/')
	if i < 0 {
		return Ticket{}, fmt.Errorf("malformed header %q", h)
	}

	seq, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil || seq < 0 {
		return Ticket{}, fmt.Errorf("malformed header %q: bad sequence", h)
	}

	t.Route = rest[:i]
	t.Seq = seq
	return t, nil
}

// Ticketer hands out gapless, strictly increasing sequence numbers for one
// route. It belongs to a single feeder and is not safe for concurrent use.
type Ticketer struct {
	route string
	gen   uint64
	next  int64
}

// NewTicketer starts a route's sequence at 0.
func NewTicketer(route string) *Ticketer {
	return &Ticketer{route: route}
}

// Issue returns the next ticket. stop marks it as the route's final batch.
func (t *Ticketer) Issue(stop bool) Ticket {
	tk := CreateTicket(t.next, t.route)
	tk.Stop = stop
	tk.Gen = t.gen
	t.next++
	return tk
}

// Issued is the number of tickets handed out so far.
func (t *Ticketer) Issued() int64 { return t.next }

// Route is the route the ticketer numbers.
func (t *Ticketer) Route() string { return t.route }

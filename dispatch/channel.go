package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelCapacity = 16

// Channel is a named, unbounded, multi-producer multi-consumer FIFO.
//
// Values live in a ring buffer that doubles when full. Blocked receivers and
// depositors wait on a broadcast channel that is closed and replaced on every
// state change, so no waiter spins and no wakeup is lost.
type Channel[T any] struct {
	name string

	mu    sync.Mutex
	ring  []T
	head  int
	count int
	wake  chan struct{}

	closed atomic.Bool
	closeC chan struct{}
}

// NewChannel creates an empty channel.
func NewChannel[T any](name string) *Channel[T] {
	return &Channel[T]{
		name:   name,
		ring:   make([]T, defaultChannelCapacity),
		wake:   make(chan struct{}),
		closeC: make(chan struct{}),
	}
}

// Name returns the channel name.
func (c *Channel[T]) Name() string { return c.name }

// Put appends v. It never blocks; it fails only once the channel is closed.
func (c *Channel[T]) Put(v T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrChannelClosed
	}
	c.push(v)
	return nil
}

// Deposit waits until the channel is empty and then appends v, so a producer
// using it never has more than one value outstanding.
func (c *Channel[T]) Deposit(ctx context.Context, v T) error {
	for {
		c.mu.Lock()
		if c.closed.Load() {
			c.mu.Unlock()
			return ErrChannelClosed
		}
		if c.count == 0 {
			c.push(v)
			c.mu.Unlock()
			return nil
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-c.closeC:
			return ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Recv removes the oldest value, blocking until one is available. It returns
// ErrChannelClosed once the channel is closed and drained.
func (c *Channel[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		c.mu.Lock()
		if c.count > 0 {
			v := c.pop()
			c.mu.Unlock()
			return v, nil
		}
		if c.closed.Load() {
			c.mu.Unlock()
			return zero, ErrChannelClosed
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-c.closeC:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryRecv removes the oldest value without blocking.
func (c *Channel[T]) TryRecv() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == 0 {
		var zero T
		return zero, false
	}
	return c.pop(), true
}

// Len returns the number of queued values.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Close stops further Put/Deposit calls. Queued values can still be received.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.CompareAndSwap(false, true) {
		close(c.closeC)
	}
}

// IsClosed reports whether Close has been called.
func (c *Channel[T]) IsClosed() bool { return c.closed.Load() }

// push and pop run under c.mu.
func (c *Channel[T]) push(v T) {
	if c.count == len(c.ring) {
		c.grow()
	}
	c.ring[(c.head+c.count)%len(c.ring)] = v
	c.count++
	c.broadcast()
}

func (c *Channel[T]) pop() T {
	var zero T
	v := c.ring[c.head]
	c.ring[c.head] = zero
	c.head = (c.head + 1) % len(c.ring)
	c.count--
	c.broadcast()
	return v
}

func (c *Channel[T]) grow() {
	ring := make([]T, len(c.ring)*2)
	for i := range c.count {
		ring[i] = c.ring[(c.head+i)%len(c.ring)]
	}
	c.ring = ring
	c.head = 0
}

func (c *Channel[T]) broadcast() {
	close(c.wake)
	c.wake = make(chan struct{})
}

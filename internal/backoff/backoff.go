// Package backoff computes the waits between retries of a failed item.
//
// A worker builds one Strategy per item it retries and asks it for the next
// delay after every failed attempt. Strategies carry per-item state and are
// not shared between items or goroutines.
package backoff

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Kind selects a delay strategy.
type Kind int

const (
	// Exponential doubles the delay on every attempt: d, 2d, 4d, ...
	Exponential Kind = iota
	// Jittered is Exponential with a random ±factor applied to each delay.
	Jittered
	// Decorrelated picks each delay in [initial, 3*previous], capped at max,
	// so items of one batch that fail together drift apart.
	Decorrelated
)

var kindNames = map[Kind]string{
	Exponential:  "exponential",
	Jittered:     "jittered",
	Decorrelated: "decorrelated",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a config value to a Kind. The empty string is Exponential.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Exponential, nil
	}
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown backoff kind %q", s)
}

// maxShift keeps 1<<attempt inside int64.
const maxShift = 62

// Strategy yields the delay to wait before the next attempt of one item.
type Strategy interface {
	// NextDelay returns the wait before retry number attempt (0 = first retry).
	NextDelay(attempt int) time.Duration
}

// New builds a fresh Strategy. A non-positive maxDelay means "no cap".
func New(kind Kind, initial, maxDelay time.Duration, jitter float64) Strategy {
	if maxDelay <= 0 {
		maxDelay = time.Duration(1<<maxShift - 1)
	}

	switch kind {
	case Jittered:
		return jittered{initial: initial, max: maxDelay, factor: clamp(jitter, 0, 1)}
	case Decorrelated:
		return &decorrelated{initial: initial, max: maxDelay, prev: initial}
	default:
		return exponential{initial: initial, max: maxDelay}
	}
}

type exponential struct {
	initial, max time.Duration
}

func (e exponential) NextDelay(attempt int) time.Duration {
	return expDelay(attempt, e.initial, e.max)
}

type jittered struct {
	initial, max time.Duration
	factor       float64
}

func (j jittered) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}
	base := expDelay(attempt, j.initial, j.max)
	mult := 1.0 + (rand.Float64()*2-1)*j.factor // #nosec G404 -- jitter does not need crypto rand
	return clamp(time.Duration(float64(base)*mult), 0, j.max)
}

type decorrelated struct {
	initial, max time.Duration
	prev         time.Duration
}

func (d *decorrelated) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		d.prev = min(d.initial, d.max)
		return d.prev
	}

	upper := min(time.Duration(float64(d.prev)*3), d.max)
	span := upper - d.initial
	if span <= 0 {
		d.prev = min(d.initial, d.max)
		return d.prev
	}

	d.prev = d.initial + rand.N(span) // #nosec G404
	return d.prev
}

func expDelay(attempt int, initial, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		return 0
	}
	if attempt >= maxShift {
		return maxDelay
	}

	delay := time.Duration(int64(1)<<uint(attempt)) * initial
	if delay > maxDelay || delay < 0 {
		return maxDelay
	}
	return delay
}

func clamp[T ~int64 | ~float64](v, lo, hi T) T {
	return max(lo, min(v, hi))
}

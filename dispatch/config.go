package dispatch

import (
	"runtime"
	"time"
)

const (
	DefaultRoute     = "default"
	DefaultLane      = "default"
	DefaultChunkSize = 64
	// DefaultStopGrace bounds Stop when no timeout is given.
	DefaultStopGrace = 5 * time.Second
)

// Config is what Start needs. Only Generator-related fields are per feeder;
// the rest shape the long-lived pool.
type Config[T any] struct {
	// ChunkSize is the number of work items per batch.
	ChunkSize int
	// InfoEnable starts the ProgressTracker.
	InfoEnable bool

	// Generator, if set, is fed under Route right after the pool is up.
	Generator Generator[T]
	Route     string
	// Total is the expected item count of Generator, 0 if unknown.
	Total int64

	// Workers is the size of the default lane's pool. Ignored when Lanes is set.
	Workers int
	// Lanes overrides the single default channel pair. Each lane gets its own
	// input and output channels, pool, collector and Box.
	Lanes []LaneConfig

	ProgressInterval time.Duration
	ProgressPerBatch bool

	Retry RetryPolicy

	// FeedRate caps batches per second per feeder; 0 means unlimited.
	FeedRate  float64
	FeedBurst int

	StopGrace time.Duration
}

// LaneConfig names one input/output channel pair.
type LaneConfig struct {
	Name    string
	Workers int
}

func (c Config[T]) withDefaults() Config[T] {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Route == "" {
		c.Route = DefaultRoute
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if len(c.Lanes) == 0 {
		c.Lanes = []LaneConfig{{Name: DefaultLane, Workers: c.Workers}}
	}
	lanes := make([]LaneConfig, len(c.Lanes))
	for i, l := range c.Lanes {
		if l.Name == "" {
			l.Name = DefaultLane
		}
		if l.Workers <= 0 {
			l.Workers = c.Workers
		}
		lanes[i] = l
	}
	c.Lanes = lanes
	if c.FeedRate > 0 && c.FeedBurst <= 0 {
		c.FeedBurst = 1
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

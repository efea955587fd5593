package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Mode selects how workers run.
type Mode int

const (
	// ModeGoroutine runs each worker as a goroutine in this process.
	ModeGoroutine Mode = iota
	// ModeProcess runs each worker as a child process of this binary.
	ModeProcess
)

func (m Mode) String() string {
	if m == ModeProcess {
		return "process"
	}
	return "goroutine"
}

// WorkerHandle is the coordinator's reference to one worker. A worker ends
// only on Stop, on input channel close, or by crashing.
type WorkerHandle struct {
	ID      int
	Name    string
	Lane    string
	Mode    Mode
	Started time.Time

	pid  atomic.Int64
	done chan struct{}

	mu  sync.Mutex
	err error

	closeInput func()
	kill       func()
}

func newWorkerHandle(id int, lane string, mode Mode) *WorkerHandle {
	return &WorkerHandle{
		ID:      id,
		Name:    uuid.NewString(),
		Lane:    lane,
		Mode:    mode,
		Started: now(),
		done:    make(chan struct{}),
	}
}

// PID is the worker process id, or 0 for goroutine workers.
func (h *WorkerHandle) PID() int { return int(h.pid.Load()) }

// Done is closed when the worker has exited.
func (h *WorkerHandle) Done() <-chan struct{} { return h.done }

// Alive reports whether the worker is still running.
func (h *WorkerHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Err is the reason the worker exited, nil for a clean stop.
func (h *WorkerHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *WorkerHandle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// workerPool is the set of workers serving one lane.
type workerPool struct {
	handles []*WorkerHandle
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

type poolParams[T, R any] struct {
	firstID int
	n       int
	mode    Mode
	target  string // registered name, process mode only
	retry   RetryPolicy
	spec    *workerSpec[T, R]
}

// spawnPool starts n workers on spec's channels. Workers persist until stop.
func spawnPool[T, R any](ctx context.Context, p poolParams[T, R]) (*workerPool, error) {
	if p.n < 1 {
		p.n = 1
	}
	if p.mode == ModeProcess {
		if _, ok := lookupTarget(p.target); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, p.target)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	pool := &workerPool{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	var g errgroup.Group
	waitAll := func() {
		go func() {
			_ = g.Wait()
			close(pool.done)
		}()
	}

	for i := range p.n {
		id := p.firstID + i
		h := newWorkerHandle(id, p.spec.lane, p.mode)

		var run func() error
		switch p.mode {
		case ModeProcess:
			pw, err := startProcessWorker(id, p.target, p.retry, p.spec, h)
			if err != nil {
				waitAll()
				_ = pool.stop(time.Second)
				return nil, err
			}
			run = func() error {
				err := pw.run(ctx)
				<-pw.exited
				return err
			}
		default:
			run = func() error { return runWorker(ctx, id, p.spec) }
		}

		pool.handles = append(pool.handles, h)
		p.spec.metrics.workerUp()
		p.spec.log.Debug("worker started",
			zap.Int("worker", id),
			zap.String("name", h.Name),
			zap.String("lane", h.Lane),
			zap.Stringer("mode", h.Mode),
			zap.Int("pid", h.PID()),
		)

		g.Go(func() error {
			err := run()
			p.spec.metrics.workerDown()
			h.finish(err)
			return err
		})
	}

	waitAll()
	return pool, nil
}

// stop cancels every worker, closes worker process pipes and waits up to
// timeout (0 = forever). Processes still alive after that are killed.
func (p *workerPool) stop(timeout time.Duration) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}

	p.cancel()
	for _, h := range p.handles {
		if h.closeInput != nil {
			h.closeInput()
		}
	}

	err := waitUntil(p.done, timeout)
	for _, h := range p.handles {
		if h.kill != nil && h.PID() != 0 {
			select {
			case <-h.done:
			default:
				h.kill()
			}
		}
	}
	return err
}

// alive counts running workers.
func (p *workerPool) alive() int {
	n := 0
	for _, h := range p.handles {
		if h.Alive() {
			n++
		}
	}
	return n
}

// waitUntil blocks until d is closed or timeout passes (0 = no timeout).
func waitUntil(d <-chan struct{}, timeout time.Duration) error {
	if timeout <= 0 {
		<-d
		return nil
	}

	select {
	case <-d:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

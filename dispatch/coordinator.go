package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// State is the coordinator's lifecycle position.
type State int32

const (
	StateUnstarted State = iota
	StateRunning
	StateRunningWithFeeders
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateRunningWithFeeders:
		return "running-with-feeders"
	case StateStopped:
		return "stopped"
	default:
		return "unstarted"
	}
}

// lane is one input/output channel pair with the pool and Box behind it.
type lane[T, R any] struct {
	name string
	in   *Channel[Batch[T]]
	out  *Channel[OutputBatch[R]]
	box  *Box[R]
	pool *workerPool
}

// feederRun tracks one RunFeeder call.
type feederRun struct {
	route string
	lane  string
	gen   uint64
	done  chan struct{}
	err   error
}

func (f *feederRun) running() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// Coordinator owns the channels, the worker pools, the feeders and the
// collectors of one dispatch run.
//
// Type parameters:
//   - T: The work item type produced by generators
//   - R: The result type produced by the target
type Coordinator[T, R any] struct {
	target Target[T, R]
	opts   *options

	mu    sync.RWMutex
	state State
	runID string
	cfg   Config[T]

	workCtx       context.Context
	cancelWork    context.CancelFunc
	cancelCollect context.CancelFunc

	lanes     map[string]*lane[T, R]
	laneOrder []string

	prints   *Channel[Print]
	info     *Channel[Info]
	printLog *PrintLog
	tracker  *ProgressTracker

	feeders   map[string]*feederRun
	lastGen   uint64
	feederWG  sync.WaitGroup
	collected chan struct{}
}

// New creates an unstarted Coordinator for target. Nothing runs until Start.
//
// Example:
//
//	c := dispatch.New(func(ctx context.Context, x int) (int, error) {
//	    return x * x, nil
//	}, dispatch.WithLogger(logger))
func New[T, R any](target Target[T, R], opts ...Option) *Coordinator[T, R] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Coordinator[T, R]{
		target:   target,
		opts:     o,
		printLog: &PrintLog{},
		feeders:  make(map[string]*feederRun),
	}
}

// Start creates the channels and Boxes, spawns the worker pools and the
// collectors and, when cfg.Generator is set, starts feeding it under
// cfg.Route.
//
// Parameters:
//   - ctx: Lifetime of the run. Cancelling it stops feeders and workers like Stop does
//   - cfg: Batching, pool and progress settings
//
// Returns:
//   - error: ErrAlreadyStarted or ErrStopped on a second call, or a worker start failure
//
// Example:
//
//	err := c.Start(ctx, dispatch.Config[int]{
//	    ChunkSize:  2,
//	    InfoEnable: true,
//	    Generator:  dispatch.FromSlice([]int{1, 2, 3, 4, 5}),
//	})
//	defer c.Stop(5 * time.Second)
func (c *Coordinator[T, R]) Start(ctx context.Context, cfg Config[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUnstarted:
	case StateStopped:
		return ErrStopped
	default:
		return ErrAlreadyStarted
	}

	cfg = cfg.withDefaults()
	c.cfg = cfg
	c.runID = uuid.NewString()
	log := c.opts.logger.With(zap.String("run", c.runID))

	workCtx, cancelWork := context.WithCancel(ctx)
	collectCtx, cancelCollect := context.WithCancel(context.WithoutCancel(ctx))
	c.workCtx, c.cancelWork, c.cancelCollect = workCtx, cancelWork, cancelCollect

	c.prints = NewChannel[Print]("print")
	if cfg.InfoEnable {
		c.info = NewChannel[Info]("info")
		c.tracker = NewProgressTracker(c.prints, cfg.ProgressInterval)
	}

	exec := newExecutor(c.target, cfg.Retry)
	exec.onRetry = func(_ T, attempt int, err error) {
		log.Debug("retrying item", zap.Int("attempt", attempt), zap.Error(err))
	}

	c.lanes = make(map[string]*lane[T, R], len(cfg.Lanes))
	nextID := 0
	for _, lc := range cfg.Lanes {
		if _, dup := c.lanes[lc.Name]; dup {
			c.abortStart()
			return fmt.Errorf("duplicate lane %q", lc.Name)
		}

		l := &lane[T, R]{
			name: lc.Name,
			in:   NewChannel[Batch[T]](lc.Name + ".in"),
			out:  NewChannel[OutputBatch[R]](lc.Name + ".out"),
			box:  NewBox[R](),
		}
		spec := &workerSpec[T, R]{
			lane:     lc.Name,
			in:       l.in,
			out:      l.out,
			prints:   c.prints,
			info:     c.info,
			exec:     exec,
			perBatch: cfg.ProgressPerBatch,
			pin:      c.opts.pin,
			log:      log.With(zap.String("lane", lc.Name)),
			metrics:  c.opts.metrics,
		}

		pool, err := spawnPool(workCtx, poolParams[T, R]{
			firstID: nextID,
			n:       lc.Workers,
			mode:    c.opts.mode,
			target:  c.opts.targetName,
			retry:   cfg.Retry,
			spec:    spec,
		})
		if err != nil {
			c.abortStart()
			return fmt.Errorf("lane %s: %w", lc.Name, err)
		}
		l.pool = pool
		nextID += lc.Workers

		c.lanes[lc.Name] = l
		c.laneOrder = append(c.laneOrder, lc.Name)
	}

	c.startCollectors(collectCtx, log)
	c.state = StateRunning
	log.Info("coordinator started",
		zap.Int("lanes", len(c.lanes)),
		zap.Stringer("mode", c.opts.mode),
		zap.Int("chunk_size", cfg.ChunkSize),
		zap.Bool("info", cfg.InfoEnable),
	)

	if cfg.Generator != nil {
		return c.startFeeder(FeederConfig[T]{
			Route:     cfg.Route,
			Generator: cfg.Generator,
			Total:     cfg.Total,
		})
	}
	return nil
}

// abortStart undoes a half-finished Start. Runs under c.mu.
func (c *Coordinator[T, R]) abortStart() {
	c.cancelWork()
	c.cancelCollect()
	for _, l := range c.lanes {
		_ = l.pool.stop(time.Second)
	}
	c.lanes = nil
	c.laneOrder = nil
	c.state = StateStopped
}

func (c *Coordinator[T, R]) startCollectors(ctx context.Context, log *zap.Logger) {
	var g errgroup.Group

	for _, name := range c.laneOrder {
		l := c.lanes[name]
		g.Go(func() error { return Collect(ctx, l.out, l.box) })
	}

	pc := &printCollector{
		ch:      c.prints,
		log:     c.printLog,
		logger:  log,
		handler: c.opts.printHandler,
	}
	g.Go(func() error { return pc.run(ctx) })

	if c.tracker != nil {
		g.Go(func() error { return c.tracker.Run(ctx, c.info) })
	}

	c.collected = make(chan struct{})
	go func() {
		if err := g.Wait(); err != nil {
			log.Error("collector failed", zap.Error(err))
		}
		close(c.collected)
	}()
}

// RunFeeder adds a feeder for another generator while the coordinator runs.
// Settings left zero in fc are taken from the Config given to Start.
//
// Parameters:
//   - fc: The generator, its route key and optionally a chunk size, lane and total
//
// Returns:
//   - error: ErrNotStarted, ErrStopped, ErrNoGenerator, ErrUnknownLane, or
//     ErrRouteInUse when the route was fed since the last Reset
//
// Example:
//
//	_ = c.RunFeeder(dispatch.FeederConfig[int]{Route: "b", Generator: dispatch.FromSlice(more)})
//	for !c.Complete("b") {
//	    time.Sleep(10 * time.Millisecond)
//	}
func (c *Coordinator[T, R]) RunFeeder(fc FeederConfig[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUnstarted:
		return ErrNotStarted
	case StateStopped:
		return ErrStopped
	}

	if err := c.startFeeder(fc); err != nil {
		return err
	}
	c.state = StateRunningWithFeeders
	return nil
}

// startFeeder runs under c.mu.
func (c *Coordinator[T, R]) startFeeder(fc FeederConfig[T]) error {
	if fc.Generator == nil {
		return ErrNoGenerator
	}
	if fc.Route == "" {
		fc.Route = DefaultRoute
	}
	if fc.Lane == "" {
		fc.Lane = c.laneOrder[0]
	}
	if fc.ChunkSize <= 0 {
		fc.ChunkSize = c.cfg.ChunkSize
	}

	l, ok := c.lanes[fc.Lane]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLane, fc.Lane)
	}
	if c.routeInUse(fc.Route) {
		return fmt.Errorf("%w: %q", ErrRouteInUse, fc.Route)
	}

	c.lastGen++
	gen := c.lastGen

	f := newFeeder(fc.Route, fc.ChunkSize, l.in, c.prints)
	f.ticketer.gen = gen
	f.log = c.opts.logger.With(zap.String("run", c.runID), zap.String("route", fc.Route))
	f.metrics = c.opts.metrics
	if c.cfg.FeedRate > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(c.cfg.FeedRate), c.cfg.FeedBurst)
	}
	if c.tracker != nil {
		f.onExhausted = c.tracker.SetRouteTotal
		if fc.Total > 0 {
			c.tracker.SetRouteTotal(fc.Route, fc.Total)
		}
	}

	fr := &feederRun{route: fc.Route, lane: fc.Lane, gen: gen, done: make(chan struct{})}
	c.feeders[fc.Route] = fr
	l.box.open(fc.Route, gen)

	c.feederWG.Add(1)
	go func() {
		defer c.feederWG.Done()
		fr.err = f.run(c.workCtx, fc.Generator)
		close(fr.done)
	}()
	return nil
}

// routeInUse runs under c.mu. A route stays taken from RunFeeder until the
// Reset after its feeder returned.
func (c *Coordinator[T, R]) routeInUse(route string) bool {
	_, ok := c.feeders[route]
	return ok
}

// Reset clears every Box, the print history, the progress counters and the
// registrations of feeders that have finished, so their route keys can be fed
// again. Output still in flight for a finished feeder is discarded when it
// arrives; routes whose feeder is still running keep collecting. Workers are
// left running. Calling it twice is the same as once.
func (c *Coordinator[T, R]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := make(map[string]map[string]uint64, len(c.lanes))
	for route, fr := range c.feeders {
		if !fr.running() {
			delete(c.feeders, route)
			continue
		}
		if live[fr.lane] == nil {
			live[fr.lane] = make(map[string]uint64)
		}
		live[fr.lane][route] = fr.gen
	}

	for name, l := range c.lanes {
		l.box.reset(live[name])
	}
	c.printLog.Reset()
	if c.tracker != nil {
		c.tracker.Reset()
	}
}

// Stop ends the run for good: feeders and workers are cancelled, worker
// processes get their input closed and are killed if they outlive timeout,
// and the collectors drain what was already delivered.
//
// Parameters:
//   - timeout: Bound for each shutdown phase (0 = Config.StopGrace)
//
// Returns:
//   - error: ErrNotStarted, ErrStopped on a second call, or ErrShutdownTimeout
//
// Example:
//
//	if err := c.Stop(5 * time.Second); err != nil {
//	    log.Printf("stop: %v", err)
//	}
func (c *Coordinator[T, R]) Stop(timeout time.Duration) error {
	c.mu.Lock()
	switch c.state {
	case StateUnstarted:
		c.mu.Unlock()
		return ErrNotStarted
	case StateStopped:
		c.mu.Unlock()
		return ErrStopped
	}
	c.state = StateStopped
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = c.cfg.StopGrace
	}

	c.cancelWork()

	var errs []error
	feedersDone := make(chan struct{})
	go func() {
		c.feederWG.Wait()
		close(feedersDone)
	}()
	if err := waitUntil(feedersDone, timeout); err != nil {
		errs = append(errs, fmt.Errorf("feeders: %w", err))
	}

	for _, name := range c.laneOrder {
		l := c.lanes[name]
		if err := l.pool.stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("lane %s: %w", name, err))
			c.opts.logger.Warn("workers outlived stop timeout",
				zap.String("lane", name),
				zap.Int("alive", l.pool.alive()),
			)
		}
		l.in.Close()
	}

	c.cancelCollect()
	if err := waitUntil(c.collected, timeout); err != nil {
		errs = append(errs, fmt.Errorf("collectors: %w", err))
	}
	for _, l := range c.lanes {
		l.out.Close()
	}
	c.prints.Close()
	if c.info != nil {
		c.info.Close()
	}

	c.opts.logger.Info("coordinator stopped", zap.String("run", c.runID))
	return errors.Join(errs...)
}

// State returns the lifecycle state.
func (c *Coordinator[T, R]) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RunID identifies this run in logs. Empty before Start.
func (c *Coordinator[T, R]) RunID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

// Box returns the Box of a lane.
func (c *Coordinator[T, R]) Box(laneName string) (*Box[R], error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state == StateUnstarted {
		return nil, ErrNotStarted
	}
	l, ok := c.lanes[laneName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLane, laneName)
	}
	return l.box, nil
}

// boxFor finds the Box a route's results land in.
func (c *Coordinator[T, R]) boxFor(route string) *Box[R] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if fr, ok := c.feeders[route]; ok {
		return c.lanes[fr.lane].box
	}
	for _, name := range c.laneOrder {
		if b := c.lanes[name].box; b.Has(route) {
			return b
		}
	}
	return nil
}

// Results returns the route's outcomes in generator order.
func (c *Coordinator[T, R]) Results(route string) []Outcome[R] {
	b := c.boxFor(route)
	if b == nil {
		return nil
	}
	return b.Sorted(route)
}

// Values is Results split into plain values and error markers.
func (c *Coordinator[T, R]) Values(route string) ([]R, []*ItemError) {
	b := c.boxFor(route)
	if b == nil {
		return nil, nil
	}
	return b.Values(route)
}

// Complete reports whether every batch of route, STOP included, has been
// collected.
func (c *Coordinator[T, R]) Complete(route string) bool {
	b := c.boxFor(route)
	return b != nil && b.Complete(route)
}

// Progress returns the tracker, or nil when InfoEnable is off.
func (c *Coordinator[T, R]) Progress() *ProgressTracker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker
}

// Prints returns the print messages collected since the last Reset.
func (c *Coordinator[T, R]) Prints() []Print {
	return c.printLog.Messages()
}

// FeederDone returns a channel closed when route's feeder returns, or nil for
// an unknown route.
func (c *Coordinator[T, R]) FeederDone(route string) <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fr, ok := c.feeders[route]
	if !ok {
		return nil
	}
	return fr.done
}

// FeederErr is the error route's feeder ended with; nil while it runs or
// after a clean finish.
func (c *Coordinator[T, R]) FeederErr(route string) error {
	c.mu.RLock()
	fr, ok := c.feeders[route]
	c.mu.RUnlock()

	if !ok || fr.running() {
		return nil
	}
	return fr.err
}

// Workers returns the handles of every worker across lanes.
func (c *Coordinator[T, R]) Workers() []*WorkerHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var hs []*WorkerHandle
	for _, name := range c.laneOrder {
		hs = append(hs, c.lanes[name].pool.handles...)
	}
	return hs
}

// Lanes lists the lane names in configuration order.
func (c *Coordinator[T, R]) Lanes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.laneOrder...)
}

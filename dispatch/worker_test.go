package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func square(_ context.Context, x int) (int, error) { return x * x, nil }

func newTestSpec(target Target[int, int], retry RetryPolicy) *workerSpec[int, int] {
	return &workerSpec[int, int]{
		lane:   "test",
		in:     NewChannel[Batch[int]]("in"),
		out:    NewChannel[OutputBatch[int]]("out"),
		prints: NewChannel[Print]("print"),
		info:   NewChannel[Info]("info"),
		exec:   newExecutor(target, retry),
		log:    zap.NewNop(),
	}
}

func batchOf(route string, seq int64, stop bool, values ...int) Batch[int] {
	b := Batch[int]{Ticket: Ticket{Route: route, Seq: seq, Stop: stop}}
	for _, v := range values {
		b.Items = append(b.Items, Work(v))
	}
	if stop {
		b.Items = append(b.Items, Stop[int]())
	}
	return b
}

func TestWorker_ProcessBatch(t *testing.T) {
	s := newTestSpec(square, RetryPolicy{})

	out, ok := s.process(context.Background(), 7, batchOf("r", 3, false, 2, 3))
	require.True(t, ok)

	assert.Equal(t, Ticket{Route: "r", Seq: 3}, out.Ticket)
	assert.Equal(t, 7, out.Worker)
	assert.Equal(t, []Outcome[int]{{Value: 4}, {Value: 9}}, out.Results)

	assert.Equal(t, 2, s.info.Len(), "one increment per item")
	in, _ := s.info.TryRecv()
	assert.Equal(t, Info{Route: "r", Worker: 7, Delta: 1}, in)
	assert.Zero(t, s.prints.Len())
}

func TestWorker_ItemErrorMarker(t *testing.T) {
	failOn3 := func(_ context.Context, x int) (int, error) {
		if x == 3 {
			return 0, errors.New("three is not allowed")
		}
		return x * x, nil
	}
	s := newTestSpec(failOn3, RetryPolicy{})

	out, ok := s.process(context.Background(), 0, batchOf("r", 1, true, 3, 4, 5))
	require.True(t, ok)
	require.Len(t, out.Results, 3)

	require.True(t, out.Results[0].Failed())
	ie := out.Results[0].Err
	assert.Equal(t, "r", ie.Route)
	assert.Equal(t, int64(1), ie.Seq)
	assert.Equal(t, 0, ie.Index)
	assert.EqualError(t, ie.Err, "three is not allowed")
	assert.Equal(t, 16, out.Results[1].Value)
	assert.Equal(t, 25, out.Results[2].Value)

	p, ok := s.prints.TryRecv()
	require.True(t, ok)
	assert.Equal(t, LevelError, p.Level)
	assert.Contains(t, p.Text, "three is not allowed")

	p, ok = s.prints.TryRecv()
	require.True(t, ok)
	assert.Contains(t, p.Text, "received STOP for route r")
	assert.Equal(t, 3, s.info.Len(), "failed items still count as processed")
}

func TestWorker_PanicIsRecovered(t *testing.T) {
	panicky := func(_ context.Context, x int) (int, error) {
		if x == 2 {
			panic("kaboom")
		}
		return x, nil
	}
	s := newTestSpec(panicky, RetryPolicy{})

	out, ok := s.process(context.Background(), 0, batchOf("r", 0, false, 1, 2, 3))
	require.True(t, ok)
	require.Len(t, out.Results, 3)
	require.True(t, out.Results[1].Failed())
	var tp *TargetPanic
	require.ErrorAs(t, out.Results[1].Err, &tp)
	assert.Equal(t, "kaboom", tp.Value)
	assert.NotEmpty(t, tp.Stack)
	assert.Equal(t, 3, out.Results[2].Value)
}

func TestWorker_Retry(t *testing.T) {
	var calls atomic.Int32
	flaky := func(_ context.Context, x int) (int, error) {
		if calls.Add(1) < 3 {
			return 0, fmt.Errorf("attempt %d failed", calls.Load())
		}
		return x, nil
	}

	s := newTestSpec(flaky, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond})
	var retries int
	s.exec.onRetry = func(_ int, attempt int, _ error) { retries = attempt }

	out, ok := s.process(context.Background(), 0, batchOf("r", 0, false, 42))
	require.True(t, ok)
	assert.False(t, out.Results[0].Failed())
	assert.Equal(t, 42, out.Results[0].Value)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, retries)
}

func TestWorker_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	always := func(_ context.Context, _ int) (int, error) {
		calls.Add(1)
		return 0, errors.New("nope")
	}

	s := newTestSpec(always, RetryPolicy{MaxAttempts: 2})
	out, _ := s.process(context.Background(), 0, batchOf("r", 0, false, 1))
	assert.True(t, out.Results[0].Failed())
	assert.Equal(t, int32(2), calls.Load())
}

func TestWorker_PanicThenRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	panicsOnce := func(_ context.Context, x int) (int, error) {
		if calls.Add(1) == 1 {
			panic("first call blows up")
		}
		return x * 10, nil
	}

	s := newTestSpec(panicsOnce, RetryPolicy{MaxAttempts: 3})
	out, ok := s.process(context.Background(), 0, batchOf("r", 0, false, 4))
	require.True(t, ok)
	require.False(t, out.Results[0].Failed())
	assert.Equal(t, 40, out.Results[0].Value)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, s.prints.Len())
}

func TestWorker_RetryDelayIsCapped(t *testing.T) {
	always := func(_ context.Context, _ int) (int, error) { return 0, errors.New("nope") }

	for _, kind := range []BackoffKind{BackoffExponential, BackoffJittered, BackoffDecorrelated} {
		t.Run(kind.String(), func(t *testing.T) {
			s := newTestSpec(always, RetryPolicy{
				MaxAttempts:  5,
				InitialDelay: 10 * time.Millisecond,
				MaxDelay:     10 * time.Millisecond,
				Backoff:      kind,
				Jitter:       0.5,
			})

			start := time.Now()
			out, ok := s.process(context.Background(), 0, batchOf("r", 0, false, 1))
			elapsed := time.Since(start)

			require.True(t, ok)
			assert.True(t, out.Results[0].Failed())
			// Four waits of at most 10ms; uncapped doubling would take 150ms.
			assert.Less(t, elapsed, 120*time.Millisecond)
		})
	}
}

func TestExecutor_DecorrelatedAcrossWorkers(t *testing.T) {
	// One executor serves every worker of a lane; the decorrelated history
	// must stay with the item being retried.
	failing := func(_ context.Context, x int) (int, error) {
		return 0, fmt.Errorf("item %d failed", x)
	}
	e := newExecutor(Target[int, int](failing), RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Backoff:      BackoffDecorrelated,
	})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.call(context.Background(), i)
			assert.EqualError(t, err, fmt.Sprintf("item %d failed", i))
		}()
	}
	wg.Wait()
}

func TestWorker_PerBatchProgress(t *testing.T) {
	s := newTestSpec(square, RetryPolicy{})
	s.perBatch = true

	_, ok := s.process(context.Background(), 1, batchOf("r", 0, true, 1, 2, 3))
	require.True(t, ok)

	require.Equal(t, 1, s.info.Len())
	in, _ := s.info.TryRecv()
	assert.Equal(t, int64(3), in.Delta)
}

func TestWorker_StopOnlyBatch(t *testing.T) {
	s := newTestSpec(square, RetryPolicy{})
	s.perBatch = true

	out, ok := s.process(context.Background(), 0, batchOf("r", 0, true))
	require.True(t, ok)
	assert.Empty(t, out.Results)
	assert.True(t, out.Ticket.Stop)
	assert.Zero(t, s.info.Len())
}

func TestWorker_CancelledMidBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := func(ctx context.Context, x int) (int, error) {
		if x == 1 {
			cancel()
		}
		return x, nil
	}
	s := newTestSpec(slow, RetryPolicy{})

	_, ok := s.process(ctx, 0, batchOf("r", 0, false, 1, 2, 3))
	assert.False(t, ok)
}

func TestRunWorker_PersistsAcrossRoutes(t *testing.T) {
	s := newTestSpec(square, RetryPolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runWorker(ctx, 0, s) }()

	// A STOP batch ends route a, but the worker keeps serving route b.
	require.NoError(t, s.in.Put(batchOf("a", 0, true, 2)))
	require.NoError(t, s.in.Put(batchOf("b", 0, true, 3)))

	var got []OutputBatch[int]
	for len(got) < 2 {
		ob, err := s.out.Recv(ctx)
		require.NoError(t, err)
		got = append(got, ob)
	}
	assert.Equal(t, 4, got[0].Results[0].Value)
	assert.Equal(t, 9, got[1].Results[0].Value)

	s.in.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after its input closed")
	}
}

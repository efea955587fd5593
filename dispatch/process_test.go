package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain doubles as the worker process for the process-mode tests: the
// coordinator re-executes the test binary with FANOUT_WORKER_TARGET set.
func TestMain(m *testing.M) {
	RegisterTarget("square", square)
	RegisterTarget("exit-on-3", func(_ context.Context, x int) (int, error) {
		if x == 3 {
			os.Exit(3)
		}
		return x, nil
	})
	RegisterTarget("fail-on-3", func(_ context.Context, x int) (int, error) {
		if x == 3 {
			return 0, errors.New("no threes")
		}
		return x * x, nil
	})

	RegisterTarget("always-fail", func(_ context.Context, x int) (int, error) {
		return 0, fmt.Errorf("item %d always fails", x)
	})
	var seen sync.Map
	RegisterTarget("fail-first-attempt", func(_ context.Context, x int) (int, error) {
		if _, again := seen.LoadOrStore(x, true); !again {
			return 0, errors.New("cold start")
		}
		return x * x, nil
	})

	if ServeWorker() {
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestServeWorker_Frames(t *testing.T) {
	var in bytes.Buffer
	for _, b := range []Batch[int]{
		batchOf("r", 0, false, 2, 3),
		batchOf("r", 1, true, 4),
	} {
		f, err := encodeBatchFrame(b)
		require.NoError(t, err)
		require.NoError(t, writeFrame(&in, f))
	}

	var out bytes.Buffer
	require.NoError(t, serveWorker(context.Background(), "square", &in, &out))

	var frames []frame
	br := bufio.NewReader(&out)
	for {
		var f frame
		if err := readFrame(br, &f); err != nil {
			break
		}
		frames = append(frames, f)
	}

	var outputs []frame
	var infos int64
	for _, f := range frames {
		switch f.Kind {
		case frameOutput:
			outputs = append(outputs, f)
		case frameInfo:
			infos += f.Delta
		}
	}
	require.Len(t, outputs, 2)
	assert.Equal(t, "r/0", outputs[0].Header)
	assert.Equal(t, "r/1/stop", outputs[1].Header)
	assert.Equal(t, []wireOutcome{{Value: json.RawMessage("4")}, {Value: json.RawMessage("9")}}, outputs[0].Results)
	assert.Equal(t, int64(3), infos)

	// The only print is the STOP notice, sent ahead of the last output frame.
	printAt := slices.IndexFunc(frames, func(f frame) bool { return f.Kind == framePrint })
	require.GreaterOrEqual(t, printAt, 0)
	assert.Contains(t, frames[printAt].Text, "received STOP")
	assert.Equal(t, frameOutput, frames[len(frames)-1].Kind)
}

func TestChildConfig_CarriesWholeRetryPolicy(t *testing.T) {
	want := childConfig{
		ID:       4,
		PerBatch: true,
		Retry: RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     40 * time.Millisecond,
			Backoff:      BackoffDecorrelated,
			Jitter:       0.3,
		},
	}
	kv, err := want.env()
	require.NoError(t, err)
	value, ok := strings.CutPrefix(kv, envWorkerConfig+"=")
	require.True(t, ok)

	t.Setenv(envWorkerConfig, value)
	got, err := loadChildConfig()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestServeWorker_RetryDelayCapped(t *testing.T) {
	kv, err := childConfig{Retry: RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}}.env()
	require.NoError(t, err)
	value, _ := strings.CutPrefix(kv, envWorkerConfig+"=")
	t.Setenv(envWorkerConfig, value)

	var in bytes.Buffer
	f, err := encodeBatchFrame(batchOf("r", 0, false, 1))
	require.NoError(t, err)
	require.NoError(t, writeFrame(&in, f))

	var out bytes.Buffer
	start := time.Now()
	require.NoError(t, serveWorker(context.Background(), "always-fail", &in, &out))
	elapsed := time.Since(start)

	// Four waits capped at 10ms each; an uncapped child doubles up to 150ms.
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 120*time.Millisecond)
	assert.Contains(t, out.String(), "item 1 always fails")
}

func TestServeWorker_BadConfig(t *testing.T) {
	t.Setenv(envWorkerConfig, "{not json")
	err := serveWorker(context.Background(), "square", strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorContains(t, err, envWorkerConfig)
}

func TestServeWorker_UnknownTarget(t *testing.T) {
	err := serveWorker(context.Background(), "nope", strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestProcessWorkers_UnknownTarget(t *testing.T) {
	c := New(square, WithProcessWorkers("not-registered"))
	err := c.Start(context.Background(), Config[int]{Workers: 1})
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestProcessWorkers_Squares(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	c := startCoordinator(t, square, Config[int]{
		ChunkSize:  2,
		Workers:    2,
		InfoEnable: true,
		Generator:  FromSlice([]int{1, 2, 3, 4, 5}),
	}, WithProcessWorkers("square"))

	for _, h := range c.Workers() {
		assert.Equal(t, ModeProcess, h.Mode)
		assert.NotZero(t, h.PID())
		assert.NotEqual(t, os.Getpid(), h.PID())
	}

	waitComplete(t, c, DefaultRoute)
	got, errs := c.Values(DefaultRoute)
	assert.Equal(t, []int{1, 4, 9, 16, 25}, got)
	assert.Empty(t, errs)
	require.Eventually(t, func() bool { return c.Progress().Status().Completed == 5 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(5*time.Second))
	for _, h := range c.Workers() {
		assert.False(t, h.Alive())
	}
}

func TestProcessWorkers_ItemError(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	c := startCoordinator(t, square, Config[int]{
		ChunkSize: 2,
		Workers:   1,
		Generator: FromSlice([]int{1, 2, 3, 4, 5}),
	}, WithProcessWorkers("fail-on-3"))
	waitComplete(t, c, DefaultRoute)

	results := c.Results(DefaultRoute)
	require.Len(t, results, 5)
	require.True(t, results[2].Failed())
	assert.EqualError(t, results[2].Err.Err, "no threes")
	assert.Equal(t, 16, results[3].Value)
}

func TestProcessWorkers_Retry(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	c := startCoordinator(t, square, Config[int]{
		ChunkSize: 2,
		Workers:   1,
		Generator: FromSlice([]int{1, 2, 3, 4, 5}),
		Retry: RetryPolicy{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Backoff:      BackoffDecorrelated,
		},
	}, WithProcessWorkers("fail-first-attempt"))
	waitComplete(t, c, DefaultRoute)

	got, errs := c.Values(DefaultRoute)
	assert.Equal(t, []int{1, 4, 9, 16, 25}, got)
	assert.Empty(t, errs)
}

func TestProcessWorkers_Crash(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	c := startCoordinator(t, square, Config[int]{
		ChunkSize: 2,
		Workers:   1,
		Generator: FromSlice([]int{1, 2, 3, 4, 5}),
	}, WithProcessWorkers("exit-on-3"))

	h := c.Workers()[0]
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("crashed worker was not reaped")
	}

	var crash *WorkerCrash
	require.ErrorAs(t, h.Err(), &crash)
	assert.Equal(t, h.PID(), crash.PID)

	require.Eventually(t, func() bool {
		return slices.ContainsFunc(c.Prints(), func(p Print) bool {
			return p.Level == LevelError && strings.Contains(p.Text, "crashed")
		})
	}, time.Second, 5*time.Millisecond)

	// Batch 0 made it; the batch holding 3 was lost and nothing respawns.
	box, _ := c.Box(DefaultLane)
	require.Eventually(t, func() bool { return len(box.Entries(DefaultRoute)) == 1 }, time.Second, 5*time.Millisecond)
	got, _ := box.Values(DefaultRoute)
	assert.Equal(t, []int{1, 2}, got)
	assert.False(t, c.Complete(DefaultRoute))
}

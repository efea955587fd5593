package benchmarks

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/utkarsh5026/fanout/dispatch"
)

// =============================================================================
// Benchmark Workload Generators
// =============================================================================

// cpuBoundWork simulates a CPU-intensive operation
func cpuBoundWork(iterations int) dispatch.Target[int, int] {
	return func(ctx context.Context, task int) (int, error) {
		result := 0
		for i := 0; i < iterations; i++ {
			result += i * task
		}
		return result, nil
	}
}

// ioBoundWork simulates an I/O operation with a delay
func ioBoundWork(delay time.Duration) dispatch.Target[int, int] {
	return func(ctx context.Context, task int) (int, error) {
		select {
		case <-time.After(delay):
			return task * 2, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// errorProneWork fails the first attempt of a share of the tasks
func errorProneWork(errorRate float64) dispatch.Target[int, int] {
	var attempts sync.Map
	return func(ctx context.Context, task int) (int, error) {
		val, _ := attempts.LoadOrStore(task, new(atomic.Int32))
		count := val.(*atomic.Int32).Add(1)

		if count == 1 && rand.Float64() < errorRate {
			return 0, fmt.Errorf("simulated error for task %d", task)
		}
		return task * 2, nil
	}
}

func makeTasks(n int) []int {
	tasks := make([]int, n)
	for i := range tasks {
		tasks[i] = i
	}
	return tasks
}

// runDispatch pushes tasks through a fresh coordinator and waits for the
// route to complete.
func runDispatch(b *testing.B, target dispatch.Target[int, int], cfg dispatch.Config[int], tasks []int) {
	b.Helper()

	c := dispatch.New(target)
	cfg.Generator = dispatch.FromSlice(tasks)
	if err := c.Start(context.Background(), cfg); err != nil {
		b.Fatal(err)
	}

	for !c.Complete(dispatch.DefaultRoute) {
		time.Sleep(50 * time.Microsecond)
	}
	if err := c.Stop(5 * time.Second); err != nil {
		b.Fatal(err)
	}
}

func reportThroughput(b *testing.B, taskCount int) {
	nsPerOp := float64(b.Elapsed().Nanoseconds()) / float64(b.N)
	b.ReportMetric(float64(taskCount)/nsPerOp*1e9, "tasks/sec")
}

// =============================================================================
// Throughput Benchmarks
// =============================================================================

func BenchmarkDispatch_WorkerScaling(b *testing.B) {
	taskCount := 10000
	tasks := makeTasks(taskCount)

	for _, workers := range []int{1, 2, 4, 8, 16} {
		b.Run(fmt.Sprintf("workers_%d", workers), func(b *testing.B) {
			cfg := dispatch.Config[int]{Workers: workers, ChunkSize: 64}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				runDispatch(b, cpuBoundWork(100), cfg, tasks)
			}
			b.StopTimer()

			reportThroughput(b, taskCount)
		})
	}
}

// Mailbox discipline keeps one batch in flight per route, so the chunk size
// decides how many workers a single route can keep busy.
func BenchmarkDispatch_ChunkSize(b *testing.B) {
	taskCount := 10000
	tasks := makeTasks(taskCount)

	for _, chunk := range []int{1, 8, 64, 512, 4096} {
		b.Run(fmt.Sprintf("chunk_%d", chunk), func(b *testing.B) {
			cfg := dispatch.Config[int]{Workers: 8, ChunkSize: chunk}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				runDispatch(b, cpuBoundWork(100), cfg, tasks)
			}
			b.StopTimer()

			reportThroughput(b, taskCount)
		})
	}
}

func BenchmarkDispatch_IOBound(b *testing.B) {
	taskCount := 500
	tasks := makeTasks(taskCount)
	cfg := dispatch.Config[int]{Workers: 32, ChunkSize: 4}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		runDispatch(b, ioBoundWork(time.Millisecond), cfg, tasks)
	}
	b.StopTimer()

	reportThroughput(b, taskCount)
}

func BenchmarkDispatch_ProgressEnabled(b *testing.B) {
	taskCount := 10000
	tasks := makeTasks(taskCount)

	for _, perBatch := range []bool{false, true} {
		b.Run(fmt.Sprintf("per_batch_%v", perBatch), func(b *testing.B) {
			cfg := dispatch.Config[int]{
				Workers:          8,
				ChunkSize:        64,
				InfoEnable:       true,
				ProgressPerBatch: perBatch,
				ProgressInterval: time.Second,
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				runDispatch(b, cpuBoundWork(100), cfg, tasks)
			}
		})
	}
}

func BenchmarkDispatch_Retry(b *testing.B) {
	taskCount := 2000
	tasks := makeTasks(taskCount)
	cfg := dispatch.Config[int]{
		Workers:   8,
		ChunkSize: 32,
		Retry:     dispatch.RetryPolicy{MaxAttempts: 3, InitialDelay: 10 * time.Microsecond},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		runDispatch(b, errorProneWork(0.1), cfg, tasks)
	}
}

// =============================================================================
// Channel Benchmarks
// =============================================================================

func BenchmarkChannel_PutRecv(b *testing.B) {
	ch := dispatch.NewChannel[int]("bench")
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ch.Put(i)
		if _, err := ch.Recv(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkChannel_Contended(b *testing.B) {
	ch := dispatch.NewChannel[int]("bench")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received atomic.Int64
	for range 4 {
		go func() {
			for {
				if _, err := ch.Recv(ctx); err != nil {
					return
				}
				received.Add(1)
			}
		}()
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = ch.Put(1)
		}
	})
	for received.Load() < int64(b.N) {
		time.Sleep(10 * time.Microsecond)
	}
}

package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/isopool/isopool/future"
)

func squareWorkerFunc(ctx context.Context, rt *Runtime) error {
	err := rt.Register(map[string]Method{
		"square": func(c Context, params []any) (any, error) {
			n := params[0].(float64)
			return n * n, nil
		},
	}, DefaultRegisterOptions())
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func blockingWorkerFunc(release <-chan struct{}) func(context.Context, *Runtime) error {
	return func(ctx context.Context, rt *Runtime) error {
		err := rt.Register(map[string]Method{
			"block": func(c Context, params []any) (any, error) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return "done", nil
			},
		}, DefaultRegisterOptions())
		if err != nil {
			return err
		}
		return rt.Run(ctx)
	}
}

func TestPool_ExecRoundTrip(t *testing.T) {
	p, err := NewPool(context.Background(), PoolOptions{
		MinWorkers: 1, MaxWorkers: 2, WorkerFunc: squareWorkerFunc,
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer p.Terminate(true, time.Second)

	f, err := p.Exec(context.Background(), "square", []any{float64(3)}, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	val, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if val.(float64) != 9 {
		t.Fatalf("val = %v, want 9", val)
	}
}

func TestPool_MaxQueueSizeBackpressure(t *testing.T) {
	release := make(chan struct{})
	p, err := NewPool(context.Background(), PoolOptions{
		MinWorkers: 1, MaxWorkers: 1, MaxQueueSize: 1,
		WorkerFunc: blockingWorkerFunc(release),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer func() { close(release); p.Terminate(true, time.Second) }()

	if _, err := p.Exec(context.Background(), "block", nil, ExecOptions{}); err != nil {
		t.Fatalf("first Exec failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return p.Stats().BusyWorkers == 1 })

	if _, err := p.Exec(context.Background(), "block", nil, ExecOptions{}); err != nil {
		t.Fatalf("second Exec failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return p.Stats().PendingTasks == 1 })

	if _, err := p.Exec(context.Background(), "block", nil, ExecOptions{}); err != ErrQueueFull {
		t.Fatalf("third Exec err = %v, want ErrQueueFull", err)
	}
}

func TestPool_EagerlySpawnsMinWorkersAndCapsAtMax(t *testing.T) {
	release := make(chan struct{})
	p, err := NewPool(context.Background(), PoolOptions{
		MinWorkers: 1, MaxWorkers: 2, WorkerFunc: blockingWorkerFunc(release),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer func() { close(release); p.Terminate(true, time.Second) }()

	if got := p.Stats().TotalWorkers; got != 1 {
		t.Fatalf("TotalWorkers after NewPool = %d, want 1 (MinWorkers)", got)
	}

	for i := 0; i < 3; i++ {
		if _, err := p.Exec(context.Background(), "block", nil, ExecOptions{}); err != nil {
			t.Fatalf("Exec %d failed: %v", i, err)
		}
	}

	waitForCondition(t, time.Second, func() bool { return p.Stats().TotalWorkers == 2 })
	// MaxWorkers caps growth even with a third task still queued.
	time.Sleep(20 * time.Millisecond)
	if got := p.Stats().TotalWorkers; got != 2 {
		t.Fatalf("TotalWorkers = %d, want capped at 2", got)
	}
}

func TestPool_CrashDetectionAndReplacement(t *testing.T) {
	var attempt atomic.Int32
	workerFunc := func(ctx context.Context, rt *Runtime) error {
		if attempt.Add(1) == 1 {
			return errPlannedCrash
		}
		return squareWorkerFunc(ctx, rt)
	}

	p, err := NewPool(context.Background(), PoolOptions{
		MinWorkers: 1, MaxWorkers: 1, WorkerFunc: workerFunc, RespawnBackoff: NoRetry(),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer p.Terminate(true, time.Second)

	waitForCondition(t, 2*time.Second, func() bool { return attempt.Load() >= 2 })
	waitForCondition(t, 2*time.Second, func() bool { return p.Stats().TotalWorkers == 1 })

	f, err := p.Exec(context.Background(), "square", []any{float64(4)}, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	val, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed after respawn: %v", err)
	}
	if val.(float64) != 16 {
		t.Fatalf("val = %v, want 16", val)
	}
}

func TestPool_TerminateRejectsQueuedAndInFlightTasks(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p, err := NewPool(context.Background(), PoolOptions{
		MinWorkers: 1, MaxWorkers: 1, WorkerFunc: blockingWorkerFunc(release),
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	busy, err := p.Exec(context.Background(), "block", nil, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return p.Stats().BusyWorkers == 1 })

	queued, err := p.Exec(context.Background(), "block", nil, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return p.Stats().PendingTasks == 1 })

	select {
	case <-p.Terminate(true, time.Second):
	case <-time.After(2 * time.Second):
		t.Fatal("Terminate did not complete in time")
	}

	if _, err := queued.Wait(context.Background()); err != ErrPoolTerminated {
		t.Fatalf("queued task err = %v, want ErrPoolTerminated", err)
	}
	if _, err := busy.Wait(context.Background()); err != ErrWorkerTerminated {
		t.Fatalf("busy task err = %v, want ErrWorkerTerminated", err)
	}
}

func TestPool_FunctionValuedExecOnThreadPool(t *testing.T) {
	p, err := NewPool(context.Background(), PoolOptions{
		MinWorkers: 1, MaxWorkers: 1, WorkerFunc: squareWorkerFunc,
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer p.Terminate(true, time.Second)

	fn := func(params ...any) (any, error) {
		n := params[0].(float64)
		return n + 1, nil
	}
	f, err := p.Exec(context.Background(), fn, []any{float64(41)}, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	val, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if val.(float64) != 42 {
		t.Fatalf("val = %v, want 42", val)
	}
}

func TestPool_FunctionValuedExecRejectedOnProcessPool(t *testing.T) {
	p, err := NewPool(context.Background(), PoolOptions{
		MinWorkers: 0, MaxWorkers: 1, WorkerType: Process, ProcessCommand: []string{"isopool-worker"},
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer p.Terminate(true, time.Second)

	fn := func(params ...any) (any, error) { return nil, nil }
	_, err = p.Exec(context.Background(), fn, nil, ExecOptions{})
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("err = %T (%v), want *ConfigError", err, err)
	}
}

// Exec calls against a Pool with no idle workers make getWorkerLocked
// release p.mu around a growth spawn while next() also runs from workers'
// completion callbacks on other goroutines; next() must not hand a nil task
// to worker.Exec when the race leaves one goroutine's Pop empty-handed.
func TestPool_ConcurrentExecDoesNotDispatchNilTask(t *testing.T) {
	p, err := NewPool(context.Background(), PoolOptions{
		MinWorkers: 0, MaxWorkers: 4, WorkerFunc: squareWorkerFunc,
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer p.Terminate(true, time.Second)

	const n = 20
	futures := make([]*future.Future[any], n)
	for i := 0; i < n; i++ {
		f, err := p.Exec(context.Background(), "square", []any{float64(i)}, ExecOptions{})
		if err != nil {
			t.Fatalf("Exec %d failed: %v", i, err)
		}
		futures[i] = f
	}

	for i, f := range futures {
		val, err := f.Wait(context.Background())
		if err != nil {
			t.Fatalf("Wait %d failed: %v", i, err)
		}
		if val.(float64) != float64(i)*float64(i) {
			t.Fatalf("val %d = %v, want %d", i, val, i*i)
		}
	}
}

var errPlannedCrash = &InvocationError{Serialized: &SerializedError{Type: "planned", Message: "planned crash for test"}}

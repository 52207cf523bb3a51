// Package isopool provides a worker pool that offloads function
// execution to isolated concurrent workers, returning Go-native futures
// to the caller.
//
// Workers are isolated execution contexts: either a dedicated goroutine
// (the "thread" endpoint, sharing the controller's address space but not
// its call stack) or a genuine child OS process (the "process" endpoint,
// spawned via os/exec and talking newline-delimited JSON over stdio).
// Isolation is the point: worker code that panics, hangs, or loops does
// not take the controller down with it.
//
// # Quick Start
//
//	pool, err := isopool.NewPool(context.Background(), isopool.PoolOptions{
//		MinWorkers: 2,
//		MaxWorkers: 4,
//		WorkerFunc: func(ctx context.Context, rt *isopool.Runtime) error {
//			rt.Register(map[string]isopool.Method{
//				"square": func(ctx isopool.Context, params []any) (any, error) {
//					n := params[0].(float64)
//					return n * n, nil
//				},
//			}, isopool.DefaultRegisterOptions())
//			return rt.Run(ctx)
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer func() { <-pool.Terminate(false, 5*time.Second) }()
//
//	f, err := pool.Exec(context.Background(), "square", []any{6}, isopool.ExecOptions{})
//	result, err := f.Wait(context.Background())
//
// # Key Concepts
//
// WorkerHandle: controller-side object owning one worker Endpoint and its
// request/response protocol, including the cancellation-and-cleanup
// handshake that lets a cancelled task either finish its worker-side
// abort listeners or take the worker down with it.
//
// Pool: controller-side object managing many WorkerHandles and a shared
// FIFO task queue, sizing itself between MinWorkers and MaxWorkers and
// replacing workers that crash.
//
// Future: a single-assignment, cancellable result container with chained
// cancellation (cancelling a future derived from another cancels the
// parent too) and a late-binding timeout.
//
// # Thread Safety
//
// The pool-level task queue is strict FIFO; worker assignment is
// first-fit, not round-robin. Requests to one WorkerHandle are FIFO,
// including requests queued before the worker signals ready. Responses
// carry explicit ids — the controller never relies on response order.
package isopool

package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isopool/isopool/future"
)

// runMethod is the reserved method name a Thread WorkerHandle's Runtime
// dispatches function-valued Exec calls through. It never appears in a
// user's own method map; Pool injects it via Runtime.mergeBaseMethod.
const runMethod = "__isopool_run__"

// PoolStats is a point-in-time snapshot of a Pool's worker and queue
// occupancy.
type PoolStats struct {
	TotalWorkers int
	BusyWorkers  int
	IdleWorkers  int
	PendingTasks int
	ActiveTasks  int
}

// Pool owns a set of WorkerHandles and a shared FIFO task queue, sizing
// itself between MinWorkers and MaxWorkers and replacing workers that
// crash.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   PoolOptions

	debugPorts *debugPortAllocator
	respawn    *respawner

	funcRegistry sync.Map // synthetic name -> func(params ...any) (any, error)
	funcSeq      atomic.Uint64
	slotSeq      atomic.Uint64

	mu         sync.Mutex
	workers    []*WorkerHandle
	tasks      *taskQueue
	terminated bool
}

// NewPool validates opts, eagerly spawns MinWorkers workers, and returns
// a ready-to-use Pool.
func NewPool(ctx context.Context, opts PoolOptions) (*Pool, error) {
	resolved, err := opts.resolve()
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		ctx:        pctx,
		cancel:     cancel,
		opts:       resolved,
		debugPorts: newDebugPortAllocator(resolved.DebugPortStart),
		respawn:    newRespawner(resolved.RespawnBackoff),
		tasks:      newTaskQueue(),
	}

	for i := 0; i < resolved.MinWorkers; i++ {
		h, err := p.spawnWorker(p.newSlotKey())
		if err != nil {
			cancel()
			return nil, err
		}
		p.workers = append(p.workers, h)
	}

	return p, nil
}

// newSlotKey mints a fresh logical slot identity for a worker that isn't
// replacing a crashed predecessor (an initial or grow spawn). A
// replacement spawn instead reuses the crashed worker's slotKey so
// respawner's backoff escalates across repeated crashes of the same slot.
func (p *Pool) newSlotKey() string {
	return fmt.Sprintf("slot-%d", p.slotSeq.Add(1))
}

func (p *Pool) spawnWorker(slotKey string) (*WorkerHandle, error) {
	port := p.debugPorts.Acquire()

	workerOpts := p.opts
	if workerOpts.WorkerType != Process {
		orig := workerOpts.WorkerFunc
		workerOpts.WorkerFunc = func(ctx context.Context, rt *Runtime) error {
			rt.mergeBaseMethod(runMethod, p.runFuncMethod)
			return orig(ctx, rt)
		}
	}

	h, err := newWorkerHandle(p.ctx, workerOpts, port, p.handleWorkerCrash)
	if err != nil {
		p.debugPorts.Release(port)
		return nil, err
	}
	h.slotKey = slotKey
	if p.opts.OnCreateWorker != nil {
		p.opts.OnCreateWorker(h)
	}
	if p.opts.OnCreatedWorker != nil {
		p.opts.OnCreatedWorker(h)
	}
	return h, nil
}

// runFuncMethod is the Thread-worker landing spot for function-valued
// Exec calls: params[0] is the synthetic registry key Exec stashed the
// closure under, the rest are the caller's actual arguments.
func (p *Pool) runFuncMethod(_ Context, params []any) (any, error) {
	if len(params) == 0 {
		return nil, NewConfigError("params", "missing synthetic function key")
	}
	key, _ := params[0].(string)
	v, ok := p.funcRegistry.LoadAndDelete(key)
	if !ok {
		return nil, &UnknownMethodError{Method: key}
	}
	fn := v.(func(params ...any) (any, error))
	return fn(params[1:]...)
}

// Exec enqueues method (a registered method name, or on a Thread pool a
// func(params ...any) (any, error) closure) with the given params. It
// fails synchronously with ErrQueueFull if the queue is already at
// MaxQueueSize, or with a *ConfigError for a malformed method argument.
// The returned future supports a late-binding .Timeout: calling it before
// the task is dispatched defers the clock until dispatch.
func (p *Pool) Exec(ctx context.Context, method any, params []any, opts ExecOptions) (*future.Future[any], error) {
	if p.opts.RateLimit != nil {
		if err := p.opts.RateLimit.Wait(ctx); err != nil {
			return nil, err
		}
	}

	methodName, execParams, err := p.resolveMethod(method, params)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil, ErrPoolTerminated
	}
	if p.opts.MaxQueueSize > 0 && p.tasks.Len() >= p.opts.MaxQueueSize {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}

	task := newTask(methodName, execParams, opts)
	public := task.Future.Derive()
	task.Public = public
	p.tasks.Push(task)
	p.mu.Unlock()

	p.next()
	return public, nil
}

func (p *Pool) resolveMethod(method any, params []any) (string, []any, error) {
	switch m := method.(type) {
	case string:
		return m, params, nil
	case func(params ...any) (any, error):
		if p.opts.WorkerType == Process {
			return "", nil, NewConfigError("method", "function-valued methods are not supported on process endpoints")
		}
		key := fmt.Sprintf("func-%d", p.funcSeq.Add(1))
		p.funcRegistry.Store(key, m)
		return runMethod, append([]any{key}, params...), nil
	default:
		return "", nil, NewConfigError("method", "must be a string or func(params ...any) (any, error)")
	}
}

// next is the dispatch loop: while the queue is non-empty and a worker is
// available, pop a task and hand it off. Its synchronous-recursion shape
// (rather than a worker-availability event loop) mirrors the origin
// design's dispatcher exactly, including its known quirk under
// adversarial interleavings: a task queued the instant every worker goes
// busy can wait for the next completion rather than spawning a fresh
// worker even when one is available, since next only re-runs from Exec
// and from a task's own completion callback.
func (p *Pool) next() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	head, ok := p.tasks.Peek()
	if !ok {
		p.mu.Unlock()
		return
	}
	if !head.Future.Pending() {
		p.tasks.Pop() // discard the stale head, no reordering: it was in front
		p.mu.Unlock()
		p.next()
		return
	}
	worker := p.getWorkerLocked()
	if worker == nil {
		p.mu.Unlock()
		return // leave the head in place; nothing dispatched this round
	}
	// getWorkerLocked may have released p.mu around a spawn, so a
	// concurrent next() could have already popped the head we peeked.
	task, ok := p.tasks.Pop()
	p.mu.Unlock()
	if !ok {
		return // another goroutine already dispatched the last queued task
	}

	if err := worker.Exec(task); err != nil {
		task.Resolver.Reject(err)
	}
	// Re-run the dispatcher once this task settles, so a task left queued
	// while every worker was busy is picked up when this one frees its worker.
	task.Future.OnSettle(func(any, error) { p.next() })
	p.next()
}

// getWorkerLocked returns the first idle worker, spawning a new one if
// under MaxWorkers and none are idle. Must be called with p.mu held.
func (p *Pool) getWorkerLocked() *WorkerHandle {
	for _, w := range p.workers {
		if !w.Busy() && !w.Terminated() {
			return w
		}
	}
	if len(p.workers) >= p.opts.MaxWorkers {
		return nil
	}

	p.mu.Unlock()
	h, err := p.spawnWorker(p.newSlotKey())
	p.mu.Lock()
	if err != nil {
		p.opts.Logger.Error("isopool: failed to spawn worker", F("error", err))
		return nil
	}
	p.workers = append(p.workers, h)
	return h
}

// handleWorkerCrash removes the crashed worker and, unless the pool is
// terminated, replaces it (subject to RespawnBackoff) to keep MinWorkers
// satisfied, then re-runs the dispatcher in case tasks were waiting on
// it.
func (p *Pool) handleWorkerCrash(crashed *WorkerHandle, crashErr *WorkerCrashError) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	idx := -1
	for i, w := range p.workers {
		if w == crashed {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return
	}
	p.workers = append(p.workers[:idx], p.workers[idx+1:]...)
	needsReplacement := len(p.workers) < p.opts.MinWorkers
	p.mu.Unlock()

	p.respawn.NoteCrash(crashed.slotKey)
	if !needsReplacement {
		// This slot is gone for good; nothing will ever Replace it again.
		p.respawn.forget(crashed.slotKey)
		p.next()
		return
	}

	replacement, err := p.respawn.Replace(crashed.slotKey, func() (*WorkerHandle, error) {
		return p.spawnWorker(crashed.slotKey)
	})
	if err != nil {
		p.opts.Logger.Error("isopool: failed to replace crashed worker", F("error", err))
		return
	}

	p.mu.Lock()
	p.workers = append(p.workers, replacement)
	p.mu.Unlock()
	p.next()
}

// Terminate rejects every queued task with ErrPoolTerminated, then tears
// down every worker concurrently. If a worker hasn't exited within
// timeout, it is force-killed regardless of the force argument. The
// returned channel closes once every worker has fully exited.
func (p *Pool) Terminate(force bool, timeout time.Duration) <-chan struct{} {
	p.mu.Lock()
	p.terminated = true
	queued := p.tasks.Drain()
	workers := append([]*WorkerHandle(nil), p.workers...)
	p.mu.Unlock()

	for _, t := range queued {
		t.Resolver.Reject(ErrPoolTerminated)
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, w := range workers {
			wg.Add(1)
			go func(w *WorkerHandle) {
				defer wg.Done()
				ch := w.Terminate(force)
				if timeout > 0 {
					select {
					case <-ch:
					case <-time.After(timeout):
						w.Terminate(true)
						<-ch
					}
				} else {
					<-ch
				}
				p.debugPorts.Release(w.DebugPort())
				if p.opts.OnTerminateWorker != nil {
					p.opts.OnTerminateWorker(w)
				}
			}(w)
		}
		wg.Wait()
		p.cancel()
		close(done)
	}()
	return done
}

// Stats returns a point-in-time snapshot of worker and queue occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{TotalWorkers: len(p.workers), PendingTasks: p.tasks.Len()}
	for _, w := range p.workers {
		if w.Busy() {
			stats.BusyWorkers++
		} else {
			stats.IdleWorkers++
		}
	}
	stats.ActiveTasks = stats.BusyWorkers
	return stats
}

// Proxy returns thin stub functions, one per name in methods, each
// forwarding to Exec(name, args). Go has no dynamic property enumeration
// to discover a worker's registered methods at runtime, so the caller
// supplies the list explicitly.
func (p *Pool) Proxy(methods []string) map[string]func(params ...any) (*future.Future[any], error) {
	proxy := make(map[string]func(params ...any) (*future.Future[any], error), len(methods))
	for _, name := range methods {
		name := name
		proxy[name] = func(params ...any) (*future.Future[any], error) {
			return p.Exec(p.ctx, name, params, ExecOptions{})
		}
	}
	return proxy
}

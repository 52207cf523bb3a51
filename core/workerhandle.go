package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/isopool/isopool/future"
)

// WorkerHandle owns one worker Endpoint and drives the request/response
// protocol against it: assigning ids, tracking in-flight requests,
// running the cancellation/cleanup handshake, and reacting to crashes.
// Its state is the disjoint ready/terminating/terminated/cleaning flags
// named in SPEC_FULL.md §3, guarded by mu.
type WorkerHandle struct {
	endpoint Endpoint
	logger   Logger

	terminateTimeout time.Duration
	debugPort        int
	instanceID       string
	// slotKey identifies this worker's logical position in its Pool,
	// stable across crash-and-replace cycles (unlike debugPort, which
	// changes with every respawn), so respawner can escalate backoff for
	// a repeatedly crashing slot instead of resetting every time.
	slotKey string

	onCrash func(*WorkerHandle, *WorkerCrashError)

	lastID uint32 // accessed only while mu is held

	mu               sync.Mutex
	ready            bool
	terminating      bool
	terminated       bool
	cleaning         bool
	shutdownStarted  bool
	processing       map[uint32]*processingEntry
	tracking         map[uint32]*trackingEntry
	requestQueue     [][]byte
	exitTimer        *time.Timer

	terminatedCh chan struct{}
}

// newWorkerHandle spawns an Endpoint of the configured kind and starts
// the event loop driving it. ctx bounds the endpoint's lifetime (a
// process endpoint's exec.CommandContext, a goroutine endpoint's worker
// function).
func newWorkerHandle(ctx context.Context, opts PoolOptions, debugPort int, onCrash func(*WorkerHandle, *WorkerCrashError)) (*WorkerHandle, error) {
	var ep Endpoint
	switch opts.WorkerType {
	case Process:
		pe, err := newProcessEndpoint(ctx, opts.ProcessCommand, opts.ProcessEnv, opts.EmitStdStreams, opts.Logger)
		if err != nil {
			return nil, err
		}
		ep = pe
	default:
		ep = newGoroutineEndpoint(ctx, opts.WorkerFunc, opts.Logger, fmt.Sprintf("worker-%d", debugPort))
	}
	return newWorkerHandleWithEndpoint(ep, opts.Logger, opts.WorkerTerminateTimeout, debugPort, onCrash), nil
}

// newWorkerHandleWithEndpoint builds a WorkerHandle around an
// already-constructed Endpoint, letting tests drive a fake Endpoint
// directly instead of routing through a real goroutine or process.
func newWorkerHandleWithEndpoint(ep Endpoint, logger Logger, terminateTimeout time.Duration, debugPort int, onCrash func(*WorkerHandle, *WorkerCrashError)) *WorkerHandle {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	h := &WorkerHandle{
		endpoint:         ep,
		logger:           logger,
		terminateTimeout: terminateTimeout,
		debugPort:        debugPort,
		instanceID:       newWorkerInstanceID(),
		onCrash:          onCrash,
		processing:       make(map[uint32]*processingEntry),
		tracking:         make(map[uint32]*trackingEntry),
		terminatedCh:     make(chan struct{}),
	}
	go h.eventLoop()
	return h
}

// Busy reports whether the worker has any request in flight or has begun
// shutting down. A cancelled or timed-out task whose cleanup handshake is
// still pending no longer counts.
func (h *WorkerHandle) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cleaning || len(h.processing) > 0
}

// Terminated reports whether the underlying endpoint has fully exited.
func (h *WorkerHandle) Terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// Done is closed once the worker has fully terminated.
func (h *WorkerHandle) Done() <-chan struct{} { return h.terminatedCh }

// DebugPort returns the debug port reserved for this worker.
func (h *WorkerHandle) DebugPort() int { return h.debugPort }

// InstanceID returns this worker's crash-report correlation id, stable
// for the lifetime of this handle even across a debug-port reuse.
func (h *WorkerHandle) InstanceID() string { return h.instanceID }

// Exec dispatches task to this worker: assigns a request id, records the
// processing entry, sends (or queues, if not yet ready) the request, and
// wires the cancellation interceptor so a caller cancelling task.Future
// triggers the worker cleanup handshake instead of silently orphaning
// work on the worker side.
func (h *WorkerHandle) Exec(task *Task) error {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		task.Resolver.Reject(ErrWorkerTerminated)
		return ErrWorkerTerminated
	}
	h.lastID++
	id := h.lastID
	h.processing[id] = &processingEntry{id: id, resolver: task.Resolver, options: task.Options}
	ready := h.ready
	h.mu.Unlock()

	params, err := marshalParams(task.Params)
	if err != nil {
		h.mu.Lock()
		delete(h.processing, id)
		h.mu.Unlock()
		task.Resolver.Reject(err)
		return err
	}
	req := &Request{ID: id, Method: task.Method, Params: params, Transfer: task.Options.Transfer}
	raw, err := json.Marshal(req)
	if err != nil {
		h.mu.Lock()
		delete(h.processing, id)
		h.mu.Unlock()
		task.Resolver.Reject(err)
		return err
	}

	task.Future.OnSettle(func(_ any, settleErr error) {
		h.onTaskSettle(id, settleErr)
	})
	task.Future.Start()
	if task.Public != nil {
		task.Public.Start()
	}

	if ready {
		return h.endpoint.Send(raw)
	}
	// flushReady may have flipped h.ready and drained the (then-empty)
	// queue between the check above and here; re-check under the same
	// lock we append under so a request can never land in the queue
	// after the one drain that will ever happen before it's queued.
	h.mu.Lock()
	if h.ready {
		h.mu.Unlock()
		return h.endpoint.Send(raw)
	}
	h.requestQueue = append(h.requestQueue, raw)
	h.mu.Unlock()
	return nil
}

// onTaskSettle implements the cancellation/timeout interception: if the
// task's future settled through cancellation or timeout while still in
// flight, run the cleanup handshake; otherwise this is a no-op, since a
// normal worker-driven response already removed the processing entry
// before settling the resolver.
func (h *WorkerHandle) onTaskSettle(id uint32, err error) {
	if !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrTimeout) {
		return
	}

	h.mu.Lock()
	_, stillProcessing := h.processing[id]
	if !stillProcessing {
		h.mu.Unlock()
		return
	}
	delete(h.processing, id)

	_, trackResolver := future.New[error]()
	timer := time.AfterFunc(h.terminateTimeout, func() { h.onTrackingTimeout(id) })
	h.tracking[id] = &trackingEntry{id: id, originalErr: err, resolver: trackResolver, timer: timer}
	ready := h.ready
	h.mu.Unlock()

	req := &Request{ID: id, Method: cleanupMethod}
	raw, encErr := json.Marshal(req)
	if encErr != nil {
		return
	}
	if ready {
		_ = h.endpoint.Send(raw)
		return
	}
	// Same lost-wakeup hazard as Exec: re-check under the append lock.
	h.mu.Lock()
	if h.ready {
		h.mu.Unlock()
		_ = h.endpoint.Send(raw)
		return
	}
	h.requestQueue = append(h.requestQueue, raw)
	h.mu.Unlock()
}

func (h *WorkerHandle) onTrackingTimeout(id uint32) {
	h.mu.Lock()
	entry, ok := h.tracking[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.tracking, id)
	h.mu.Unlock()

	entry.resolver.Reject(entry.originalErr)
	h.logger.Warn("isopool: worker did not ack cleanup in time, forcing termination",
		F("worker", h.endpoint.Describe()), F("requestId", id))
	h.Terminate(true)
}

// Terminate begins tearing down the worker. If force is true, every
// in-flight request is rejected immediately and teardown starts right
// away; otherwise, if the worker is busy, teardown is deferred until it
// drains. The returned channel closes once the endpoint has fully exited.
func (h *WorkerHandle) Terminate(force bool) <-chan struct{} {
	h.mu.Lock()
	if force {
		entries := h.processing
		h.processing = make(map[uint32]*processingEntry)
		h.mu.Unlock()
		for _, e := range entries {
			e.resolver.Reject(ErrWorkerTerminated)
		}
		h.mu.Lock()
	}

	tracking := h.tracking
	h.tracking = make(map[uint32]*trackingEntry)

	busy := h.cleaning || len(h.processing) > 0
	shouldShutdownNow := force || !busy
	if !busy && !force {
		// nothing in flight: start the graceful teardown immediately
	} else if !force {
		h.terminating = true
	}
	h.mu.Unlock()

	for _, t := range tracking {
		t.timer.Stop()
		t.resolver.Reject(ErrWorkerTerminated)
	}

	if shouldShutdownNow {
		h.beginShutdown()
	}
	return h.terminatedCh
}

func (h *WorkerHandle) beginShutdown() {
	h.mu.Lock()
	if h.shutdownStarted {
		h.mu.Unlock()
		return
	}
	h.shutdownStarted = true
	h.cleaning = true
	ready := h.ready
	h.mu.Unlock()

	line := []byte(terminateMethod)
	if ready {
		_ = h.endpoint.Send(line)
	} else {
		// Same lost-wakeup hazard as Exec: re-check under the append lock.
		h.mu.Lock()
		if h.ready {
			h.mu.Unlock()
			_ = h.endpoint.Send(line)
		} else {
			h.requestQueue = append(h.requestQueue, line)
			h.mu.Unlock()
		}
	}

	h.mu.Lock()
	h.exitTimer = time.AfterFunc(h.terminateTimeout, func() { _ = h.endpoint.Kill() })
	h.mu.Unlock()
}

// eventLoop is the single goroutine reading everything the endpoint
// produces, so all state transitions on this WorkerHandle happen without
// needing a lock around the decision logic itself (only around the maps
// other goroutines, like onTaskSettle, also touch).
func (h *WorkerHandle) eventLoop() {
	for {
		select {
		case line, ok := <-h.endpoint.Messages():
			if !ok {
				return
			}
			h.handleLine(line)
		case err, ok := <-h.endpoint.Errors():
			if !ok {
				continue
			}
			h.handleCrash(err)
			return
		case <-h.endpoint.Exit():
			h.handleExit()
			return
		case s, ok := <-h.endpoint.Stderr():
			if ok {
				h.logger.Debug("isopool: worker stderr", F("worker", h.endpoint.Describe()), F("line", s))
				h.mu.Lock()
				var callbacks []func(any)
				for _, e := range h.processing {
					if e.options.On != nil {
						callbacks = append(callbacks, e.options.On)
					}
				}
				h.mu.Unlock()
				for _, cb := range callbacks {
					cb(s)
				}
			}
		}
	}
}

func (h *WorkerHandle) handleLine(line *rawLine) {
	if line.Sentinel == readySignal {
		h.flushReady()
		return
	}
	if line.Sentinel != "" {
		return
	}

	resp, err := decodeResponse(line.JSON)
	if err != nil {
		h.logger.Warn("isopool: dropping malformed response", F("error", err))
		return
	}

	switch {
	case resp.Method == cleanupMethod:
		h.handleCleanupAck(resp)
	case resp.IsEvent:
		h.handleEvent(resp)
	default:
		h.handleTerminal(resp)
	}
}

func (h *WorkerHandle) flushReady() {
	h.mu.Lock()
	h.ready = true
	queued := h.requestQueue
	h.requestQueue = nil
	h.mu.Unlock()

	for _, raw := range queued {
		_ = h.endpoint.Send(raw)
	}
}

func (h *WorkerHandle) handleCleanupAck(resp *Response) {
	h.mu.Lock()
	entry, ok := h.tracking[resp.ID]
	if ok {
		delete(h.tracking, resp.ID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	entry.resolver.Reject(deserializeError(resp.Error))

	if resp.Error != nil {
		// The worker couldn't run its abort listeners to completion (or
		// had none at all): the cancelled task's work is still live on
		// the worker side, so the only remaining way to guarantee no
		// lingering work is to destroy the worker outright.
		h.logger.Warn("isopool: cleanup ack reported an error, forcing termination",
			F("worker", h.endpoint.Describe()), F("requestId", resp.ID), F("error", resp.Error))
		h.Terminate(true)
	}
}

func (h *WorkerHandle) handleEvent(resp *Response) {
	h.mu.Lock()
	entry, ok := h.processing[resp.ID]
	h.mu.Unlock()
	if !ok || entry.options.On == nil {
		return
	}
	var payload any
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		return
	}
	entry.options.On(payload)
}

func (h *WorkerHandle) handleTerminal(resp *Response) {
	h.mu.Lock()
	entry, ok := h.processing[resp.ID]
	if ok {
		delete(h.processing, resp.ID)
	}
	terminating := h.terminating
	empty := len(h.processing) == 0
	h.mu.Unlock()

	if !ok {
		return
	}

	if resp.Error != nil {
		entry.resolver.Reject(deserializeError(resp.Error))
	} else {
		var v any
		if err := json.Unmarshal(resp.Result, &v); err != nil {
			entry.resolver.Reject(err)
		} else {
			entry.resolver.Resolve(v)
		}
	}

	if terminating && empty {
		h.beginShutdown()
	}
}

func (h *WorkerHandle) handleExit() {
	h.mu.Lock()
	if h.exitTimer != nil {
		h.exitTimer.Stop()
	}
	wasCleaning := h.cleaning
	h.mu.Unlock()

	if wasCleaning {
		h.mu.Lock()
		h.terminated = true
		h.cleaning = false
		h.mu.Unlock()
		close(h.terminatedCh)
		h.logger.Info("isopool: worker terminated", F("worker", h.endpoint.Describe()))
		return
	}

	code, signal := h.endpoint.ExitInfo()
	crashErr := &WorkerCrashError{ExitCode: code, Signal: signal, Command: h.endpoint.Describe(), InstanceID: h.instanceID}
	h.finishCrash(crashErr)
}

func (h *WorkerHandle) handleCrash(transportErr error) {
	crashErr := &WorkerCrashError{Command: h.endpoint.Describe(), Cause: transportErr, InstanceID: h.instanceID}
	_ = h.endpoint.Kill()
	h.finishCrash(crashErr)
}

func (h *WorkerHandle) finishCrash(crashErr *WorkerCrashError) {
	h.mu.Lock()
	if h.exitTimer != nil {
		h.exitTimer.Stop()
	}
	entries := h.processing
	h.processing = make(map[uint32]*processingEntry)
	tracking := h.tracking
	h.tracking = make(map[uint32]*trackingEntry)
	h.terminated = true
	h.mu.Unlock()

	for _, e := range entries {
		e.resolver.Reject(crashErr)
	}
	for _, t := range tracking {
		t.timer.Stop()
		t.resolver.Reject(crashErr)
	}

	close(h.terminatedCh)
	h.logger.Error("isopool: worker crashed", F("worker", h.endpoint.Describe()), F("instance", h.instanceID), F("error", crashErr))
	if h.onCrash != nil {
		h.onCrash(h, crashErr)
	}
}

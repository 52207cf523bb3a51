package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Method is a worker-registered function: it receives a Context capability
// value and the call's decoded positional parameters, and returns a
// result or an error. Panics inside a Method are recovered and reported
// as an InvocationError, mirroring the teacher's processWithRecovery /
// PanicHandler pattern in core/interfaces.go.
type Method func(ctx Context, params []any) (any, error)

// Context is the capability handle a Method receives: it can register
// listeners invoked when the controller requests cooperative cancellation
// (AddAbortListener), and can push progress events to the controller
// before returning a terminal result (Emit).
type Context interface {
	context.Context
	AddAbortListener(fn func(context.Context) error)
	Emit(payload any)
}

// Transfer wraps a Method's return value to signal ownership-transfer
// semantics for the named fields. The goroutine endpoint ignores Transfer
// (shared address space, nothing to hand off); the process endpoint drops
// the transfer list since named handles cannot cross stdio, satisfying
// spec's "process-based endpoints ignore the transfer list" rule.
type Transfer struct {
	Message  any
	Transfer []string
}

// PanicHandler converts a recovered panic value into an error, following
// the teacher's PanicHandler/DefaultPanicHandler seam in core/interfaces.go.
type PanicHandler interface {
	HandlePanic(recovered any, method string) error
}

type defaultPanicHandler struct{}

// DefaultPanicHandler reports the recovered value's formatted string as
// the invocation error message.
func DefaultPanicHandler() PanicHandler { return defaultPanicHandler{} }

func (defaultPanicHandler) HandlePanic(recovered any, method string) error {
	return &InvocationError{Serialized: &SerializedError{
		Type:    "panic",
		Message: fmt.Sprintf("method %q panicked: %v", method, recovered),
	}}
}

// PanicHandler installed on a Runtime; defaults to DefaultPanicHandler.
var _ PanicHandler = defaultPanicHandler{}

// Runtime is the worker-side message loop: it owns the method registry,
// termination/abort-listener hooks, and the wire codec, and drives one
// inbound stream through a single dispatch switch, per SPEC_FULL.md §4.1.
// It is used both by the goroutine endpoint (PoolOptions.WorkerFunc runs a Runtime
// against an in-process pipe) and by isopool.Serve for a process binary.
type Runtime struct {
	enc *wireEncoder
	dec *wireDecoder

	logger       Logger
	panicHandler PanicHandler

	mu             sync.Mutex
	methods        map[string]Method
	baseMethods    map[string]Method
	opts           RegisterOptions
	abortListeners []func(context.Context) error

	currentRequestID atomic.Uint32
}

// NewRuntime builds a Runtime reading requests from r and writing
// responses to w.
func NewRuntime(r io.Reader, w io.Writer, logger Logger) *Runtime {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &Runtime{
		enc:          newWireEncoder(w),
		dec:          newWireDecoder(r),
		logger:       logger,
		panicHandler: DefaultPanicHandler(),
	}
}

// Register installs the method table and options, then emits the "ready"
// line. Must be called exactly once, before Run.
func (rt *Runtime) Register(methods map[string]Method, opts RegisterOptions) error {
	if opts.AbortListenerTimeout <= 0 {
		opts.AbortListenerTimeout = defaultAbortListenerTimeout
	}
	rt.mu.Lock()
	merged := make(map[string]Method, len(rt.baseMethods)+len(methods))
	for name, m := range rt.baseMethods {
		merged[name] = m
	}
	for name, m := range methods {
		merged[name] = m
	}
	rt.methods = merged
	rt.opts = opts
	rt.mu.Unlock()
	return rt.enc.WriteReady()
}

// mergeBaseMethod installs a method present on every subsequent Register
// call on this Runtime, regardless of what the caller's own method map
// contains. Pool uses this to give function-valued Exec calls a landing
// spot on Thread workers without requiring user code to know about it.
func (rt *Runtime) mergeBaseMethod(name string, m Method) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.baseMethods == nil {
		rt.baseMethods = make(map[string]Method)
	}
	rt.baseMethods[name] = m
}

// Run drives the message loop until a terminate line arrives, a cleanup
// handshake ends in anything other than a clean ack (no listeners, a
// listener error, or a listener timeout), or the inbound stream ends. It
// returns errWorkerTerminated on either kind of clean shutdown, nil when
// the inbound stream ends (io.EOF), or the underlying read error otherwise.
func (rt *Runtime) Run(ctx context.Context) error {
	for {
		line, err := rt.dec.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch line.Sentinel {
		case terminateMethod:
			rt.handleTerminate(ctx)
			return errWorkerTerminated
		case readySignal:
			continue // not a legal inbound sentinel; ignore defensively
		}

		req, err := decodeRequest(line.JSON)
		if err != nil {
			rt.logger.Warn("isopool: dropping malformed request", F("error", err))
			continue
		}

		if req.Method == cleanupMethod {
			if rt.handleCleanup(ctx, req) {
				return errWorkerTerminated
			}
			continue
		}
		// Dispatched off the read loop: a long-running method must not
		// block this goroutine from reading the cleanup line the
		// controller sends once the caller cancels it.
		go rt.dispatch(ctx, req)
	}
}

func (rt *Runtime) handleTerminate(ctx context.Context) {
	rt.mu.Lock()
	onTerminate := rt.opts.OnTerminate
	rt.mu.Unlock()
	if onTerminate == nil {
		return
	}
	onTerminate(&methodContext{ctx: ctx, rt: rt, requestID: 0})
}

// handleCleanup runs the registered abort listeners for the request being
// cancelled and acks the result. Per SPEC_FULL.md §4.4, a cancellable
// task either runs its abort listeners to completion (ack with no error,
// worker survives) or the worker is destroyed — no lingering work. With
// no listeners registered there is nothing to run to completion, so that
// case is one of the destroy outcomes too. handleCleanup reports which
// outcome occurred by returning true when the worker must now exit: the
// caller unwinds the message loop so the process (or goroutine) actually
// terminates instead of leaving the cancelled task's work running.
func (rt *Runtime) handleCleanup(ctx context.Context, req *Request) (mustExit bool) {
	rt.mu.Lock()
	listeners := append([]func(context.Context) error(nil), rt.abortListeners...)
	timeout := rt.opts.AbortListenerTimeout
	rt.mu.Unlock()

	if len(listeners) == 0 {
		rt.sendCleanupAck(req.ID, &SerializedError{Type: "worker_terminating", Message: "worker has no abort listeners registered"})
		return true
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(cctx)
	for _, listener := range listeners {
		listener := listener
		g.Go(func() error { return listener(gctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			rt.sendCleanupAck(req.ID, serializeError(err))
			return true
		}
		rt.sendCleanupAck(req.ID, nil)
		return false
	case <-cctx.Done():
		rt.sendCleanupAck(req.ID, &SerializedError{Type: "cleanup_timeout", Message: "abort listeners did not finish in time"})
		return true
	}
}

func (rt *Runtime) sendCleanupAck(id uint32, serr *SerializedError) {
	_ = rt.enc.EncodeResponse(&Response{ID: id, Method: cleanupMethod, Error: serr})
}

func (rt *Runtime) dispatch(ctx context.Context, req *Request) {
	rt.mu.Lock()
	method, ok := rt.methods[req.Method]
	rt.mu.Unlock()

	if !ok {
		_ = rt.enc.EncodeResponse(&Response{ID: req.ID, Error: serializeError(&UnknownMethodError{Method: req.Method})})
		return
	}

	params, err := unmarshalParams(req.Params)
	if err != nil {
		_ = rt.enc.EncodeResponse(&Response{ID: req.ID, Error: serializeError(err)})
		return
	}

	rt.currentRequestID.Store(req.ID)
	mctx := &methodContext{ctx: ctx, rt: rt, requestID: req.ID}

	result, err := rt.invoke(method, mctx, params, req.Method)
	rt.currentRequestID.Store(0)

	// Abort listeners are scoped to the single in-flight request: this
	// one has terminated (its response is about to go out below), so
	// clear them rather than letting the next request's cleanup handshake
	// see a stale listener from a request that already finished.
	rt.mu.Lock()
	rt.abortListeners = nil
	rt.mu.Unlock()

	if err != nil {
		_ = rt.enc.EncodeResponse(&Response{ID: req.ID, Error: serializeError(err)})
		return
	}

	var transfer []string
	if tr, ok := result.(Transfer); ok {
		result = tr.Message
		transfer = tr.Transfer
	}
	raw, err := json.Marshal(result)
	if err != nil {
		_ = rt.enc.EncodeResponse(&Response{ID: req.ID, Error: serializeError(err)})
		return
	}
	_ = transfer // process endpoint drops it; nothing further to encode over stdio
	_ = rt.enc.EncodeResponse(&Response{ID: req.ID, Result: raw})
}

func (rt *Runtime) invoke(method Method, ctx Context, params []any, name string) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rt.panicHandler.HandlePanic(r, name)
		}
	}()
	return method(ctx, params)
}

// addAbortListener is called by methodContext.AddAbortListener.
func (rt *Runtime) addAbortListener(fn func(context.Context) error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.abortListeners = append(rt.abortListeners, fn)
}

// emit is called by methodContext.Emit. Valid only while a request is in
// flight (currentRequestID != 0); a call outside that window is dropped.
func (rt *Runtime) emit(requestID uint32, payload any) {
	if requestID == 0 || rt.currentRequestID.Load() != requestID {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = rt.enc.EncodeResponse(&Response{ID: requestID, IsEvent: true, Payload: raw})
}

// methodContext is the concrete Context handed to a Method invocation.
type methodContext struct {
	ctx       context.Context
	rt        *Runtime
	requestID uint32
}

func (c *methodContext) Deadline() (deadline time.Time, ok bool) { return c.ctx.Deadline() }
func (c *methodContext) Done() <-chan struct{}                   { return c.ctx.Done() }
func (c *methodContext) Err() error                              { return c.ctx.Err() }
func (c *methodContext) Value(key any) any                       { return c.ctx.Value(key) }

func (c *methodContext) AddAbortListener(fn func(context.Context) error) {
	c.rt.addAbortListener(fn)
}

func (c *methodContext) Emit(payload any) {
	c.rt.emit(c.requestID, payload)
}

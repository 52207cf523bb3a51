package core

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/time/rate"
)

// WorkerType selects the kind of isolation a WorkerHandle's Endpoint
// provides.
type WorkerType int

const (
	// Auto lets the Pool pick — currently always Thread, since the
	// process endpoint requires an explicit ProcessCommand.
	Auto WorkerType = iota
	// Thread runs the worker registry in a dedicated goroutine, sharing
	// the controller's address space but not its call stack.
	Thread
	// Process runs the worker registry in a child OS process, isolated
	// at the address-space level, talking newline-delimited JSON over
	// stdio.
	Process
)

func (t WorkerType) String() string {
	switch t {
	case Thread:
		return "thread"
	case Process:
		return "process"
	default:
		return "auto"
	}
}

// MinWorkersMax is the sentinel PoolOptions.MinWorkers value meaning
// "keep MinWorkers pinned to MaxWorkers" — i.e. never scale down.
const MinWorkersMax = -1

const (
	defaultWorkerTerminateTimeout = time.Second
	defaultAbortListenerTimeout   = time.Second
	defaultDebugPortStart         = 43210
)

// PoolOptions configures a Pool. The zero value is not valid; build one
// with DefaultPoolOptions and override fields, mirroring the teacher's
// TaskSchedulerConfig / DefaultTaskSchedulerConfig pattern.
type PoolOptions struct {
	// MinWorkers is either a non-negative worker count or MinWorkersMax.
	MinWorkers int
	// MaxWorkers defaults to max(runtime.NumCPU()-1, 1) when zero.
	MaxWorkers int
	// MaxQueueSize is the FIFO queue's capacity; 0 means unbounded.
	MaxQueueSize int

	WorkerType WorkerType

	// WorkerTerminateTimeout bounds how long a graceful worker teardown
	// (cleanup ack or terminate-then-exit) is allowed to take before the
	// controller forcibly kills the endpoint.
	WorkerTerminateTimeout time.Duration

	// WorkerFunc is the goroutine endpoint's worker body: it registers
	// methods against rt and runs rt.Run(ctx) to serve requests. Required
	// when WorkerType is Thread or Auto.
	WorkerFunc func(ctx context.Context, rt *Runtime) error

	// ProcessCommand and ProcessEnv are passed through to os/exec when
	// WorkerType is Process.
	ProcessCommand []string
	ProcessEnv     []string

	// DebugPortStart seeds this Pool's monotonic debug port allocator
	// (core/debug.go). Each Pool has its own allocator, so two Pools
	// started from the same value hand out the same ports.
	DebugPortStart int

	// EmitStdStreams forwards a process endpoint's stderr lines to the "on"
	// callback of every request in flight on that worker instead of
	// discarding them.
	EmitStdStreams bool

	// RateLimit, if set, gates Pool.Exec: a call blocks (respecting the
	// caller's context) until a token is available. Left nil, Exec is
	// unthrottled.
	RateLimit *rate.Limiter

	OnCreateWorker    func(*WorkerHandle)
	OnCreatedWorker   func(*WorkerHandle)
	OnTerminateWorker func(*WorkerHandle)

	Logger Logger

	// RespawnBackoff governs the delay before replacing a worker that
	// crashed, so a worker crashing on every task doesn't spin the CPU.
	RespawnBackoff RetryPolicy
}

// DefaultPoolOptions returns a PoolOptions with every field at its
// documented default.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MinWorkers:             0,
		MaxWorkers:             0, // resolved in NewPool
		MaxQueueSize:           0,
		WorkerType:             Auto,
		WorkerTerminateTimeout: defaultWorkerTerminateTimeout,
		DebugPortStart:         defaultDebugPortStart,
		Logger:                 NewNoOpLogger(),
		RespawnBackoff:         DefaultRetryPolicy(),
	}
}

// resolve fills in zero-valued fields with their defaults and validates
// the result, failing fast the way the teacher's DefaultTaskSchedulerConfig
// callers expect NewPool to.
func (o PoolOptions) resolve() (PoolOptions, error) {
	if o.MaxWorkers == 0 {
		o.MaxWorkers = max(runtime.NumCPU()-1, 1)
	}
	if o.MaxWorkers < 1 {
		return o, NewConfigError("MaxWorkers", "must be at least 1")
	}

	if o.MinWorkers == MinWorkersMax {
		o.MinWorkers = o.MaxWorkers
	} else if o.MinWorkers < 0 {
		return o, NewConfigError("MinWorkers", "must be non-negative or MinWorkersMax")
	} else if o.MinWorkers > o.MaxWorkers {
		o.MaxWorkers = o.MinWorkers
	}

	if o.MaxQueueSize < 0 {
		return o, NewConfigError("MaxQueueSize", "must be non-negative (0 = unbounded)")
	}

	if o.WorkerTerminateTimeout <= 0 {
		o.WorkerTerminateTimeout = defaultWorkerTerminateTimeout
	}
	if o.DebugPortStart <= 0 {
		o.DebugPortStart = defaultDebugPortStart
	}
	if o.WorkerType == Auto {
		o.WorkerType = Thread
	}
	if o.WorkerType == Process && len(o.ProcessCommand) == 0 {
		return o, NewConfigError("ProcessCommand", "required when WorkerType is Process")
	}
	if o.WorkerType != Process && o.WorkerFunc == nil {
		return o, NewConfigError("WorkerFunc", "required when WorkerType is Thread or Auto")
	}
	if o.Logger == nil {
		o.Logger = NewNoOpLogger()
	}
	return o, nil
}

// ExecOptions configures a single Pool.Exec or WorkerHandle.Exec call.
type ExecOptions struct {
	// Transfer names params that should be treated as ownership-transfer
	// handles, wrapped in a Transfer record. Ignored by the goroutine
	// endpoint; the process endpoint drops it since named handles cannot
	// cross stdio.
	Transfer []string
	// On, if set, receives every event payload emitted by the worker
	// while this task is in flight.
	On func(payload any)
}

// RegisterOptions configures a worker-side Register call.
type RegisterOptions struct {
	// OnTerminate runs when a terminate line arrives, before the worker
	// runtime exits. Not bounded by AbortListenerTimeout, matching how
	// the origin spec leaves worker-chosen teardown work unbounded.
	OnTerminate func(ctx Context)
	// AbortListenerTimeout bounds how long registered abort listeners
	// collectively get to run during a cleanup handshake.
	AbortListenerTimeout time.Duration
}

// DefaultRegisterOptions returns RegisterOptions with AbortListenerTimeout
// at its documented default.
func DefaultRegisterOptions() RegisterOptions {
	return RegisterOptions{AbortListenerTimeout: defaultAbortListenerTimeout}
}

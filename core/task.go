package core

import (
	"time"

	"github.com/isopool/isopool/future"
)

// Task is a queued unit of work on the Pool side: a method name, its
// positional parameters, the future the caller is waiting on, and the
// ExecOptions that travel with it to whichever WorkerHandle picks it up.
// It lives in the Pool's FIFO queue until assigned, then is tracked by
// the WorkerHandle's processing map instead.
type Task struct {
	Method   string
	Params   []any
	Resolver *future.Resolver[any]
	Future   *future.Future[any]
	// Public is the future actually handed back to the caller (a Derive
	// of Future). A caller's .Timeout call lands on Public, so it must be
	// Started at dispatch time too, or a late-binding timeout arms on a
	// future nobody ever starts. Nil when the task was constructed
	// without a public/internal split (e.g. in tests exercising a
	// WorkerHandle directly against Future).
	Public   *future.Future[any]
	Options  ExecOptions
	queuedAt time.Time
}

func newTask(method string, params []any, opts ExecOptions) *Task {
	f, r := future.New[any]()
	return &Task{
		Method:   method,
		Params:   params,
		Resolver: r,
		Future:   f,
		Options:  opts,
		queuedAt: time.Now(),
	}
}

// processingEntry tracks a request in flight on a WorkerHandle: present
// from the moment a request is sent until a terminal response, a caller's
// cancel or timeout, a crash, or forced termination removes it. Events
// leave it in place.
type processingEntry struct {
	id       uint32
	resolver *future.Resolver[any]
	options  ExecOptions
}

// trackingEntry replaces a processingEntry once a caller cancels or times
// out a task: the original resolver has already settled, so this one
// belongs to the cleanup handshake's own future, released by the worker's
// cleanup acknowledgement or by a terminate-timeout that forces the
// worker down.
type trackingEntry struct {
	id            uint32
	originalErr   error
	resolver      *future.Resolver[error]
	timer         *time.Timer
}

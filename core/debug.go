package core

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// debugPortAllocator hands out monotonically increasing debug ports to a
// single Pool's workers, so two workers under the same
// Pool never collide. Each Pool owns its own allocator.
type debugPortAllocator struct {
	next atomic.Int32
}

func newDebugPortAllocator(start int) *debugPortAllocator {
	a := &debugPortAllocator{}
	a.next.Store(int32(start))
	return a
}

// Acquire returns the next free port and advances the counter.
func (a *debugPortAllocator) Acquire() int {
	return int(a.next.Add(1) - 1)
}

// Release is a no-op today — ports are never reused within a process
// lifetime — but exists so Pool.Terminate has a symmetric call to make
// once a reuse policy is worth adding.
func (a *debugPortAllocator) Release(port int) {}

// newWorkerInstanceID mints a correlation id for one worker's lifetime,
// attached to its debug session and threaded into any crash report it
// produces, so a worker that crashes and is respawned under the same
// debug port still leaves a distinguishable trail in logs.
func newWorkerInstanceID() string {
	return uuid.NewString()
}

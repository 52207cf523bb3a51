package isopool

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// Global Pool Helper (Singleton)
// =============================================================================

var (
	globalPool *Pool
	globalMu   sync.Mutex
)

// InitGlobalPool initializes the global Pool with the given options. It is
// a no-op if already initialized.
func InitGlobalPool(opts PoolOptions) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool != nil {
		return nil
	}

	pool, err := NewPool(context.Background(), opts)
	if err != nil {
		return err
	}
	globalPool = pool
	return nil
}

// GetGlobalPool returns the global Pool instance. It panics if
// InitGlobalPool has not been called, mirroring the teacher's
// GetGlobalThreadPool guard.
func GetGlobalPool() *Pool {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool == nil {
		panic("isopool: global pool not initialized, call InitGlobalPool() first")
	}
	return globalPool
}

// ShutdownGlobalPool terminates the global Pool, if any, waiting up to
// timeout for workers to drain before forcing termination.
func ShutdownGlobalPool(timeout time.Duration) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool == nil {
		return
	}
	<-globalPool.Terminate(false, timeout)
	globalPool = nil
}

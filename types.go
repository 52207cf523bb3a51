package isopool

import (
	"github.com/isopool/isopool/core"
	"github.com/isopool/isopool/future"
)

// Re-exported from core so most callers only need to import the isopool
// package itself.

type (
	Pool         = core.Pool
	PoolOptions  = core.PoolOptions
	PoolStats    = core.PoolStats
	WorkerHandle = core.WorkerHandle
	WorkerType   = core.WorkerType

	Runtime         = core.Runtime
	Method          = core.Method
	Context         = core.Context
	Transfer        = core.Transfer
	ExecOptions     = core.ExecOptions
	RegisterOptions = core.RegisterOptions

	Logger      = core.Logger
	Field       = core.Field
	RetryPolicy = core.RetryPolicy

	ConfigError         = core.ConfigError
	InvocationError     = core.InvocationError
	UnknownMethodError  = core.UnknownMethodError
	WorkerCrashError    = core.WorkerCrashError
	SerializedError     = core.SerializedError
)

const (
	Auto    = core.Auto
	Thread  = core.Thread
	Process = core.Process

	MinWorkersMax = core.MinWorkersMax
)

var (
	ErrQueueFull        = core.ErrQueueFull
	ErrCancelled        = core.ErrCancelled
	ErrTimeout          = core.ErrTimeout
	ErrWorkerTerminated = core.ErrWorkerTerminated
	ErrPoolTerminated   = core.ErrPoolTerminated

	NewPool               = core.NewPool
	NewConfigError        = core.NewConfigError
	NewRuntime            = core.NewRuntime
	NewDefaultLogger      = core.NewDefaultLogger
	NewNoOpLogger         = core.NewNoOpLogger
	DefaultPoolOptions    = core.DefaultPoolOptions
	DefaultRegisterOptions = core.DefaultRegisterOptions
	DefaultRetryPolicy    = core.DefaultRetryPolicy
	NoRetry               = core.NoRetry
	F                     = core.F
)

// Future is isopool's cancellable, single-assignment result container.
type Future[T any] = future.Future[T]

package isopool

import (
	"context"
	"os"
	"runtime"

	"github.com/isopool/isopool/core"
)

// NumCPU reports the number of logical CPUs available, the sole runtime
// detection surface isopool exposes: unlike the JavaScript worker_threads
// origin this pool is modeled on, Go has no main-thread/worker-thread
// ambiguity to detect, so Platform/IsMainThread collapse to this one
// helper.
func NumCPU() int { return runtime.NumCPU() }

// Serve is the entry point for a process-endpoint worker binary: it wires
// a Runtime to the process's own stdin/stdout and calls register, which
// installs methods and runs the message loop until a terminate line
// arrives or stdin closes. main() of a worker binary is expected to do nothing but
// call this and exit with its result.
//
//	func main() {
//		if err := isopool.Serve(context.Background(), func(ctx context.Context, rt *isopool.Runtime) error {
//			rt.Register(map[string]isopool.Method{ ... }, isopool.DefaultRegisterOptions())
//			return rt.Run(ctx)
//		}); err != nil {
//			os.Exit(1)
//		}
//	}
func Serve(ctx context.Context, register func(context.Context, *Runtime) error) error {
	rt := core.NewRuntime(os.Stdin, os.Stdout, NewDefaultLogger())
	return register(ctx, rt)
}

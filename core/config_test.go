package core

import (
	"context"
	"errors"
	"runtime"
	"testing"
)

func noopWorkerFunc(ctx context.Context, rt *Runtime) error { return nil }

func TestPoolOptions_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		opts    PoolOptions
		wantErr bool
		check   func(t *testing.T, resolved PoolOptions)
	}{
		{
			name: "defaults fill in MaxWorkers from NumCPU",
			opts: PoolOptions{WorkerFunc: noopWorkerFunc},
			check: func(t *testing.T, r PoolOptions) {
				want := max(runtime.NumCPU()-1, 1)
				if r.MaxWorkers != want {
					t.Fatalf("MaxWorkers = %d, want %d", r.MaxWorkers, want)
				}
			},
		},
		{
			name: "MinWorkersMax pins MinWorkers to MaxWorkers",
			opts: PoolOptions{WorkerFunc: noopWorkerFunc, MaxWorkers: 4, MinWorkers: MinWorkersMax},
			check: func(t *testing.T, r PoolOptions) {
				if r.MinWorkers != 4 {
					t.Fatalf("MinWorkers = %d, want 4", r.MinWorkers)
				}
			},
		},
		{
			name: "MinWorkers above MaxWorkers raises MaxWorkers",
			opts: PoolOptions{WorkerFunc: noopWorkerFunc, MaxWorkers: 2, MinWorkers: 5},
			check: func(t *testing.T, r PoolOptions) {
				if r.MaxWorkers != 5 {
					t.Fatalf("MaxWorkers = %d, want 5", r.MaxWorkers)
				}
			},
		},
		{
			name:    "negative MinWorkers is a ConfigError",
			opts:    PoolOptions{WorkerFunc: noopWorkerFunc, MinWorkers: -5},
			wantErr: true,
		},
		{
			name:    "negative MaxQueueSize is a ConfigError",
			opts:    PoolOptions{WorkerFunc: noopWorkerFunc, MaxQueueSize: -1},
			wantErr: true,
		},
		{
			name:    "Process without ProcessCommand is a ConfigError",
			opts:    PoolOptions{WorkerType: Process},
			wantErr: true,
		},
		{
			name:    "Thread without WorkerFunc is a ConfigError",
			opts:    PoolOptions{WorkerType: Thread},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resolved, err := tc.opts.resolve()
			if tc.wantErr {
				var cfgErr *ConfigError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("err = %v, want *ConfigError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			if tc.check != nil {
				tc.check(t, resolved)
			}
		})
	}
}

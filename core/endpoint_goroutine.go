package core

import (
	"context"
	"io"
	"sync"
)

const outboxCapacity = 4096

// goroutineEndpoint runs a worker registry in a dedicated goroutine,
// sharing the controller's address space but not its call stack. It
// plays the role spec.md assigns the "default embedded worker script".
// It still goes through the ready handshake: the WorkerHandle queues
// requests until the worker body's Runtime.Register writes its ready line.
//
// The controller and worker sides still talk the same newline-delimited
// wire protocol as the process endpoint, wired through a pair of
// io.Pipes, so WorkerHandle's dispatch logic never needs to know which
// kind of Endpoint it's driving.
type goroutineEndpoint struct {
	toWorkerW   *io.PipeWriter
	fromWorkerR *io.PipeReader

	outbox   chan []byte
	messages chan *rawLine
	errs     chan error
	exit     chan struct{}

	closeOnce sync.Once
	name      string
}

func newGoroutineEndpoint(ctx context.Context, workerFunc func(context.Context, *Runtime) error, logger Logger, name string) *goroutineEndpoint {
	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()

	ep := &goroutineEndpoint{
		toWorkerW:   toWorkerW,
		fromWorkerR: fromWorkerR,
		outbox:      make(chan []byte, outboxCapacity),
		messages:    make(chan *rawLine, outboxCapacity),
		errs:        make(chan error, 1),
		exit:        make(chan struct{}),
		name:        name,
	}

	rt := NewRuntime(toWorkerR, fromWorkerW, logger)

	go ep.pumpOutbox()
	go ep.pumpInbound()
	go ep.runWorker(ctx, workerFunc, rt, logger)

	return ep
}

func (e *goroutineEndpoint) pumpOutbox() {
	for line := range e.outbox {
		if _, err := e.toWorkerW.Write(append(line, '\n')); err != nil {
			return
		}
	}
}

func (e *goroutineEndpoint) pumpInbound() {
	dec := newWireDecoder(e.fromWorkerR)
	for {
		line, err := dec.Next()
		if err != nil {
			if err != io.EOF {
				select {
				case e.errs <- err:
				default:
				}
			}
			return
		}
		e.messages <- line
	}
}

func (e *goroutineEndpoint) runWorker(ctx context.Context, workerFunc func(context.Context, *Runtime) error, rt *Runtime, logger Logger) {
	err := workerFunc(ctx, rt)
	_ = e.toWorkerW.CloseWithError(io.EOF)
	_ = e.fromWorkerR.CloseWithError(io.EOF)
	if err != nil && err != errWorkerTerminated {
		logger.Error("isopool: goroutine worker exited with error", F("worker", e.name), F("error", err))
		select {
		case e.errs <- err:
		default:
		}
	}
	e.closeOnce.Do(func() { close(e.exit) })
}

func (e *goroutineEndpoint) Send(line []byte) error {
	select {
	case e.outbox <- line:
		return nil
	case <-e.exit:
		return io.ErrClosedPipe
	}
}

func (e *goroutineEndpoint) Messages() <-chan *rawLine { return e.messages }
func (e *goroutineEndpoint) Errors() <-chan error      { return e.errs }
func (e *goroutineEndpoint) Exit() <-chan struct{}     { return e.exit }
func (e *goroutineEndpoint) Stderr() <-chan string     { return nil }

func (e *goroutineEndpoint) Kill() error {
	_ = e.toWorkerW.CloseWithError(io.ErrClosedPipe)
	_ = e.fromWorkerR.CloseWithError(io.ErrClosedPipe)
	e.closeOnce.Do(func() { close(e.exit) })
	return nil
}

func (e *goroutineEndpoint) ExitInfo() (code int, signal string) { return 0, "" }
func (e *goroutineEndpoint) Describe() string                    { return e.name }

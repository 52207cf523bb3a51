package core

import (
	"encoding/json"
	"sync"
)

// fakeEndpoint is a test double implementing Endpoint, letting
// WorkerHandle tests drive protocol events (ready, responses, crashes)
// without a real goroutine or process on the other end.
type fakeEndpoint struct {
	mu   sync.Mutex
	sent [][]byte

	messages chan *rawLine
	errs     chan error
	exit     chan struct{}
	stderr   chan string

	exitOnce   sync.Once
	killed     bool
	exitCode   int
	exitSignal string
	name       string
}

func newFakeEndpoint(name string) *fakeEndpoint {
	return &fakeEndpoint{
		messages: make(chan *rawLine, 64),
		errs:     make(chan error, 1),
		exit:     make(chan struct{}),
		stderr:   make(chan string, 8),
		name:     name,
	}
}

func (e *fakeEndpoint) Send(line []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]byte, len(line))
	copy(cp, line)
	e.sent = append(e.sent, cp)
	return nil
}

func (e *fakeEndpoint) sentLines() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.sent))
	copy(out, e.sent)
	return out
}

func (e *fakeEndpoint) pushReady() {
	e.messages <- &rawLine{Sentinel: readySignal}
}

func (e *fakeEndpoint) pushResponse(resp *Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		panic(err)
	}
	e.messages <- &rawLine{JSON: raw}
}

func (e *fakeEndpoint) Messages() <-chan *rawLine { return e.messages }
func (e *fakeEndpoint) Errors() <-chan error      { return e.errs }
func (e *fakeEndpoint) Exit() <-chan struct{}     { return e.exit }
func (e *fakeEndpoint) Stderr() <-chan string     { return e.stderr }

func (e *fakeEndpoint) Kill() error {
	e.mu.Lock()
	e.killed = true
	e.mu.Unlock()
	e.exitOnce.Do(func() { close(e.exit) })
	return nil
}

func (e *fakeEndpoint) wasKilled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killed
}

func (e *fakeEndpoint) simulateExit(code int, signal string) {
	e.mu.Lock()
	e.exitCode, e.exitSignal = code, signal
	e.mu.Unlock()
	e.exitOnce.Do(func() { close(e.exit) })
}

func (e *fakeEndpoint) simulateTransportError(err error) {
	e.errs <- err
}

func (e *fakeEndpoint) ExitInfo() (code int, signal string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitCode, e.exitSignal
}

func (e *fakeEndpoint) Describe() string { return e.name }

package core

import (
	"bufio"
	"encoding/json"
	"io"
)

// Reserved method identifiers. Neither collides with a legal registered
// method name because both use the double-underscore isopool namespace.
const (
	terminateMethod = "__isopool_terminate__"
	cleanupMethod   = "__isopool_cleanup__"
)

// readySignal is the literal line the worker runtime writes once
// Register has completed. It is not a JSON envelope.
const readySignal = "ready"

// Request is the controller-to-worker envelope. ID is a per-WorkerHandle
// monotonic counter starting at 1.
type Request struct {
	ID       uint32            `json:"id"`
	Method   string            `json:"method"`
	Params   []json.RawMessage `json:"params,omitempty"`
	Transfer []string          `json:"transfer,omitempty"`
}

// Response is the worker-to-controller envelope. Exactly one of Result,
// Error, or (IsEvent==true) Payload is meaningful for a given message,
// per the wire protocol in SPEC_FULL.md §3.
type Response struct {
	ID      uint32           `json:"id"`
	Method  string           `json:"method,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *SerializedError `json:"error,omitempty"`
	IsEvent bool             `json:"isEvent,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// wireEncoder writes newline-delimited JSON, one envelope per line.
type wireEncoder struct {
	w   io.Writer
	enc *json.Encoder
}

func newWireEncoder(w io.Writer) *wireEncoder {
	return &wireEncoder{w: w, enc: json.NewEncoder(w)}
}

func (e *wireEncoder) EncodeRequest(r *Request) error  { return e.enc.Encode(r) }
func (e *wireEncoder) EncodeResponse(r *Response) error { return e.enc.Encode(r) }

// WriteReady writes the literal "ready" line (not a JSON envelope).
func (e *wireEncoder) WriteReady() error {
	_, err := io.WriteString(e.w, readySignal+"\n")
	return err
}

// WriteTerminate writes the literal terminate line (not a JSON envelope),
// matching how the controller signals shutdown without needing an id.
func (e *wireEncoder) WriteTerminate() error {
	_, err := io.WriteString(e.w, terminateMethod+"\n")
	return err
}

// wireDecoder reads newline-delimited JSON envelopes, recognizing the two
// bare-line sentinels ("ready", the terminate method name) that never
// arrive as JSON.
type wireDecoder struct {
	scanner *bufio.Scanner
}

func newWireDecoder(r io.Reader) *wireDecoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &wireDecoder{scanner: s}
}

// rawLine is one decoded line: either a bare sentinel or a JSON payload
// left undecoded until the caller knows which envelope type to expect.
type rawLine struct {
	Sentinel string
	JSON     []byte
}

func (d *wireDecoder) Next() (*rawLine, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := d.scanner.Bytes()
	switch string(line) {
	case readySignal, terminateMethod:
		return &rawLine{Sentinel: string(line)}, nil
	default:
		cp := make([]byte, len(line))
		copy(cp, line)
		return &rawLine{JSON: cp}, nil
	}
}

func decodeRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func decodeResponse(raw []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// marshalParams converts caller-supplied positional arguments to the
// wire's []json.RawMessage form.
func marshalParams(params []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(params))
	for i, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

// unmarshalParams decodes wire params into []any for a Method handler.
func unmarshalParams(raw []json.RawMessage) ([]any, error) {
	out := make([]any, len(raw))
	for i, r := range raw {
		var v any
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

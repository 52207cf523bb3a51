package core

import "fmt"

// SerializedError is the wire representation of an error raised inside a
// worker. It captures enough structure — a type tag, a message, and the
// Field-style key/value pairs the worker attached — that the controller
// can reconstruct something with the same identity and data, following
// core.Field's structured-logging idiom rather than flattening everything
// to a string.
type SerializedError struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (e *SerializedError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s %v", e.Message, e.Fields)
}

// serializeError converts a native error into its wire form. Recognized
// sentinel/typed errors get a stable Type tag; anything else falls back
// to "error" with its Error() string as the message.
func serializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *SerializedError:
		return e
	case *UnknownMethodError:
		return &SerializedError{Type: "unknown_method", Message: e.Error(), Fields: map[string]any{"method": e.Method}}
	case *InvocationError:
		return e.Serialized
	default:
		return &SerializedError{Type: "error", Message: err.Error()}
	}
}

// deserializeError reconstructs a native error from its wire form,
// preferring a typed reconstruction for known Type tags and otherwise
// wrapping the SerializedError itself (which implements error).
func deserializeError(se *SerializedError) error {
	if se == nil {
		return nil
	}
	switch se.Type {
	case "unknown_method":
		method, _ := se.Fields["method"].(string)
		return &UnknownMethodError{Method: method}
	default:
		return &InvocationError{Serialized: se}
	}
}

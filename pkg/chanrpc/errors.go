package chanrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CodedError is the normalized {error, message} shape that crosses the wire
// on a failed request (§4.6) and that an application's error continuation
// receives.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCodedError builds a CodedError directly, for handlers that already
// know their error code.
func NewCodedError(code, message string) error {
	return &CodedError{Code: code, Message: message}
}

// errorPayload is the "object with a string error field" shape from §4.6.
// Application error types may implement it instead of going through Throw.
type errorPayload interface {
	ErrorCode() string
}

// errorPayloadMessage is satisfied by an errorPayload that also supplies an
// explicit message value, mirroring §4.6's "object.message" branch.
type errorPayloadMessage interface {
	errorPayload
	ErrorMessageValue() interface{}
}

// Throw normalizes an arbitrary thrown value into a *CodedError following
// §4.6, in order:
//
//   - a string -> code="runtime_error", message=the string.
//   - a two-element []interface{} -> code=first (stringified),
//     message=second (stringified). Other slice types fall through to the
//     last case.
//   - a value implementing errorPayload -> code=ErrorCode(); message is
//     ErrorMessageValue() if it implements errorPayloadMessage and that
//     value is a string, otherwise the JSON serialization of that value,
//     otherwise the serialization of the whole value.
//   - anything else -> code="runtime_error", message=JSON serialization,
//     falling back to fmt.Sprintf("%v", v) if serialization fails.
//
// Throw is the idiomatic stand-in for a dynamic language's "throw any
// value": a handler returns (nil, chanrpc.Throw(v)) in place of throwing.
func Throw(v interface{}) error {
	switch t := v.(type) {
	case nil:
		return &CodedError{Code: "runtime_error", Message: ""}
	case *CodedError:
		return t
	case string:
		return &CodedError{Code: "runtime_error", Message: t}
	case []interface{}:
		if len(t) == 2 {
			return &CodedError{Code: stringify(t[0]), Message: stringify(t[1])}
		}
	case errorPayload:
		return &CodedError{Code: t.ErrorCode(), Message: errorPayloadMessageOf(t)}
	}
	return &CodedError{Code: "runtime_error", Message: serializeFallback(v)}
}

func errorPayloadMessageOf(p errorPayload) string {
	if pm, ok := p.(errorPayloadMessage); ok {
		mv := pm.ErrorMessageValue()
		if s, ok := mv.(string); ok {
			return s
		}
		return serializeFallback(mv)
	}
	return serializeFallback(p)
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return serializeFallback(v)
}

func serializeFallback(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// NormalizeError reduces an arbitrary Go error into the wire {error,
// message} shape. A *CodedError produced by Throw or NewCodedError passes
// through unchanged; any other error (including errors from application
// code that did not go through Throw) falls back to the "any other object"
// branch of §4.6, using the error's own message text.
func NormalizeError(err error) *CodedError {
	if err == nil {
		return nil
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce
	}
	return &CodedError{Code: "runtime_error", Message: err.Error()}
}

// Usage errors (§7), surfaced synchronously to the caller.
var (
	ErrMethodAlreadyBound  = errors.New("chanrpc: method already bound")
	ErrInvalidMethodName   = errors.New("chanrpc: method name must be a non-empty string")
	ErrNilHandler          = errors.New("chanrpc: handler must not be nil")
	ErrMissingSuccess      = errors.New("chanrpc: call requires a success continuation")
	ErrUndeclaredCallback  = errors.New("chanrpc: callback name was not declared by the caller")
	ErrTransactionFinished = errors.New("chanrpc: transaction already completed")
	ErrChannelDestroyed    = errors.New("chanrpc: channel has been destroyed")
)

// Construction errors (§7), surfaced synchronously at Build time.
var (
	ErrNilSubstrate  = errors.New("chanrpc: peer substrate must not be nil")
	ErrSelfPeer      = errors.New("chanrpc: peer must not be the local context")
	ErrMissingOrigin = errors.New("chanrpc: origin is required (use \"*\" to opt into wildcard)")
)

package chanrpc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReadyMethod is the reserved handshake method name (§6).
const ReadyMethod = "__ready"

// scopeSeparator is the reserved scope separator (§3, §6).
const scopeSeparator = "::"

// frame is the on-wire JSON shape. Exactly one of the four shapes described
// in §3 is populated on any given frame:
//
//	request:   id + method (+ params, + callbacks)
//	progress:  id + callback (+ params)
//	response:  id + (result | error+message)
//	notify:    method (+ params), no id
type frame struct {
	ID        *uint64         `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Callbacks []string        `json:"callbacks,omitempty"`
	Callback  string          `json:"callback,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// hasResult reports whether the frame carries a success response, including
// the literal JSON null result (distinct from "no result field at all").
func (f *frame) hasResult() bool {
	return f.Result != nil
}

// hasError reports whether the frame carries an error response.
func (f *frame) hasError() bool {
	return f.Error != ""
}

// frameKind classifies an inbound frame per §4.4.
type frameKind int

const (
	frameUnknown frameKind = iota
	frameRequest
	frameProgress
	frameResponse
	frameNotification
)

func classify(f *frame) frameKind {
	switch {
	case f.ID != nil && f.Method != "":
		return frameRequest
	case f.ID != nil && f.Callback != "":
		return frameProgress
	case f.ID != nil && (f.hasResult() || f.hasError()):
		return frameResponse
	case f.ID == nil && f.Method != "":
		return frameNotification
	default:
		return frameUnknown
	}
}

// encodeMethod applies the scope prefix (§4.5) to an outbound method name.
func encodeMethod(scope, method string) string {
	if scope == "" {
		return method
	}
	return scope + scopeSeparator + method
}

// decodeMethod strips the scope prefix from an inbound method name. ok is
// false if scope is non-empty and the method does not carry the matching
// prefix, in which case the frame must be dropped per §4.5.
func decodeMethod(scope, wireMethod string) (method string, ok bool) {
	if scope == "" {
		if strings.Contains(wireMethod, scopeSeparator) {
			// Belongs to some other scoped Channel sharing this substrate.
			return "", false
		}
		return wireMethod, true
	}
	prefix := scope + scopeSeparator
	if !strings.HasPrefix(wireMethod, prefix) {
		return "", false
	}
	return wireMethod[len(prefix):], true
}

// validateScope enforces the build-time precondition that a scope label
// never itself contains the reserved separator (§3).
func validateScope(scope string) error {
	if strings.Contains(scope, scopeSeparator) {
		return fmt.Errorf("chanrpc: scope %q must not contain %q", scope, scopeSeparator)
	}
	return nil
}

// marshalValue is a small wrapper over encoding/json kept distinct from
// ad-hoc json.Marshal calls so every wire encode goes through one place.
func marshalValue(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// encodeFrame serializes a frame to the UTF-8 JSON text required by §6.
func encodeFrame(f *frame) (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeFrame parses a substrate payload into a frame, enforcing that it is
// a single well-formed JSON object (§4 codec responsibility).
func decodeFrame(payload string) (*frame, error) {
	if !strings.HasPrefix(strings.TrimSpace(payload), "{") {
		return nil, fmt.Errorf("chanrpc: malformed frame: not a JSON object")
	}
	var f frame
	// json.Unmarshal, unlike a Decoder, rejects anything after the object.
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return nil, fmt.Errorf("chanrpc: malformed frame: %w", err)
	}
	return &f, nil
}

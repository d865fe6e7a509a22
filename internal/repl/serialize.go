package repl

import (
	"encoding/json"
	"fmt"

	"rlm/internal/config"
)

// Sentinel keys used on the wire between the REPL and the engine.
const (
	truncatedKey = "__truncated"
	rlmErrorKey  = "__rlm_error"
)

// JSONSafe deep-copies v through JSON so no live references cross the
// sandbox boundary. Unserializable values degrade to their string form.
func JSONSafe(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}

// CapResult bounds the JSON-serialized size of a value. Oversize values are
// replaced by the truncated sentinel carrying the original length and a
// data prefix.
func CapResult(v any) any {
	safe := JSONSafe(v)
	if safe == nil {
		return nil
	}
	data, err := json.Marshal(safe)
	if err != nil {
		return fmt.Sprintf("%v", safe)
	}
	if len(data) <= config.ExecResultCap {
		return safe
	}
	prefix := string(data[:config.ExecResultCap/10])
	return map[string]any{
		truncatedKey:     true,
		"originalLength": len(data),
		"data":           prefix,
	}
}

// IsTruncated reports whether v is the truncated sentinel.
func IsTruncated(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	flag, ok := m[truncatedKey].(bool)
	return ok && flag
}

// RuntimeError is the captured form of a REPL execution failure. It is fed
// back to the model as metadata and never raised to the host.
type RuntimeError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Sentinel renders the wire form {__rlm_error: true, message, stack}.
func (e *RuntimeError) Sentinel() map[string]any {
	m := map[string]any{
		rlmErrorKey: true,
		"message":   e.Message,
	}
	if e.Stack != "" {
		m["stack"] = e.Stack
	}
	return m
}

// NewRuntimeError caps the stack excerpt at 500 characters.
func NewRuntimeError(message, stack string) *RuntimeError {
	if len(stack) > 500 {
		stack = stack[:500]
	}
	return &RuntimeError{Message: message, Stack: stack}
}

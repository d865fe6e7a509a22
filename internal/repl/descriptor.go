package repl

import (
	"encoding/json"
	"fmt"
	"sort"

	"rlm/internal/config"
)

// Descriptor summarizes a REPL value structurally. Descriptors, not raw
// values, are what the model sees between iterations.
type Descriptor interface {
	descriptorKind() string
}

// ArrayDesc describes an array value.
type ArrayDesc struct {
	Kind       string `json:"kind"`
	Length     int    `json:"length"`
	ElemSchema string `json:"elemSchema,omitempty"`
	Size       int    `json:"size"`
	Preview    string `json:"preview"`
}

func (ArrayDesc) descriptorKind() string { return "array" }

// ObjectDesc describes an object value by its key list.
type ObjectDesc struct {
	Kind    string   `json:"kind"`
	Keys    []string `json:"keys"`
	Size    int      `json:"size"`
	Preview string   `json:"preview"`
}

func (ObjectDesc) descriptorKind() string { return "object" }

// StringDesc describes a string value.
type StringDesc struct {
	Kind    string `json:"kind"`
	Length  int    `json:"length"`
	Size    int    `json:"size"`
	Preview string `json:"preview"`
}

func (StringDesc) descriptorKind() string { return "string" }

// PrimitiveDesc describes numbers, booleans and null.
type PrimitiveDesc struct {
	Kind    string `json:"kind"`
	Type    string `json:"type"`
	Preview string `json:"preview"`
}

func (PrimitiveDesc) descriptorKind() string { return "primitive" }

// TruncatedDesc describes an oversize value replaced by the sentinel.
type TruncatedDesc struct {
	Kind           string `json:"kind"`
	OriginalLength int    `json:"originalLength"`
	Preview        string `json:"preview"`
}

func (TruncatedDesc) descriptorKind() string { return "truncated" }

// ErrorDesc describes a captured runtime error value.
type ErrorDesc struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (ErrorDesc) descriptorKind() string { return "error" }

// Describe builds the descriptor for a JSON-safe value. Pure.
func Describe(v any) Descriptor {
	return describe(v, config.VarPreviewMaxChars)
}

// DescribeWithPreview builds a descriptor with a custom preview budget.
func DescribeWithPreview(v any, previewMax int) Descriptor {
	return describe(v, previewMax)
}

func describe(v any, previewMax int) Descriptor {
	switch val := v.(type) {
	case nil:
		return PrimitiveDesc{Kind: "primitive", Type: "null", Preview: "null"}
	case bool:
		return PrimitiveDesc{Kind: "primitive", Type: "boolean", Preview: fmt.Sprintf("%v", val)}
	case float64:
		return PrimitiveDesc{Kind: "primitive", Type: "number", Preview: trimFloat(val)}
	case int, int64:
		return PrimitiveDesc{Kind: "primitive", Type: "number", Preview: fmt.Sprintf("%d", val)}
	case string:
		return StringDesc{
			Kind:    "string",
			Length:  len(val),
			Size:    len(val),
			Preview: capPreview(val, previewMax),
		}
	case []any:
		return ArrayDesc{
			Kind:       "array",
			Length:     len(val),
			ElemSchema: elemSchema(val),
			Size:       jsonSize(val),
			Preview:    capPreview(jsonPreview(val), previewMax),
		}
	case map[string]any:
		if IsTruncated(val) {
			origLen, _ := val["originalLength"].(float64)
			if origLen == 0 {
				if n, ok := val["originalLength"].(int); ok {
					origLen = float64(n)
				}
			}
			data, _ := val["data"].(string)
			return TruncatedDesc{
				Kind:           "truncated",
				OriginalLength: int(origLen),
				Preview:        capPreview(data, previewMax),
			}
		}
		if flag, ok := val[rlmErrorKey].(bool); ok && flag {
			msg, _ := val["message"].(string)
			return ErrorDesc{Kind: "error", Message: msg}
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return ObjectDesc{
			Kind:    "object",
			Keys:    keys,
			Size:    jsonSize(val),
			Preview: capPreview(jsonPreview(val), previewMax),
		}
	}
	return PrimitiveDesc{Kind: "primitive", Type: fmt.Sprintf("%T", v), Preview: capPreview(fmt.Sprintf("%v", v), previewMax)}
}

// elemSchema summarizes the element shape of an array: the type of the
// first element, with object keys when uniform enough to matter.
func elemSchema(arr []any) string {
	if len(arr) == 0 {
		return ""
	}
	switch first := arr[0].(type) {
	case map[string]any:
		keys := make([]string, 0, len(first))
		for k := range first {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 8 {
			keys = keys[:8]
		}
		return fmt.Sprintf("object{%s}", joinComma(keys))
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", first)
	}
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}

func jsonSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

func jsonPreview(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func capPreview(s string, n int) string {
	if n <= 0 {
		n = config.VarPreviewMaxChars
	}
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

package repl

import (
	"encoding/json"
	"fmt"

	"rlm/internal/config"
)

// ResultMetadata renders the structural summary of one block execution for
// history and the observer stream. Raw values never appear; only
// descriptors and bounded previews do.
func ResultMetadata(res ExecResult) string {
	if res.RuntimeErr != nil {
		return fmt.Sprintf("Result: ERROR - %s", res.RuntimeErr.Message)
	}
	if res.FinalCalled {
		return "void"
	}
	if res.Value == nil {
		return "void"
	}

	desc := DescribeWithPreview(res.Value, config.PreviewMaxChars)
	switch d := desc.(type) {
	case StringDesc:
		return fmt.Sprintf("Result: string(%d chars) %q", d.Length, d.Preview)
	case ArrayDesc:
		if d.ElemSchema != "" {
			return fmt.Sprintf("Result: array(%d) of %s, %d chars: %s", d.Length, d.ElemSchema, d.Size, d.Preview)
		}
		return fmt.Sprintf("Result: array(%d), %d chars: %s", d.Length, d.Size, d.Preview)
	case ObjectDesc:
		return fmt.Sprintf("Result: object with keys %v, %d chars: %s", d.Keys, d.Size, d.Preview)
	case TruncatedDesc:
		return fmt.Sprintf("Result: TRUNCATED (original %d chars; narrow the selector or reduce the data): %s",
			d.OriginalLength, d.Preview)
	case ErrorDesc:
		return fmt.Sprintf("Result: ERROR - %s", d.Message)
	case PrimitiveDesc:
		return fmt.Sprintf("Result: %s %s", d.Type, d.Preview)
	}
	return "Result: (unknown)"
}

// EnvMetadataJSON renders the env-update event payload: every variable
// descriptor as one JSON document.
func EnvMetadataJSON(entries []EnvEntry) string {
	if len(entries) == 0 {
		return "{}"
	}
	payload := make(map[string]any, len(entries))
	for _, entry := range entries {
		payload[entry.Name] = entry.Descriptor
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// EnvMetadataText renders the prompt section listing variable descriptors,
// one line per variable.
func EnvMetadataText(entries []EnvEntry) string {
	if len(entries) == 0 {
		return ""
	}
	out := ""
	for _, entry := range entries {
		out += fmt.Sprintf("- %s: %s\n", entry.Name, describeLine(entry.Descriptor))
	}
	return out
}

func describeLine(desc Descriptor) string {
	switch d := desc.(type) {
	case StringDesc:
		return fmt.Sprintf("string(%d chars) %q", d.Length, d.Preview)
	case ArrayDesc:
		if d.ElemSchema != "" {
			return fmt.Sprintf("array(%d) of %s (%d chars) %s", d.Length, d.ElemSchema, d.Size, d.Preview)
		}
		return fmt.Sprintf("array(%d) (%d chars) %s", d.Length, d.Size, d.Preview)
	case ObjectDesc:
		return fmt.Sprintf("object keys=%v (%d chars) %s", d.Keys, d.Size, d.Preview)
	case TruncatedDesc:
		return fmt.Sprintf("truncated(original %d chars) %s", d.OriginalLength, d.Preview)
	case ErrorDesc:
		return fmt.Sprintf("error: %s", d.Message)
	case PrimitiveDesc:
		return fmt.Sprintf("%s %s", d.Type, d.Preview)
	}
	return "unknown"
}

// Package extractor pulls executable code blocks out of model responses
// using a deterministic fallback chain: repl-tagged fences, any fences, a
// JSON payload with a "code" field, and finally a bare-code heuristic scan.
package extractor

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	replFencePattern = regexp.MustCompile("(?s)```repl[ \\t]*\\n(.*?)```")
	anyFencePattern  = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \\t]*\\n(.*?)```")
	jsonBlobPattern  = regexp.MustCompile(`(?s)\{.*"code".*\}`)

	// Line openers recognized by the bare-code heuristic.
	bareCodePattern = regexp.MustCompile(`^\s*(const |let |var |await |return |if[ (]|for[ (]|while[ (]|try\b|catch[ (]|function |class |env\.|log\(|setFinal\(|//)`)
)

// apiIdentifiers are the REPL API names whose call sites mark a line as
// code in the heuristic scan.
var apiIdentifiers = []string{
	"tabs", "activeTab", "openTab", "closeTab", "navigate", "switchTab",
	"waitForLoad", "waitForSelector", "execInTab", "getText", "getDOM",
	"getLinks", "getInputs", "querySelector", "querySelectorAll",
	"getSearchResults", "getWikiTables", "click", "type", "scroll",
	"parseHTML", "parsePage", "domQueryAll", "domQueryOne", "domQueryText",
	"freeDoc", "llm_query", "llm_batch", "setFinal", "log", "sleep",
}

var apiCallPattern = regexp.MustCompile(`\b(` + strings.Join(apiIdentifiers, "|") + `)\s*\(`)

// Extract returns the executable code blocks found in a model response, in
// order. An empty result is valid and triggers the engine's continuation
// path.
func Extract(response string) []string {
	if blocks := fenced(response, replFencePattern); len(blocks) > 0 {
		return blocks
	}
	if blocks := fenced(response, anyFencePattern); len(blocks) > 0 {
		return blocks
	}
	if code := jsonPayload(response); code != "" {
		return []string{code}
	}
	return bareCode(response)
}

// FencedRendering renders blocks back into repl-tagged fences. Used by the
// extractor's idempotence property: extracting the rendering of an extract
// yields the same blocks.
func FencedRendering(blocks []string) string {
	var sb strings.Builder
	for _, block := range blocks {
		sb.WriteString("```repl\n")
		sb.WriteString(block)
		if !strings.HasSuffix(block, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("```\n")
	}
	return sb.String()
}

func fenced(response string, pattern *regexp.Regexp) []string {
	matches := pattern.FindAllStringSubmatch(response, -1)
	var blocks []string
	for _, match := range matches {
		code := strings.TrimSpace(match[1])
		if code != "" {
			blocks = append(blocks, code)
		}
	}
	return blocks
}

// jsonPayload looks for a JSON object with a top-level "code" string field,
// either as the whole response or embedded in it. Malformed JSON gets one
// repair pass before giving up.
func jsonPayload(response string) string {
	candidates := []string{strings.TrimSpace(response)}
	if blob := jsonBlobPattern.FindString(response); blob != "" {
		candidates = append(candidates, blob)
	}
	for _, candidate := range candidates {
		if !strings.HasPrefix(candidate, "{") {
			continue
		}
		if code := decodeCodeField(candidate); code != "" {
			return code
		}
		if repaired, err := jsonrepair.JSONRepair(candidate); err == nil {
			if code := decodeCodeField(repaired); code != "" {
				return code
			}
		}
	}
	return ""
}

func decodeCodeField(candidate string) string {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Code)
}

// bareCode scans line by line for recognized JavaScript openers or REPL API
// calls. Adjacent code lines, blank lines between them, and brace
// continuations join into one block.
func bareCode(response string) []string {
	lines := strings.Split(response, "\n")
	var block []string
	depth := 0

	flushable := func() bool {
		for _, line := range block {
			if strings.TrimSpace(line) != "" {
				return true
			}
		}
		return false
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		isCode := bareCodePattern.MatchString(line) || apiCallPattern.MatchString(line)
		continuation := depth > 0 ||
			strings.HasPrefix(trimmed, "}") || strings.HasPrefix(trimmed, ")") || strings.HasPrefix(trimmed, "]")

		if isCode || (len(block) > 0 && (continuation || trimmed == "")) {
			block = append(block, line)
			depth += strings.Count(line, "{") - strings.Count(line, "}")
			if depth < 0 {
				depth = 0
			}
			continue
		}
		if flushable() {
			// A prose line ends the block; everything gathered so far is one
			// executable unit.
			break
		}
		block = nil
	}

	if !flushable() {
		return nil
	}
	code := strings.TrimSpace(strings.Join(block, "\n"))
	if code == "" {
		return nil
	}
	return []string{code}
}

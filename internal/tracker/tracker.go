// Package tracker accumulates iteration records and derives the prompt
// reinforcement block and sub-agent progress summaries from them.
package tracker

import (
	"fmt"
	"strings"
	"sync"

	"rlm/pkg/types"
)

// Tracker records the iterations of one task.
type Tracker struct {
	mu      sync.Mutex
	records []types.IterationRecord
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

// Append stores a completed iteration record.
func (t *Tracker) Append(rec types.IterationRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
}

// Records returns a copy of all records in order.
func (t *Tracker) Records() []types.IterationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.IterationRecord, len(t.records))
	copy(out, t.records)
	return out
}

// Count returns the number of recorded iterations.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// ReinforcementBlock renders the task-reinforcement section: the original
// request, the iteration counter, and the mechanical progress list built
// from one-liner summaries.
func (t *Tracker) ReinforcementBlock(userMessage string, iteration, maxIterations int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("## Task\n")
	sb.WriteString(userMessage)
	sb.WriteString(fmt.Sprintf("\n\nIteration %d of %d.", iteration, maxIterations))
	if len(t.records) > 0 {
		sb.WriteString("\n\nProgress so far:\n")
		for _, rec := range t.records {
			sb.WriteString(fmt.Sprintf("- Iter %d: %s\n", rec.Index, rec.Summary))
		}
	}
	return sb.String()
}

// ProgressSummary concatenates the last three one-liners for sub-agent
// context.
func (t *Tracker) ProgressSummary() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := len(t.records) - 3
	if start < 0 {
		start = 0
	}
	var parts []string
	for _, rec := range t.records[start:] {
		parts = append(parts, rec.Summary)
	}
	return strings.Join(parts, "; ")
}

// summaryKeywords maps code fragments to intent phrases, scanned in order.
var summaryKeywords = []struct {
	needle string
	intent string
}{
	{"setFinal(", "produced final answer"},
	{"llm_batch(", "spawned batch sub-agents"},
	{"llm_query(", "queried sub-agent"},
	{"openTab(", "opened tab"},
	{"navigate(", "navigated tab"},
	{"click(", "clicked element"},
	{"type(", "typed into element"},
	{"scroll(", "scrolled page"},
	{"execInTab(", "executed code in tab"},
	{"getWikiTables(", "extracted wiki tables"},
	{"getSearchResults(", "read search results"},
	{"getLinks(", "collected links"},
	{"getText(", "read page text"},
	{"getDOM(", "inspected DOM"},
	{"parsePage(", "parsed page"},
	{"parseHTML(", "parsed HTML"},
	{"querySelectorAll(", "queried elements"},
	{"querySelector(", "queried element"},
	{"waitForSelector(", "waited for selector"},
	{"waitForLoad(", "waited for load"},
	{"env.", "updated environment"},
	{"log(", "logged progress"},
}

// Summarize synthesizes a one-liner intent from the iteration's code blocks,
// with an error suffix when any block failed.
func Summarize(blocks []types.BlockResult) string {
	if len(blocks) == 0 {
		return "responded without code"
	}

	var intents []string
	seen := make(map[string]bool)
	hadError := false
	for _, block := range blocks {
		if block.Error != "" {
			hadError = true
		}
		for _, kw := range summaryKeywords {
			if strings.Contains(block.Code, kw.needle) && !seen[kw.intent] {
				seen[kw.intent] = true
				intents = append(intents, kw.intent)
			}
		}
	}
	if len(intents) == 0 {
		intents = append(intents, "ran code")
	}
	if len(intents) > 4 {
		intents = intents[:4]
	}

	summary := strings.Join(intents, ", ")
	if hadError {
		summary += " (error)"
	}
	return summary
}

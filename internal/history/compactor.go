// Package history produces the action-history text for each prompt,
// compacting older iteration records under a token budget.
package history

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"rlm/pkg/types"
)

const (
	// TokenBudget bounds the history section of a prompt.
	TokenBudget = 8000
	// compactThreshold is the fraction of the budget that triggers
	// compaction. One oversized iteration can blow a fixed-count policy by
	// iteration four; a token threshold adapts.
	compactThreshold = 0.8
	// recentFullCount is how many trailing records stay verbatim.
	recentFullCount = 3
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func initEncoding() {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
}

// EstimateTokens counts tokens with cl100k_base, falling back to the
// ceil(chars/4) heuristic when the encoding is unavailable.
func EstimateTokens(text string) int {
	initEncoding()
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// Compact renders the history text for the next prompt. Under 80% of the
// budget the full concatenation passes through unchanged; above it, older
// records condense to one line each and the tail stays verbatim. The result
// never exceeds the budget.
func Compact(records []types.IterationRecord) string {
	if len(records) == 0 {
		return ""
	}

	full := concatenate(records)
	if float64(EstimateTokens(full)) <= compactThreshold*TokenBudget {
		return full
	}

	keep := recentFullCount
	if keep > len(records) {
		keep = len(records)
	}
	older := records[:len(records)-keep]
	recent := records[len(records)-keep:]

	var condensed []string
	for _, rec := range older {
		condensed = append(condensed, fmt.Sprintf("Iter %d: %s", rec.Index, rec.Summary))
	}

	tail := concatenate(recent)
	prefix := strings.Join(condensed, "\n")
	combined := join(prefix, tail)

	if EstimateTokens(combined) <= TokenBudget {
		return combined
	}

	// Still over budget: shed condensed lines oldest-first, preserving the
	// verbatim tail.
	for len(condensed) > 0 {
		condensed = condensed[1:]
		prefix = strings.Join(condensed, "\n")
		combined = join(prefix, tail)
		if EstimateTokens(combined) <= TokenBudget {
			return combined
		}
	}

	// The tail alone is over budget; hard-truncate its head by characters.
	return truncateToBudget(tail)
}

func concatenate(records []types.IterationRecord) string {
	parts := make([]string, 0, len(records))
	for _, rec := range records {
		parts = append(parts, rec.FullMetadata)
	}
	return strings.Join(parts, "\n\n")
}

func join(prefix, tail string) string {
	if prefix == "" {
		return tail
	}
	return prefix + "\n\n" + tail
}

// truncateToBudget drops leading characters until the text fits the budget.
func truncateToBudget(text string) string {
	for EstimateTokens(text) > TokenBudget && len(text) > 0 {
		over := EstimateTokens(text) - TokenBudget
		cut := over * 4
		if cut < 64 {
			cut = 64
		}
		if cut >= len(text) {
			return ""
		}
		text = text[cut:]
	}
	return text
}

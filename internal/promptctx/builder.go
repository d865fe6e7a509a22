package promptctx

import (
	"fmt"
	"strings"

	"rlm/internal/history"
	"rlm/internal/repl"
	"rlm/pkg/types"
)

// IterationInput is everything the builder needs to render one iteration's
// user turn.
type IterationInput struct {
	UserMessage   string
	Iteration     int
	MaxIterations int

	// Reinforcement is the tracker-rendered task block (user message,
	// counter, progress list).
	Reinforcement string

	PageChanges []types.PageChange

	TabCount    int
	ActiveTabID string
	EnvEntries  []repl.EnvEntry

	Records []types.IterationRecord
}

// BuildUserTurn renders the ordered sections of the next user message.
// Sections appear only when non-empty; ordering is fixed: reinforcement,
// page changes, environment metadata, action history, reminder.
func BuildUserTurn(in IterationInput) string {
	var sections []string

	if in.Reinforcement != "" {
		sections = append(sections, in.Reinforcement)
	}

	if len(in.PageChanges) > 0 {
		var sb strings.Builder
		sb.WriteString("## Page Changes\n")
		for _, change := range in.PageChanges {
			sb.WriteString(fmt.Sprintf("- tab %s: %s changed from %q to %q\n",
				change.TabID, change.Field, change.Old, change.New))
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
	}

	envSection := buildEnvSection(in)
	if envSection != "" {
		sections = append(sections, envSection)
	}

	if historyText := history.Compact(in.Records); historyText != "" {
		sections = append(sections, "## Action History\n"+historyText)
	}

	if in.Iteration >= 2 {
		sections = append(sections, Reminder)
	}

	return strings.Join(sections, "\n\n")
}

// buildEnvSection lists the tab count and active tab id (the tab list
// itself stays behind the tabs getter) followed by variable descriptors.
func buildEnvSection(in IterationInput) string {
	var sb strings.Builder
	sb.WriteString("## Environment\n")
	if in.TabCount == 1 {
		sb.WriteString("1 tab open")
	} else {
		sb.WriteString(fmt.Sprintf("%d tabs open", in.TabCount))
	}
	if in.ActiveTabID != "" {
		sb.WriteString(fmt.Sprintf(", active: %s", in.ActiveTabID))
	}
	sb.WriteString(". Inspect them via the tabs getter.\n")

	if vars := repl.EnvMetadataText(in.EnvEntries); vars != "" {
		sb.WriteString("\nVariables:\n")
		sb.WriteString(vars)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BuildSubContext renders the parent-task context block prefixed to a
// sub-agent's first user message.
func BuildSubContext(parentMessage, progressSummary, subPrompt string) string {
	var sb strings.Builder
	sb.WriteString("## Parent Task\n")
	sb.WriteString(parentMessage)
	if progressSummary != "" {
		sb.WriteString("\n\nParent progress: ")
		sb.WriteString(progressSummary)
	}
	sb.WriteString("\n\n## Your Sub-Task\n")
	sb.WriteString(subPrompt)
	return sb.String()
}

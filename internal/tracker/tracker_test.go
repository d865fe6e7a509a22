package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rlm/pkg/types"
)

func TestSummarizeKeywords(t *testing.T) {
	tests := []struct {
		name   string
		blocks []types.BlockResult
		want   string
	}{
		{
			name:   "no blocks",
			blocks: nil,
			want:   "responded without code",
		},
		{
			name:   "set final",
			blocks: []types.BlockResult{{Code: `setFinal("x")`}},
			want:   "produced final answer",
		},
		{
			name:   "open and read",
			blocks: []types.BlockResult{{Code: `const t = await openTab("u"); env.x = await getText(t);`}},
			want:   "opened tab, read page text, updated environment",
		},
		{
			name:   "error suffix",
			blocks: []types.BlockResult{{Code: `await click(t, "#buy")`, Error: "no element"}},
			want:   "clicked element (error)",
		},
		{
			name:   "unrecognized code",
			blocks: []types.BlockResult{{Code: `1 + 1`}},
			want:   "ran code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Summarize(tt.blocks))
		})
	}
}

func TestReinforcementBlock(t *testing.T) {
	tr := New()
	tr.Append(types.IterationRecord{Index: 1, Summary: "opened tab"})
	tr.Append(types.IterationRecord{Index: 2, Summary: "read page text"})

	block := tr.ReinforcementBlock("find the population of Oslo", 3, 25)
	require.Contains(t, block, "find the population of Oslo")
	require.Contains(t, block, "Iteration 3 of 25.")
	require.Contains(t, block, "- Iter 1: opened tab")
	require.Contains(t, block, "- Iter 2: read page text")
}

func TestReinforcementBlockFirstIteration(t *testing.T) {
	tr := New()
	block := tr.ReinforcementBlock("do the thing", 1, 10)
	require.Contains(t, block, "do the thing")
	require.NotContains(t, block, "Progress so far")
}

func TestProgressSummaryLastThree(t *testing.T) {
	tr := New()
	for _, s := range []string{"one", "two", "three", "four", "five"} {
		tr.Append(types.IterationRecord{Summary: s})
	}
	require.Equal(t, "three; four; five", tr.ProgressSummary())
}

func TestProgressSummaryShortHistory(t *testing.T) {
	tr := New()
	require.Equal(t, "", tr.ProgressSummary())
	tr.Append(types.IterationRecord{Summary: "only"})
	require.Equal(t, "only", tr.ProgressSummary())
}

func TestRecordsReturnsCopy(t *testing.T) {
	tr := New()
	tr.Append(types.IterationRecord{Index: 1})
	records := tr.Records()
	records[0].Index = 99
	require.Equal(t, 1, tr.Records()[0].Index)
	require.Equal(t, 1, tr.Count())
}

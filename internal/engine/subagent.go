package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"rlm/internal/config"
	rlmerrors "rlm/internal/errors"
	"rlm/internal/extractor"
	"rlm/internal/llm"
	"rlm/internal/promptctx"
	"rlm/internal/repl"
	"rlm/pkg/types"
)

// Sub-call sentinels. These are result strings, never errors: sandboxed
// code must be able to branch on them without try/catch.
const (
	subCallLimitReached = "[SUB-CALL ERROR] Maximum sub-call limit reached."
	subCallCancelled    = "[SUB-CALL CANCELLED]"
)

// runSubAgent executes one mini-RLM loop: fresh REPL with recursion
// disabled, its own iteration budget, and cleanup of any tabs it opened.
func (e *Engine) runSubAgent(ctx context.Context, parent *session, prompt string, data any) string {
	// The sub-call cap is shared across the whole task, batch members
	// included. The over-cap attempt resolves to an error string and is
	// neither counted nor indexed.
	if int(e.subCallsUsed.Add(1)) > e.cfg.MaxSubCalls {
		e.subCallsUsed.Add(-1)
		return subCallLimitReached
	}
	e.metrics.SubCalls.Inc()
	subIndex := int(e.subCallSeq.Add(1)) - 1

	e.bus.Publish(types.SubLLMStartEvent{
		Prompt:       truncate(prompt, 200),
		SubCallIndex: subIndex,
	})

	result := e.subAgentLoop(ctx, parent, prompt, data)

	e.bus.Publish(types.SubLLMCompleteEvent{
		ResultMeta:   truncate(result, 200),
		SubCallIndex: subIndex,
	})
	return result
}

func (e *Engine) subAgentLoop(ctx context.Context, parent *session, prompt string, data any) string {
	preexisting, snapErr := e.tabIDSet(ctx)
	if snapErr != nil {
		e.logger.Warn("sub-agent tab snapshot failed: %v", snapErr)
	}

	subREPL, err := repl.New(repl.Options{
		Driver:          e.driver,
		Callbacks:       &subCallbacks{engine: e},
		EnableRecursion: false,
		Data:            data,
		MemoryLimitMiB:  config.ReplMemoryLimitMiB,
		Logger:          e.logger,
	})
	if err != nil {
		return fmt.Sprintf("[SUB-CALL ERROR] Failed to create sub-agent REPL: %v", err)
	}
	defer func() {
		subREPL.Dispose()
		e.closeNewTabs(preexisting)
	}()

	conversation := []llm.Message{{
		Role: "user",
		Content: promptctx.BuildSubContext(
			parent.task.UserMessage, parent.tracker.ProgressSummary(), prompt),
	}}

	consecutiveErrors := 0
	consecutiveNoCode := 0

	for iter := 1; iter <= config.MaxSubIterations; iter++ {
		if ctx.Err() != nil {
			return subCallCancelled
		}

		response, err := e.sub.Complete(ctx, llm.CompletionRequest{
			System:      promptctx.SubSystemPrompt,
			Messages:    conversation,
			Temperature: config.ModelTemperature,
			MaxTokens:   config.ModelMaxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				return subCallCancelled
			}
			// Only transient failures are worth another round trip; a bad
			// key or malformed request fails the same way every time.
			if !rlmerrors.IsTransient(err) {
				return fmt.Sprintf("[SUB-CALL ERROR] LLM failed: %v", err)
			}
			consecutiveErrors++
			if consecutiveErrors >= 3 {
				return fmt.Sprintf("[SUB-CALL ERROR] LLM failed 3 consecutive times: %v", err)
			}
			conversation = append(conversation, llm.Message{
				Role:    "user",
				Content: fmt.Sprintf("The previous model call failed (%v). Continue from where you were.", err),
			})
			continue
		}
		consecutiveErrors = 0

		blocks := extractor.Extract(response.Content)
		if len(blocks) == 0 {
			consecutiveNoCode++
			if consecutiveNoCode >= config.MaxNoCodeContinuations {
				// Best effort: the raw text is more useful than an error.
				return response.Content
			}
			conversation = append(conversation,
				llm.Message{Role: "assistant", Content: response.Content},
				llm.Message{Role: "user", Content: e.subContinuation(iter)},
			)
			continue
		}
		consecutiveNoCode = 0

		var metaParts []string
		finalFired := false
		for _, code := range blocks {
			res := subREPL.Execute(ctx, code)
			metaParts = append(metaParts, repl.ResultMetadata(res))
			if res.FinalCalled {
				finalFired = true
				break
			}
			if ctx.Err() != nil {
				return subCallCancelled
			}
		}

		if finalFired {
			return stringifyFinal(subREPL.FinalValue())
		}

		conversation = append(conversation,
			llm.Message{Role: "assistant", Content: response.Content},
			llm.Message{Role: "user", Content: fmt.Sprintf(
				"Execution results:\n%s\n\n%s", strings.Join(metaParts, "\n"), e.subContinuation(iter))},
		)
	}

	return fmt.Sprintf("[SUB-CALL ERROR] Sub-agent reached %d iterations without calling setFinal()",
		config.MaxSubIterations)
}

// subContinuation demands setFinal outright in the final two iterations.
func (e *Engine) subContinuation(iter int) string {
	if iter >= config.MaxSubIterations-2 {
		return promptctx.SubFinalDemand
	}
	return "Continue with the sub-task. Call setFinal(value) once you have the answer."
}

// runSubBatch runs per-prompt sub-agents concurrently with allSettled
// semantics: one failure never cancels the peers.
func (e *Engine) runSubBatch(ctx context.Context, parent *session, prompts []string) []types.BatchResult {
	results := make([]types.BatchResult, len(prompts))
	var group errgroup.Group

	for i, prompt := range prompts {
		i, prompt := i, prompt
		group.Go(func() error {
			value := e.runSubAgent(ctx, parent, prompt, nil)
			if isSubCallFailure(value) {
				results[i] = types.BatchResult{Status: types.BatchRejected, Error: value}
			} else {
				results[i] = types.BatchResult{Status: types.BatchFulfilled, Value: value}
			}
			return nil
		})
	}
	// Workers only record into their own slot; the group is used purely as
	// a completion barrier.
	_ = group.Wait()
	return results
}

func isSubCallFailure(value string) bool {
	return strings.HasPrefix(value, "[SUB-CALL ERROR]") || strings.HasPrefix(value, subCallCancelled)
}

// tabIDSet snapshots the currently open tab ids.
func (e *Engine) tabIDSet(ctx context.Context) (map[string]bool, error) {
	tabs, err := e.driver.ListTabs(ctx)
	if err != nil {
		return map[string]bool{}, err
	}
	set := make(map[string]bool, len(tabs))
	for _, tab := range tabs {
		set[tab.ID] = true
	}
	return set, nil
}

// closeNewTabs closes tabs that did not exist before a sub-agent ran. Uses
// a fresh context: cleanup still happens after cancellation.
func (e *Engine) closeNewTabs(preexisting map[string]bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tabs, err := e.driver.ListTabs(ctx)
	if err != nil {
		e.logger.Warn("sub-agent tab cleanup failed: %v", err)
		return
	}
	for _, tab := range tabs {
		if !preexisting[tab.ID] {
			if err := e.driver.CloseTab(ctx, tab.ID); err != nil {
				e.logger.Warn("closing sub-agent tab %s failed: %v", tab.ID, err)
			}
		}
	}
}

func stringifyFinal(value any) string {
	if value == nil {
		return "null"
	}
	if s, ok := value.(string); ok {
		return s
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// subCallbacks is the callback surface of sub-agent REPLs: logs pass
// through; recursion stays disabled at the REPL layer, these are a second
// fence.
type subCallbacks struct {
	engine *Engine
}

func (c *subCallbacks) OnLog(message string) {
	c.engine.bus.Publish(types.LogEvent{Message: message})
}

func (c *subCallbacks) OnSubCall(context.Context, string, any) string {
	return "[SUB-CALL ERROR] Recursive sub-calls are not available inside a sub-agent."
}

func (c *subCallbacks) OnSubBatch(_ context.Context, prompts []string) []types.BatchResult {
	results := make([]types.BatchResult, len(prompts))
	for i := range results {
		results[i] = types.BatchResult{
			Status: types.BatchRejected,
			Error:  "[SUB-CALL ERROR] Recursive sub-calls are not available inside a sub-agent.",
		}
	}
	return results
}

// Package engine drives the RLM iteration loop: context assembly, model
// streaming, code extraction, REPL execution, sub-agent recursion, and the
// observer event stream.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rlm/internal/browser"
	"rlm/internal/config"
	rlmerrors "rlm/internal/errors"
	"rlm/internal/events"
	"rlm/internal/extractor"
	"rlm/internal/id"
	"rlm/internal/llm"
	"rlm/internal/logging"
	"rlm/internal/metrics"
	"rlm/internal/promptctx"
	"rlm/internal/repl"
	"rlm/internal/tracker"
	"rlm/pkg/types"
)

// ErrTaskBusy is returned by SubmitTask while a task is running.
var ErrTaskBusy = fmt.Errorf("a task is already running")

// cancelledFinal is the complete payload after cooperative cancellation.
const cancelledFinal = "Task cancelled by user."

// Options wires an engine instance. One engine runs one task at a time.
type Options struct {
	Config  config.Config
	Primary llm.Client
	Sub     llm.Client
	Driver  browser.Driver
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  logging.Logger
}

// Engine is the loop controller. All public methods are safe for
// concurrent use; the iteration loop itself is strictly sequential.
type Engine struct {
	cfg     config.Config
	primary llm.Client
	sub     llm.Client
	driver  browser.Driver
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  logging.Logger

	mu        sync.Mutex
	status    types.TaskStatus
	task      *types.Task
	cancel    context.CancelFunc
	iteration int

	// confirmation is the recorded response to a gated-action prompt. The
	// driver path does not consult it yet; it is a hook point.
	confirmation *bool

	subCallsUsed atomic.Int64
	subCallSeq   atomic.Int64

	completeOnce *sync.Once
}

// New builds an engine from options. Sub falls back to Primary when unset.
func New(opts Options) *Engine {
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Sub == nil {
		opts.Sub = opts.Primary
	}
	return &Engine{
		cfg:     opts.Config,
		primary: opts.Primary,
		sub:     opts.Sub,
		driver:  opts.Driver,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger:  logging.OrNop(opts.Logger),
		status:  types.TaskIdle,
	}
}

// Bus exposes the event bus for observers.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// GetState reports the externally visible task state.
func (e *Engine) GetState() types.TaskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := types.TaskState{
		Status:        e.status,
		Iteration:     e.iteration,
		MaxIterations: e.cfg.MaxIterations,
		SubCallsUsed:  int(e.subCallsUsed.Load()),
		MaxSubCalls:   e.cfg.MaxSubCalls,
	}
	if e.task != nil {
		state.UserMessage = e.task.UserMessage
	}
	return state
}

// ConfirmationResponse records the user's answer to a gated sensitive
// action. Recording is all it does today; the driver hook is future work.
func (e *Engine) ConfirmationResponse(approved bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmation = &approved
}

// Cancel requests cooperative cancellation. Cancellation is never silent:
// if the loop has already exited, complete is re-emitted so observers can
// reset.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	running := e.status == types.TaskRunning
	e.mu.Unlock()

	if running && cancel != nil {
		cancel()
		return
	}
	e.bus.Publish(types.CompleteEvent{Final: cancelledFinal})
}

// SubmitTask starts a task for the given user message. Fails with
// ErrTaskBusy while another task runs; configuration errors surface both as
// events and as the returned error.
func (e *Engine) SubmitTask(message string) error {
	e.mu.Lock()
	if e.status == types.TaskRunning {
		e.mu.Unlock()
		return ErrTaskBusy
	}

	if err := e.cfg.Validate(); err != nil {
		e.mu.Unlock()
		cfgErr := rlmerrors.NewConfigError("configuration error: %v", err)
		e.bus.Publish(types.ErrorEvent{Error: cfgErr.Error()})
		e.bus.Publish(types.CompleteEvent{Final: nil})
		return cfgErr
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.task = &types.Task{
		ID:            id.NewTaskID(),
		UserMessage:   message,
		MaxIterations: e.cfg.MaxIterations,
		MaxSubCalls:   e.cfg.MaxSubCalls,
		Status:        types.TaskRunning,
		StartTime:     time.Now(),
	}
	e.status = types.TaskRunning
	e.cancel = cancel
	e.iteration = 0
	e.subCallsUsed.Store(0)
	e.subCallSeq.Store(0)
	e.completeOnce = &sync.Once{}
	e.mu.Unlock()

	go e.run(ctx)
	return nil
}

// finish transitions to a terminal status and emits the single complete
// event for the task.
func (e *Engine) finish(status types.TaskStatus, final any) {
	e.mu.Lock()
	once := e.completeOnce
	e.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() {
		e.mu.Lock()
		e.status = status
		if e.task != nil {
			e.task.Status = status
		}
		e.mu.Unlock()
		e.metrics.TasksComplete.WithLabelValues(string(status)).Inc()
		e.bus.Publish(types.CompleteEvent{Final: final})
	})
}

// run executes the whole task lifecycle. A process-level recover turns
// internal panics into error events instead of crashing the engine.
func (e *Engine) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine panic: %v", r)
			e.bus.Publish(types.ErrorEvent{Error: fmt.Sprintf("internal error: %v", r)})
			e.finish(types.TaskError, nil)
		}
	}()

	e.mu.Lock()
	task := e.task
	e.mu.Unlock()

	session, err := newSession(e, task)
	if err != nil {
		e.bus.Publish(types.ErrorEvent{Error: err.Error()})
		e.finish(types.TaskError, nil)
		return
	}
	defer session.dispose()

	session.runLoop(ctx)
}

// session is the per-task state: REPL, tracker, snapshotter, conversation.
type session struct {
	engine  *Engine
	task    *types.Task
	repl    *repl.REPL
	tracker *tracker.Tracker
	snap    *browser.Snapshotter

	conversation      []llm.Message
	consecutiveNoCode int
}

func newSession(e *Engine, task *types.Task) (*session, error) {
	s := &session{
		engine:  e,
		task:    task,
		tracker: tracker.New(),
		snap:    browser.NewSnapshotter(e.driver),
	}
	r, err := repl.New(repl.Options{
		Driver:          e.driver,
		Callbacks:       &mainCallbacks{engine: e, session: s},
		EnableRecursion: true,
		MemoryLimitMiB:  config.ReplMemoryLimitMiB,
		Logger:          e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create REPL: %w", err)
	}
	s.repl = r

	// Baseline snapshot so iteration 1 reports no spurious changes.
	if err := s.snap.Capture(context.Background()); err != nil {
		e.logger.Warn("initial tab snapshot failed: %v", err)
	}
	return s, nil
}

// dispose tears down per-task state. REPL state never survives a task.
func (s *session) dispose() {
	s.repl.Dispose()
}

// runLoop is the main-agent iteration state machine.
func (s *session) runLoop(ctx context.Context) {
	e := s.engine

	for iter := 1; iter <= s.task.MaxIterations; iter++ {
		if ctx.Err() != nil {
			e.finish(types.TaskCancelled, cancelledFinal)
			return
		}

		e.mu.Lock()
		e.iteration = iter
		e.mu.Unlock()
		e.metrics.Iterations.Inc()
		e.bus.Publish(types.IterationStartEvent{Iteration: iter, TaskGoal: s.task.UserMessage})
		startTime := time.Now()

		changes, err := s.snap.Diff(ctx)
		if err != nil {
			e.logger.Warn("tab diff failed: %v", err)
			changes = nil
		}
		if len(changes) > 0 {
			e.bus.Publish(types.PageChangesEvent{Changes: changes})
		}

		userTurn := s.buildUserTurn(iter, changes)
		messages := append(append([]llm.Message{}, s.conversation...),
			llm.Message{Role: "user", Content: userTurn})

		response, err := e.primary.StreamComplete(ctx, llm.CompletionRequest{
			System:      promptctx.MainSystemPrompt,
			Messages:    messages,
			Temperature: config.ModelTemperature,
			MaxTokens:   config.ModelMaxTokens,
		}, llm.StreamCallbacks{
			OnToken: func(token string) {
				e.bus.Publish(types.StreamTokenEvent{Token: token, Iteration: iter})
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				e.finish(types.TaskCancelled, cancelledFinal)
				return
			}
			e.bus.Publish(types.ErrorEvent{Error: fmt.Sprintf("model request failed: %v", err)})
			e.finish(types.TaskError, nil)
			return
		}

		blocks := extractor.Extract(response.Content)

		if len(blocks) == 0 {
			s.consecutiveNoCode++
			if s.consecutiveNoCode >= config.MaxNoCodeContinuations {
				e.bus.Publish(types.ErrorEvent{Error: fmt.Sprintf(
					"model produced no executable code in %d consecutive iterations", s.consecutiveNoCode)})
				e.finish(types.TaskError, nil)
				return
			}
			s.conversation = append(s.conversation,
				llm.Message{Role: "user", Content: userTurn},
				llm.Message{Role: "assistant", Content: response.Content},
				llm.Message{Role: "user", Content: promptctx.ContinuationMessage},
			)
			s.tracker.Append(types.IterationRecord{
				Index:        iter,
				StartTime:    startTime,
				Duration:     time.Since(startTime),
				Summary:      tracker.Summarize(nil),
				FullMetadata: fmt.Sprintf("Iter %d: no code produced", iter),
				PageChanges:  changes,
			})
			continue
		}

		s.consecutiveNoCode = 0
		results, finalFired := s.executeBlocks(ctx, blocks)

		record := types.IterationRecord{
			Index:        iter,
			StartTime:    startTime,
			Duration:     time.Since(startTime),
			Blocks:       results,
			Summary:      tracker.Summarize(results),
			FullMetadata: composeFullMetadata(iter, results),
			PageChanges:  changes,
		}
		s.tracker.Append(record)
		s.task.Iterations = append(s.task.Iterations, record)

		e.bus.Publish(types.EnvUpdateEvent{
			Metadata: repl.EnvMetadataJSON(s.repl.EnvDescriptors()),
		})

		s.conversation = append(s.conversation,
			llm.Message{Role: "user", Content: userTurn},
			llm.Message{Role: "assistant", Content: response.Content},
		)

		if finalFired {
			e.finish(types.TaskComplete, s.repl.FinalValue())
			return
		}
		if ctx.Err() != nil {
			e.finish(types.TaskCancelled, cancelledFinal)
			return
		}
	}

	// Iteration cap: a bounded run is a partial success, never an error.
	e.finish(types.TaskComplete, fmt.Sprintf(
		"Reached maximum iterations (%d). Partial results may be available.", s.task.MaxIterations))
}

// executeBlocks runs the extracted blocks in order, stopping early when
// setFinal fires or cancellation lands between blocks.
func (s *session) executeBlocks(ctx context.Context, blocks []string) ([]types.BlockResult, bool) {
	e := s.engine
	var results []types.BlockResult

	for i, code := range blocks {
		e.bus.Publish(types.CodeGeneratedEvent{Code: code, BlockIndex: i})

		blockStart := time.Now()
		res := s.repl.Execute(ctx, code)
		e.metrics.CodeBlocks.Inc()
		e.metrics.BlockSeconds.Observe(time.Since(blockStart).Seconds())

		metadata := repl.ResultMetadata(res)
		result := types.BlockResult{Code: code, Metadata: metadata}
		if res.RuntimeErr != nil {
			result.Error = res.RuntimeErr.Message
			e.metrics.BlockErrors.Inc()
		}
		results = append(results, result)

		e.bus.Publish(types.CodeResultEvent{
			Metadata:   metadata,
			BlockIndex: i,
			Error:      result.Error,
		})

		if res.FinalCalled {
			return results, true
		}
		if ctx.Err() != nil {
			return results, false
		}
	}
	return results, false
}

// buildUserTurn renders the ordered context sections for this iteration.
func (s *session) buildUserTurn(iter int, changes []types.PageChange) string {
	e := s.engine
	ctx := context.Background()

	tabCount := 0
	activeTab := ""
	if tabs, err := e.driver.ListTabs(ctx); err == nil {
		tabCount = len(tabs)
	}
	if active, err := e.driver.ActiveTabID(ctx); err == nil {
		activeTab = active
	}

	return promptctx.BuildUserTurn(promptctx.IterationInput{
		UserMessage:   s.task.UserMessage,
		Iteration:     iter,
		MaxIterations: s.task.MaxIterations,
		Reinforcement: s.tracker.ReinforcementBlock(s.task.UserMessage, iter, s.task.MaxIterations),
		PageChanges:   changes,
		TabCount:      tabCount,
		ActiveTabID:   activeTab,
		EnvEntries:    s.repl.EnvDescriptors(),
		Records:       s.tracker.Records(),
	})
}

// composeFullMetadata joins per-block metadata, prefixing block numbers
// when an iteration ran more than one block.
func composeFullMetadata(iter int, results []types.BlockResult) string {
	if len(results) == 1 {
		return fmt.Sprintf("Iter %d: %s", iter, results[0].Metadata)
	}
	out := fmt.Sprintf("Iter %d:", iter)
	for i, result := range results {
		out += fmt.Sprintf("\nBlock %d: %s", i+1, result.Metadata)
	}
	return out
}

// mainCallbacks is the EngineCallbacks implementation handed to the main
// REPL; it routes logs to the bus and sub-calls into the recursion loop.
type mainCallbacks struct {
	engine  *Engine
	session *session
}

func (c *mainCallbacks) OnLog(message string) {
	c.engine.bus.Publish(types.LogEvent{Message: message})
}

func (c *mainCallbacks) OnSubCall(ctx context.Context, prompt string, data any) string {
	return c.engine.runSubAgent(ctx, c.session, prompt, data)
}

func (c *mainCallbacks) OnSubBatch(ctx context.Context, prompts []string) []types.BatchResult {
	return c.engine.runSubBatch(ctx, c.session, prompts)
}

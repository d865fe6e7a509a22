// Package repl implements the sandboxed JavaScript runtime the model writes
// code against: a goja evaluator with a capability-restricted API surface,
// declaration hoisting across executions, wall-clock interrupts, and
// JSON-safe value passing at the boundary.
package repl

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"rlm/internal/browser"
	"rlm/internal/config"
	"rlm/internal/logging"
	"rlm/pkg/types"
)

// Callbacks is the engine-side handle the REPL calls back into. Keeping it
// an interface breaks the controller/REPL ownership cycle and makes the
// REPL mockable in isolation.
type Callbacks interface {
	// OnLog receives log() output, already capped.
	OnLog(message string)
	// OnSubCall runs a sub-agent and returns its result string. Error
	// conditions come back as strings, never as errors.
	OnSubCall(ctx context.Context, prompt string, data any) string
	// OnSubBatch runs sub-agents concurrently with allSettled semantics.
	OnSubBatch(ctx context.Context, prompts []string) []types.BatchResult
}

// Options configures a REPL instance.
type Options struct {
	Driver browser.Driver
	// Callbacks may be nil in tests; recursion APIs then return error
	// strings.
	Callbacks Callbacks
	// EnableRecursion exposes llm_query/llm_batch. Sub-agent REPLs run with
	// this off: the APIs exist but return error strings.
	EnableRecursion bool
	// Data is injected as __data when non-nil (sub-agent input).
	Data any
	// MemoryLimitMiB is advisory; the engine enforces resource bounds via
	// the result/log/sleep caps and the interrupt watchdog.
	MemoryLimitMiB int
	Logger         logging.Logger
}

// ExecResult is the outcome of one Execute call.
type ExecResult struct {
	// Value is the JSON-safe, size-capped completion value of the block.
	Value any
	// RuntimeErr is set when the block threw; execution errors never
	// propagate as Go errors.
	RuntimeErr *RuntimeError
	// FinalCalled reports whether setFinal fired during this block.
	FinalCalled bool
}

// REPL is one sandboxed evaluator. Not safe for concurrent Execute calls;
// the engine serializes block execution per REPL.
type REPL struct {
	vm     *goja.Runtime
	opts   Options
	logger logging.Logger

	docs *DocRegistry

	mu          sync.Mutex
	finalCalled bool
	finalValue  any

	hoisted map[string]bool

	// execCtx is the context of the in-flight Execute, read by host API
	// functions for cancellation and per-call timeouts.
	execCtx context.Context

	disposed bool
}

// New creates a REPL with the full capability surface bound.
func New(opts Options) (*REPL, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(2048)

	r := &REPL{
		vm:      vm,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		docs:    NewDocRegistry(),
		hoisted: make(map[string]bool),
		execCtx: context.Background(),
	}

	if err := r.bindAPI(); err != nil {
		return nil, fmt.Errorf("bind REPL API: %w", err)
	}
	if opts.Data != nil {
		if err := vm.Set("__data", JSONSafe(opts.Data)); err != nil {
			return nil, fmt.Errorf("inject __data: %w", err)
		}
	}
	return r, nil
}

// Dispose tears the REPL down: document handles are released and further
// executes fail.
func (r *REPL) Dispose() {
	r.mu.Lock()
	r.disposed = true
	r.mu.Unlock()
	r.docs.Clear()
}

// FinalCalled reports whether setFinal has fired in this REPL.
func (r *REPL) FinalCalled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalCalled
}

// FinalValue returns the JSON-safe value passed to setFinal.
func (r *REPL) FinalValue() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalValue
}

// Execute runs one code block. The final-called flag resets at entry;
// declarations hoist to globals; the block is wrapped in an async IIFE and
// bounded by the execution timeout and ctx.
func (r *REPL) Execute(ctx context.Context, code string) ExecResult {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ExecResult{RuntimeErr: NewRuntimeError("REPL has been disposed", "")}
	}
	r.finalCalled = false
	r.execCtx = ctx
	r.mu.Unlock()

	transformed, names := HoistDeclarations(code)
	for _, name := range names {
		if r.hoisted[name] {
			continue
		}
		if _, err := r.vm.RunString("var " + name + ";"); err != nil {
			return ExecResult{RuntimeErr: NewRuntimeError(fmt.Sprintf("hoist %s: %v", name, err), "")}
		}
		r.hoisted[name] = true
	}

	wrapped := "(async () => {\n" + transformed + "\n})()"

	// Watchdog: wall-clock timeout plus cooperative cancellation, both via
	// the interpreter interrupt.
	done := make(chan struct{})
	timer := time.AfterFunc(config.ExecTimeout, func() {
		r.vm.Interrupt("execution timed out")
	})
	go func() {
		select {
		case <-ctx.Done():
			r.vm.Interrupt("cancelled")
		case <-done:
		}
	}()
	defer func() {
		timer.Stop()
		close(done)
		r.vm.ClearInterrupt()
	}()

	value, err := r.vm.RunString(wrapped)
	result := ExecResult{FinalCalled: r.FinalCalled()}

	if err != nil {
		result.RuntimeErr = classifyRunError(err)
		return result
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		result.Value = CapResult(value.Export())
		return result
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		result.Value = CapResult(promise.Result().Export())
	case goja.PromiseStateRejected:
		result.RuntimeErr = rejectionError(promise.Result())
	default:
		// All host operations are synchronous, so a pending promise means
		// the block awaited something that can never settle.
		result.RuntimeErr = NewRuntimeError("asynchronous operation did not settle", "")
	}
	result.FinalCalled = r.FinalCalled()
	return result
}

func classifyRunError(err error) *RuntimeError {
	var interrupted *goja.InterruptedError
	if ok := asGojaInterrupted(err, &interrupted); ok {
		return NewRuntimeError(fmt.Sprintf("execution interrupted: %v", interrupted.Value()), "")
	}
	var exception *goja.Exception
	if ok := asGojaException(err, &exception); ok {
		return NewRuntimeError(exception.Value().String(), exception.String())
	}
	return NewRuntimeError(err.Error(), "")
}

func asGojaInterrupted(err error, target **goja.InterruptedError) bool {
	if ie, ok := err.(*goja.InterruptedError); ok {
		*target = ie
		return true
	}
	return false
}

func asGojaException(err error, target **goja.Exception) bool {
	if ex, ok := err.(*goja.Exception); ok {
		*target = ex
		return true
	}
	return false
}

func rejectionError(reason goja.Value) *RuntimeError {
	message := reason.String()
	stack := ""
	if obj, ok := reason.(*goja.Object); ok {
		if msgVal := obj.Get("message"); msgVal != nil && !goja.IsUndefined(msgVal) {
			message = msgVal.String()
		}
		if stackVal := obj.Get("stack"); stackVal != nil && !goja.IsUndefined(stackVal) {
			stack = stackVal.String()
		}
	}
	return NewRuntimeError(message, stack)
}

// EnvEntry pairs a variable name with its structural descriptor.
type EnvEntry struct {
	Name       string     `json:"name"`
	Source     string     `json:"source"` // "env" or "global"
	Descriptor Descriptor `json:"descriptor"`
}

// EnvDescriptors enumerates env.* keys and hoisted user globals as
// structural descriptors. This, not raw values, is what reaches the model.
func (r *REPL) EnvDescriptors() []EnvEntry {
	var entries []EnvEntry

	if envVal := r.vm.GlobalObject().Get("env"); envVal != nil {
		if envObj, ok := envVal.(*goja.Object); ok {
			keys := envObj.Keys()
			sort.Strings(keys)
			for _, key := range keys {
				value := JSONSafe(envObj.Get(key).Export())
				entries = append(entries, EnvEntry{
					Name:       "env." + key,
					Source:     "env",
					Descriptor: Describe(value),
				})
			}
		}
	}

	names := make([]string, 0, len(r.hoisted))
	for name := range r.hoisted {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if isReservedName(name) {
			continue
		}
		val := r.vm.GlobalObject().Get(name)
		if val == nil || goja.IsUndefined(val) {
			continue
		}
		exported := val.Export()
		if _, isFunc := goja.AssertFunction(val); isFunc {
			// Function bindings carry no inspectable data.
			continue
		}
		entries = append(entries, EnvEntry{
			Name:       name,
			Source:     "global",
			Descriptor: Describe(JSONSafe(exported)),
		})
	}
	return entries
}

// reservedNames is the closed allowlist of API and host names excluded from
// environment metadata.
var reservedNames = map[string]bool{
	"env": true, "tabs": true, "activeTab": true, "openTab": true,
	"closeTab": true, "navigate": true, "switchTab": true,
	"waitForLoad": true, "waitForSelector": true, "execInTab": true,
	"getText": true, "getDOM": true, "getLinks": true, "getInputs": true,
	"querySelector": true, "querySelectorAll": true,
	"getSearchResults": true, "getWikiTables": true, "click": true,
	"type": true, "scroll": true, "parseHTML": true, "parsePage": true,
	"domQueryAll": true, "domQueryOne": true, "domQueryText": true,
	"freeDoc": true, "llm_query": true, "llm_batch": true,
	"setFinal": true, "log": true, "sleep": true, "__data": true,
}

func isReservedName(name string) bool {
	return reservedNames[name] || strings.HasPrefix(name, "__")
}

package repl

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"rlm/internal/browser"
	"rlm/internal/config"
	"rlm/pkg/types"
)

// subCallDisabled is the result of recursion APIs inside sub-agent REPLs.
const subCallDisabled = "[SUB-CALL ERROR] Recursive sub-calls are not available inside a sub-agent."

// bindAPI installs the capability surface on the runtime's global object.
// Nothing outside this list is reachable from sandboxed code.
func (r *REPL) bindAPI() error {
	vm := r.vm

	// env: the distinguished mutable record for user values.
	if err := vm.Set("env", vm.NewObject()); err != nil {
		return err
	}

	global := vm.GlobalObject()

	// Tab listing is exposed as getters so the model reads live state.
	if err := global.DefineAccessorProperty("tabs",
		vm.ToValue(func() any { return r.listTabs() }), nil,
		goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}
	if err := global.DefineAccessorProperty("activeTab",
		vm.ToValue(func() any { return r.activeTab() }), nil,
		goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}

	bindings := map[string]any{
		// Tab management.
		"openTab":   r.apiOpenTab,
		"closeTab":  r.apiCloseTab,
		"navigate":  r.apiNavigate,
		"switchTab": r.apiSwitchTab,
		"waitForLoad": func(tabID string, timeoutMS float64) (bool, error) {
			return r.apiWait(tabID, "", timeoutMS)
		},
		"waitForSelector": func(tabID, selector string, timeoutMS float64) (bool, error) {
			return r.apiWait(tabID, selector, timeoutMS)
		},

		// DOM introspection via tab scripts.
		"execInTab": r.apiExecInTab,
		"getText": func(tabID, selector string) (any, error) {
			return r.tabScript(tabID, browser.OpGetText, browser.ScriptArgs{Selector: selector})
		},
		"getDOM": func(tabID, selector string) (any, error) {
			return r.tabScript(tabID, browser.OpGetDOM, browser.ScriptArgs{Selector: selector})
		},
		"getLinks": func(tabID string) (any, error) {
			return r.tabScript(tabID, browser.OpGetLinks, browser.ScriptArgs{})
		},
		"getInputs": func(tabID string) (any, error) {
			return r.tabScript(tabID, browser.OpGetInputs, browser.ScriptArgs{})
		},
		"querySelector": func(tabID, selector string) (any, error) {
			return r.tabScript(tabID, browser.OpQueryOne, browser.ScriptArgs{Selector: selector})
		},
		"querySelectorAll": func(tabID, selector string) (any, error) {
			return r.tabScript(tabID, browser.OpQueryAll, browser.ScriptArgs{Selector: selector})
		},
		"getSearchResults": func(tabID string) (any, error) {
			return r.tabScript(tabID, browser.OpSearchResults, browser.ScriptArgs{})
		},
		"getWikiTables": func(tabID string) (any, error) {
			return r.tabScript(tabID, browser.OpWikiTables, browser.ScriptArgs{})
		},

		// Browser actions.
		"click": func(tabID, selector string) (any, error) {
			return r.tabScript(tabID, browser.OpClick, browser.ScriptArgs{Selector: selector})
		},
		"type": func(tabID, selector, text string) (any, error) {
			return r.tabScript(tabID, browser.OpType, browser.ScriptArgs{Selector: selector, Text: text})
		},
		"scroll": r.apiScroll,

		// Host-side DOM parsing.
		"parseHTML": func(html string) (string, error) {
			return r.docs.Parse(html)
		},
		"parsePage":    r.apiParsePage,
		"domQueryAll":  r.apiDomQueryAll,
		"domQueryOne":  r.apiDomQueryOne,
		"domQueryText": r.docs.QueryText,
		"freeDoc": func(handle string) {
			r.docs.Free(handle)
		},

		// Recursion.
		"llm_query": r.apiLLMQuery,
		"llm_batch": r.apiLLMBatch,

		// State and output.
		"setFinal": r.apiSetFinal,
		"log":      r.apiLog,
		"sleep":    r.apiSleep,
	}

	for name, fn := range bindings {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

func (r *REPL) listTabs() any {
	tabs, err := r.opts.Driver.ListTabs(r.execCtx)
	if err != nil {
		panic(r.vm.NewGoError(err))
	}
	return JSONSafe(tabs)
}

func (r *REPL) activeTab() any {
	tabID, err := r.opts.Driver.ActiveTabID(r.execCtx)
	if err != nil {
		panic(r.vm.NewGoError(err))
	}
	if tabID == "" {
		return nil
	}
	return tabID
}

func (r *REPL) apiOpenTab(url string) (string, error) {
	return r.opts.Driver.OpenTab(r.execCtx, url)
}

func (r *REPL) apiCloseTab(tabID string) (bool, error) {
	if err := r.opts.Driver.CloseTab(r.execCtx, tabID); err != nil {
		return false, err
	}
	return true, nil
}

func (r *REPL) apiNavigate(tabID, url string) (bool, error) {
	if err := r.opts.Driver.Navigate(r.execCtx, tabID, url); err != nil {
		return false, err
	}
	return true, nil
}

func (r *REPL) apiSwitchTab(tabID string) (bool, error) {
	if err := r.opts.Driver.SwitchTab(r.execCtx, tabID); err != nil {
		return false, err
	}
	return true, nil
}

func (r *REPL) apiWait(tabID, selector string, timeoutMS float64) (bool, error) {
	timeout := config.TabWaitTimeout
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	var err error
	if selector == "" {
		err = r.opts.Driver.WaitForLoad(r.execCtx, tabID, timeout)
	} else {
		err = r.opts.Driver.WaitForSelector(r.execCtx, tabID, selector, timeout)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// apiExecInTab runs arbitrary code in the tab's page context under the
// per-call timeout, capping the serialized result.
func (r *REPL) apiExecInTab(tabID, code string) (any, error) {
	ctx, cancel := context.WithTimeout(r.execCtx, config.ExecInTabTimeout)
	defer cancel()
	value, err := r.opts.Driver.Exec(ctx, tabID, code)
	if err != nil {
		return nil, err
	}
	return CapResult(value), nil
}

func (r *REPL) tabScript(tabID string, op browser.ScriptOp, args browser.ScriptArgs) (any, error) {
	ctx, cancel := context.WithTimeout(r.execCtx, config.ExecInTabTimeout)
	defer cancel()
	value, err := r.opts.Driver.Exec(ctx, tabID, browser.Script(op, args))
	if err != nil {
		return nil, err
	}
	return CapResult(value), nil
}

func (r *REPL) apiScroll(tabID, dir string, amount float64) (any, error) {
	if amount <= 0 {
		amount = 500
	}
	return r.tabScript(tabID, browser.OpScroll, browser.ScriptArgs{Dir: dir, Amount: int(amount)})
}

func (r *REPL) apiParsePage(tabID, selector string) (string, error) {
	value, err := r.tabScript(tabID, browser.OpGetDOM, browser.ScriptArgs{Selector: selector})
	if err != nil {
		return "", err
	}
	html, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("no element matches selector %q", selector)
	}
	return r.docs.Parse(html)
}

func (r *REPL) apiDomQueryAll(handle, selector string) (any, error) {
	nodes, err := r.docs.QueryAll(handle, selector)
	if err != nil {
		return nil, err
	}
	return CapResult(nodes), nil
}

func (r *REPL) apiDomQueryOne(handle, selector string) (any, error) {
	node, err := r.docs.QueryOne(handle, selector)
	if err != nil {
		return nil, err
	}
	return CapResult(node), nil
}

// apiLLMQuery spawns a sub-agent. Every failure mode resolves to a string
// so sandboxed code never has to guard recursion calls.
func (r *REPL) apiLLMQuery(prompt string, data any) string {
	if !r.opts.EnableRecursion || r.opts.Callbacks == nil {
		return subCallDisabled
	}
	return r.opts.Callbacks.OnSubCall(r.execCtx, prompt, JSONSafe(data))
}

func (r *REPL) apiLLMBatch(prompts []string) any {
	if !r.opts.EnableRecursion || r.opts.Callbacks == nil {
		results := make([]types.BatchResult, len(prompts))
		for i := range results {
			results[i] = types.BatchResult{Status: types.BatchRejected, Error: subCallDisabled}
		}
		return JSONSafe(results)
	}
	return JSONSafe(r.opts.Callbacks.OnSubBatch(r.execCtx, prompts))
}

func (r *REPL) apiSetFinal(value goja.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalCalled = true
	if value == nil || goja.IsUndefined(value) {
		r.finalValue = nil
		return
	}
	r.finalValue = JSONSafe(value.Export())
}

func (r *REPL) apiLog(message string) {
	if len(message) > config.LogMaxChars {
		message = message[:config.LogMaxChars]
	}
	if r.opts.Callbacks != nil {
		r.opts.Callbacks.OnLog(message)
	} else {
		r.logger.Info("repl log: %s", message)
	}
}

// apiSleep pauses up to the sleep cap, honoring cancellation.
func (r *REPL) apiSleep(ms float64) error {
	if ms < 0 {
		ms = 0
	}
	if ms > config.SleepCapMS {
		ms = config.SleepCapMS
	}
	select {
	case <-r.execCtx.Done():
		return r.execCtx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	}
}

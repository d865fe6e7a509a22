package repl

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"rlm/internal/browser"
	"rlm/internal/logging"
	"rlm/pkg/types"
)

type testCallbacks struct {
	logs     []string
	subCalls []string
}

func (c *testCallbacks) OnLog(message string) {
	c.logs = append(c.logs, message)
}

func (c *testCallbacks) OnSubCall(_ context.Context, prompt string, _ any) string {
	c.subCalls = append(c.subCalls, prompt)
	return "sub-result for " + prompt
}

func (c *testCallbacks) OnSubBatch(_ context.Context, prompts []string) []types.BatchResult {
	results := make([]types.BatchResult, len(prompts))
	for i, prompt := range prompts {
		results[i] = types.BatchResult{Status: types.BatchFulfilled, Value: "batch:" + prompt}
	}
	return results
}

func newTestREPL(t *testing.T, opts Options) *REPL {
	t.Helper()
	if opts.Driver == nil {
		opts.Driver = browser.NewMemDriver()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(r.Dispose)
	return r
}

func TestExecuteSimpleExpression(t *testing.T) {
	r := newTestREPL(t, Options{})
	res := r.Execute(context.Background(), "return 1 + 2")
	require.Nil(t, res.RuntimeErr)
	require.False(t, res.FinalCalled)
	require.EqualValues(t, 3, res.Value)
}

func TestSetFinal(t *testing.T) {
	r := newTestREPL(t, Options{})
	res := r.Execute(context.Background(), `setFinal({answer: 42})`)
	require.Nil(t, res.RuntimeErr)
	require.True(t, res.FinalCalled)
	require.True(t, r.FinalCalled())

	final, ok := r.FinalValue().(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 42, final["answer"])
}

func TestFinalCalledResetsPerExecute(t *testing.T) {
	r := newTestREPL(t, Options{})
	res := r.Execute(context.Background(), `setFinal("x")`)
	require.True(t, res.FinalCalled)

	res = r.Execute(context.Background(), `env.y = 1`)
	require.False(t, res.FinalCalled)
}

func TestDeclarationsPersistAcrossExecutes(t *testing.T) {
	r := newTestREPL(t, Options{})

	res := r.Execute(context.Background(), `const greeting = "hello"`)
	require.Nil(t, res.RuntimeErr)

	res = r.Execute(context.Background(), `return greeting + " world"`)
	require.Nil(t, res.RuntimeErr)
	require.Equal(t, "hello world", res.Value)

	res = r.Execute(context.Background(), `let n = 10; var m = 4;`)
	require.Nil(t, res.RuntimeErr)

	res = r.Execute(context.Background(), `return n + m`)
	require.Nil(t, res.RuntimeErr)
	require.EqualValues(t, 14, res.Value)
}

func TestEnvPersists(t *testing.T) {
	r := newTestREPL(t, Options{})

	res := r.Execute(context.Background(), `env.items = [1, 2, 3]`)
	require.Nil(t, res.RuntimeErr)

	res = r.Execute(context.Background(), `return env.items.length`)
	require.Nil(t, res.RuntimeErr)
	require.EqualValues(t, 3, res.Value)
}

func TestAwaitOnHostFunctions(t *testing.T) {
	r := newTestREPL(t, Options{})
	res := r.Execute(context.Background(), `
const t = await openTab("https://nowhere.test/");
return typeof t;`)
	require.Nil(t, res.RuntimeErr)
	require.Equal(t, "string", res.Value)
}

func TestRuntimeErrorIsCapturedNotRaised(t *testing.T) {
	r := newTestREPL(t, Options{})
	res := r.Execute(context.Background(), `definitelyNotDefined()`)
	require.NotNil(t, res.RuntimeErr)
	require.Contains(t, res.RuntimeErr.Message, "definitelyNotDefined")

	// The REPL survives.
	res = r.Execute(context.Background(), `return "still alive"`)
	require.Nil(t, res.RuntimeErr)
	require.Equal(t, "still alive", res.Value)
}

func TestThrownErrorBecomesSentinel(t *testing.T) {
	r := newTestREPL(t, Options{})
	res := r.Execute(context.Background(), `throw new Error("boom")`)
	require.NotNil(t, res.RuntimeErr)
	require.Contains(t, res.RuntimeErr.Message, "boom")

	sentinel := res.RuntimeErr.Sentinel()
	require.Equal(t, true, sentinel["__rlm_error"])
	require.LessOrEqual(t, len(res.RuntimeErr.Stack), 500)
}

func TestResultCap(t *testing.T) {
	r := newTestREPL(t, Options{})
	res := r.Execute(context.Background(), `return "x".repeat(200000)`)
	require.Nil(t, res.RuntimeErr)
	require.True(t, IsTruncated(res.Value), "oversize result must become the truncated sentinel")

	m := res.Value.(map[string]any)
	origLen, ok := m["originalLength"].(int)
	require.True(t, ok)
	require.Greater(t, origLen, 100_000)
}

func TestLogCapAndCallback(t *testing.T) {
	cb := &testCallbacks{}
	r := newTestREPL(t, Options{Callbacks: cb})

	res := r.Execute(context.Background(), `log("hello"); log("y".repeat(10000));`)
	require.Nil(t, res.RuntimeErr)
	require.Len(t, cb.logs, 2)
	require.Equal(t, "hello", cb.logs[0])
	require.Len(t, cb.logs[1], 5000)
}

func TestLLMQueryRoutesThroughCallbacks(t *testing.T) {
	cb := &testCallbacks{}
	r := newTestREPL(t, Options{Callbacks: cb, EnableRecursion: true})

	res := r.Execute(context.Background(), `
const answer = await llm_query("what is up");
return answer;`)
	require.Nil(t, res.RuntimeErr)
	require.Equal(t, "sub-result for what is up", res.Value)
	require.Equal(t, []string{"what is up"}, cb.subCalls)
}

func TestLLMQueryDisabledReturnsErrorString(t *testing.T) {
	cb := &testCallbacks{}
	r := newTestREPL(t, Options{Callbacks: cb, EnableRecursion: false})

	res := r.Execute(context.Background(), `return await llm_query("nope")`)
	require.Nil(t, res.RuntimeErr)
	value, ok := res.Value.(string)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(value, "[SUB-CALL ERROR]"))
	require.Empty(t, cb.subCalls)
}

func TestLLMBatch(t *testing.T) {
	cb := &testCallbacks{}
	r := newTestREPL(t, Options{Callbacks: cb, EnableRecursion: true})

	res := r.Execute(context.Background(), `
const results = await llm_batch(["a", "b"]);
return results.map(r => r.status + ":" + r.value).join(",");`)
	require.Nil(t, res.RuntimeErr)
	require.Equal(t, "fulfilled:batch:a,fulfilled:batch:b", res.Value)
}

func TestDataInjection(t *testing.T) {
	r := newTestREPL(t, Options{Data: map[string]any{"names": []any{"ada", "grace"}}})
	res := r.Execute(context.Background(), `return __data.names.join("+")`)
	require.Nil(t, res.RuntimeErr)
	require.Equal(t, "ada+grace", res.Value)
}

func TestSleepIsCappedAndQuick(t *testing.T) {
	r := newTestREPL(t, Options{})
	res := r.Execute(context.Background(), `await sleep(1); return "slept"`)
	require.Nil(t, res.RuntimeErr)
	require.Equal(t, "slept", res.Value)
}

func TestCancellationInterruptsExecution(t *testing.T) {
	r := newTestREPL(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		cancel()
	}()
	res := r.Execute(ctx, `while (true) {}`)
	require.NotNil(t, res.RuntimeErr, "a cancelled infinite loop must come back as a runtime error")
	require.Contains(t, res.RuntimeErr.Message, "interrupted")
}

func TestDisposedREPLRejectsExecution(t *testing.T) {
	r := newTestREPL(t, Options{})
	r.Dispose()
	res := r.Execute(context.Background(), `return 1`)
	require.NotNil(t, res.RuntimeErr)
	require.Contains(t, res.RuntimeErr.Message, "disposed")
}

func TestTabAPIsAgainstMemDriver(t *testing.T) {
	driver := browser.NewMemDriver()
	driver.RegisterPage("https://docs.test/", browser.Page{
		Title: "Docs",
		HTML: `<html><body>
<h1 id="title" class="main">Welcome</h1>
<p>First paragraph.</p>
<a href="https://a.test/">Link A</a>
<a href="https://b.test/">Link B</a>
<input type="text" name="q" placeholder="Search">
</body></html>`,
	})
	r := newTestREPL(t, Options{Driver: driver})

	res := r.Execute(context.Background(), `
const tab = await openTab("https://docs.test/");
await waitForLoad(tab);
env.text = await getText(tab, "h1");
env.links = await getLinks(tab);
env.inputs = await getInputs(tab);
env.node = await querySelector(tab, "#title");
return {
  text: env.text,
  linkCount: env.links.length,
  inputName: env.inputs[0].name,
  nodeTag: env.node.tag,
  tabCount: tabs.length,
  active: activeTab === tab,
};`)
	require.Nil(t, res.RuntimeErr)

	out, ok := res.Value.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Welcome", out["text"])
	require.EqualValues(t, 2, out["linkCount"])
	require.Equal(t, "q", out["inputName"])
	require.Equal(t, "h1", out["nodeTag"])
	require.EqualValues(t, 1, out["tabCount"])
	require.Equal(t, true, out["active"])
}

func TestHostDOMParsing(t *testing.T) {
	r := newTestREPL(t, Options{})
	res := r.Execute(context.Background(), `
const doc = parseHTML('<div><span class="x">one</span><span class="x">two</span></div>');
const nodes = domQueryAll(doc, "span.x");
const first = domQueryOne(doc, "span.x");
const text = domQueryText(doc, "span.x");
freeDoc(doc);
return {count: nodes.length, tag: first.tag, text: text, childCount: first.childCount};`)
	require.Nil(t, res.RuntimeErr)

	out := res.Value.(map[string]any)
	require.EqualValues(t, 2, out["count"])
	require.Equal(t, "span", out["tag"])
	require.Equal(t, "onetwo", out["text"])
	require.EqualValues(t, 0, out["childCount"])
}

func TestDocHandlesClearedOnDispose(t *testing.T) {
	r := newTestREPL(t, Options{})
	res := r.Execute(context.Background(), `parseHTML("<p>hi</p>")`)
	require.Nil(t, res.RuntimeErr)
	require.Equal(t, 1, r.docs.Count())

	r.Dispose()
	require.Equal(t, 0, r.docs.Count())
}

func TestEnvDescriptorsMetadataOnly(t *testing.T) {
	r := newTestREPL(t, Options{})
	res := r.Execute(context.Background(), `
env.name = "a moderately long string value for preview purposes";
env.rows = [{id: 1, label: "x"}, {id: 2, label: "y"}];
const counter = 7;`)
	require.Nil(t, res.RuntimeErr)

	entries := r.EnvDescriptors()
	byName := map[string]EnvEntry{}
	for _, entry := range entries {
		byName[entry.Name] = entry
	}

	nameDesc, ok := byName["env.name"].Descriptor.(StringDesc)
	require.True(t, ok)
	require.Equal(t, len("a moderately long string value for preview purposes"), nameDesc.Length)

	rowsDesc, ok := byName["env.rows"].Descriptor.(ArrayDesc)
	require.True(t, ok)
	require.Equal(t, 2, rowsDesc.Length)
	require.Contains(t, rowsDesc.ElemSchema, "id")

	counterEntry, ok := byName["counter"]
	require.True(t, ok, "hoisted globals must be enumerated")
	prim, ok := counterEntry.Descriptor.(PrimitiveDesc)
	require.True(t, ok)
	require.Equal(t, "number", prim.Type)

	// API names never leak into the metadata.
	_, hasTabs := byName["tabs"]
	require.False(t, hasTabs)
}

func TestExecInTabHookAndCap(t *testing.T) {
	driver := browser.NewMemDriver()
	driver.RegisterPage("https://p.test/", browser.Page{Title: "P", HTML: "<html><body>ok</body></html>"})
	driver.ExecHook = func(tabID, code string) (any, error) {
		return map[string]any{"echo": code}, nil
	}
	r := newTestREPL(t, Options{Driver: driver})

	res := r.Execute(context.Background(), `
const tab = await openTab("https://p.test/");
const out = await execInTab(tab, "1 + 1");
return out.echo;`)
	require.Nil(t, res.RuntimeErr)
	require.Equal(t, "1 + 1", res.Value)
}

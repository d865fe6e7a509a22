package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rlm/pkg/types"
)

const samplePage = `<html><head><title>Sample</title></head><body>
<h1 id="hd" class="headline">Top Story</h1>
<p>Lead paragraph text.</p>
<a href="https://one.test/">One</a>
<a href="https://two.test/">Two</a>
<table class="wikitable">
<tr><th>City</th><th>Pop</th></tr>
<tr><td>Oslo</td><td>700k</td></tr>
</table>
<input type="search" name="q" placeholder="find">
</body></html>`

func newDriverWithTab(t *testing.T) (*MemDriver, string) {
	t.Helper()
	driver := NewMemDriver()
	driver.RegisterPage("https://sample.test/", Page{Title: "Sample", HTML: samplePage})
	tabID, err := driver.OpenTab(context.Background(), "https://sample.test/")
	require.NoError(t, err)
	return driver, tabID
}

func TestMemDriverTabLifecycle(t *testing.T) {
	ctx := context.Background()
	driver, tabID := newDriverWithTab(t)

	tabs, err := driver.ListTabs(ctx)
	require.NoError(t, err)
	require.Len(t, tabs, 1)
	require.Equal(t, "Sample", tabs[0].Title)
	require.Equal(t, "complete", tabs[0].Status)

	active, err := driver.ActiveTabID(ctx)
	require.NoError(t, err)
	require.Equal(t, tabID, active)

	second, err := driver.OpenTab(ctx, "")
	require.NoError(t, err)
	active, _ = driver.ActiveTabID(ctx)
	require.Equal(t, second, active)

	require.NoError(t, driver.SwitchTab(ctx, tabID))
	active, _ = driver.ActiveTabID(ctx)
	require.Equal(t, tabID, active)

	require.NoError(t, driver.CloseTab(ctx, second))
	require.ErrorIs(t, driver.CloseTab(ctx, second), ErrTabNotFound)
}

func TestMemDriverScriptOps(t *testing.T) {
	ctx := context.Background()
	driver, tabID := newDriverWithTab(t)

	text, err := driver.Exec(ctx, tabID, Script(OpGetText, ScriptArgs{Selector: "h1"}))
	require.NoError(t, err)
	require.Equal(t, "Top Story", text)

	links, err := driver.Exec(ctx, tabID, Script(OpGetLinks, ScriptArgs{}))
	require.NoError(t, err)
	require.Len(t, links.([]any), 2)

	tables, err := driver.Exec(ctx, tabID, Script(OpWikiTables, ScriptArgs{}))
	require.NoError(t, err)
	tableList := tables.([]any)
	require.Len(t, tableList, 1)
	rows := tableList[0].([]any)
	require.Len(t, rows, 2)
	require.Equal(t, []any{"Oslo", "700k"}, rows[1])

	node, err := driver.Exec(ctx, tabID, Script(OpQueryOne, ScriptArgs{Selector: "#hd"}))
	require.NoError(t, err)
	record := node.(map[string]any)
	require.Equal(t, "h1", record["tag"])
	require.Equal(t, "headline", record["className"])

	inputs, err := driver.Exec(ctx, tabID, Script(OpGetInputs, ScriptArgs{}))
	require.NoError(t, err)
	first := inputs.([]any)[0].(map[string]any)
	require.Equal(t, "q", first["name"])

	_, err = driver.Exec(ctx, tabID, Script(OpClick, ScriptArgs{Selector: "#missing"}))
	require.Error(t, err)
}

func TestMemDriverUnmarkedScriptNeedsHook(t *testing.T) {
	ctx := context.Background()
	driver, tabID := newDriverWithTab(t)

	_, err := driver.Exec(ctx, tabID, "document.title")
	require.Error(t, err)

	driver.ExecHook = func(_, code string) (any, error) {
		return "hooked:" + code, nil
	}
	out, err := driver.Exec(ctx, tabID, "document.title")
	require.NoError(t, err)
	require.Equal(t, "hooked:document.title", out)
}

func TestWaitForSelector(t *testing.T) {
	ctx := context.Background()
	driver, tabID := newDriverWithTab(t)

	require.NoError(t, driver.WaitForSelector(ctx, tabID, "h1", time.Second))
	err := driver.WaitForSelector(ctx, tabID, "#never", 60*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestScriptMarkerRoundTrip(t *testing.T) {
	code := Script(OpGetText, ScriptArgs{Selector: "p.intro"})
	op, args, ok := ParseMarker(code)
	require.True(t, ok)
	require.Equal(t, OpGetText, op)
	require.Equal(t, "p.intro", args.Selector)

	_, _, ok = ParseMarker("plain javascript here")
	require.False(t, ok)
}

func TestSnapshotDiff(t *testing.T) {
	prev := types.Snapshot{
		"t1": {URL: "https://a.test/", Title: "A", Status: "complete"},
		"t2": {URL: "https://b.test/", Title: "B", Status: "complete"},
		"t3": {URL: "https://gone.test/", Title: "Gone", Status: "complete"},
	}
	current := types.Snapshot{
		"t1": {URL: "https://a2.test/", Title: "A2", Status: "loading"},
		"t2": {URL: "https://b.test/", Title: "B", Status: "complete"},
		"t4": {URL: "https://new.test/", Title: "New", Status: "complete"},
	}

	changes := DiffSnapshots(prev, current)

	// Created (t4) and closed (t3) tabs are not page changes; only t1's
	// three field changes remain, in url/title/status order.
	require.Len(t, changes, 3)
	require.Equal(t, types.PageChange{TabID: "t1", Field: types.FieldURL, Old: "https://a.test/", New: "https://a2.test/"}, changes[0])
	require.Equal(t, types.PageChange{TabID: "t1", Field: types.FieldTitle, Old: "A", New: "A2"}, changes[1])
	require.Equal(t, types.PageChange{TabID: "t1", Field: types.FieldStatus, Old: "complete", New: "loading"}, changes[2])
}

func TestSnapshotterAgainstDriver(t *testing.T) {
	ctx := context.Background()
	driver, tabID := newDriverWithTab(t)

	snap := NewSnapshotter(driver)
	require.NoError(t, snap.Capture(ctx))

	changes, err := snap.Diff(ctx)
	require.NoError(t, err)
	require.Empty(t, changes)

	require.NoError(t, driver.SetTabState(tabID, types.TabState{URL: "https://sample.test/next", Title: "Next", Status: "complete"}))
	changes, err = snap.Diff(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	// Diff re-baselines: immediately diffing again shows nothing.
	changes, err = snap.Diff(ctx)
	require.NoError(t, err)
	require.Empty(t, changes)
}

package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"rlm/internal/id"
	"rlm/pkg/types"
)

// MemDriver is an in-memory Driver backed by registered HTML pages. It
// answers the marked scripts generated by this package via goquery and
// delegates anything else to an optional ExecHook. Used by tests, the CLI
// demo mode, and anywhere a real browser is unavailable.
type MemDriver struct {
	mu       sync.Mutex
	pages    map[string]Page // url -> page
	tabs     map[string]*memTab
	order    []string
	active   string
	ExecHook func(tabID, code string) (any, error)
}

// Page is the registered content behind a URL.
type Page struct {
	Title string
	HTML  string
}

type memTab struct {
	id     string
	url    string
	title  string
	status string
	doc    *goquery.Document
}

// NewMemDriver creates an empty in-memory driver.
func NewMemDriver() *MemDriver {
	return &MemDriver{
		pages: make(map[string]Page),
		tabs:  make(map[string]*memTab),
	}
}

// RegisterPage makes url resolvable with the given content.
func (d *MemDriver) RegisterPage(url string, page Page) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[url] = page
}

// SetTabState overrides a tab's observable fields; used by tests to
// simulate page changes between iterations.
func (d *MemDriver) SetTabState(tabID string, state types.TabState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tab, ok := d.tabs[tabID]
	if !ok {
		return ErrTabNotFound
	}
	tab.url = state.URL
	tab.title = state.Title
	tab.status = state.Status
	return nil
}

func (d *MemDriver) loadLocked(tab *memTab, url string) {
	tab.url = url
	page, ok := d.pages[url]
	if !ok {
		tab.title = ""
		tab.status = "error"
		tab.doc = nil
		return
	}
	tab.title = page.Title
	tab.status = "complete"
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		tab.status = "error"
		tab.doc = nil
		return
	}
	tab.doc = doc
}

func (d *MemDriver) OpenTab(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tab := &memTab{id: id.NewTabID(), status: "idle"}
	if url != "" {
		d.loadLocked(tab, url)
	}
	d.tabs[tab.id] = tab
	d.order = append(d.order, tab.id)
	d.active = tab.id
	return tab.id, nil
}

func (d *MemDriver) CloseTab(ctx context.Context, tabID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[tabID]; !ok {
		return ErrTabNotFound
	}
	delete(d.tabs, tabID)
	for i, existing := range d.order {
		if existing == tabID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	if d.active == tabID {
		d.active = ""
		if len(d.order) > 0 {
			d.active = d.order[len(d.order)-1]
		}
	}
	return nil
}

func (d *MemDriver) Navigate(ctx context.Context, tabID, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tab, ok := d.tabs[tabID]
	if !ok {
		return ErrTabNotFound
	}
	d.loadLocked(tab, url)
	return nil
}

func (d *MemDriver) SwitchTab(ctx context.Context, tabID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[tabID]; !ok {
		return ErrTabNotFound
	}
	d.active = tabID
	return nil
}

func (d *MemDriver) WaitForLoad(ctx context.Context, tabID string, timeout time.Duration) error {
	return d.waitFor(ctx, timeout, func() (bool, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		tab, ok := d.tabs[tabID]
		if !ok {
			return false, ErrTabNotFound
		}
		return tab.status == "complete" || tab.status == "error", nil
	})
}

func (d *MemDriver) WaitForSelector(ctx context.Context, tabID, selector string, timeout time.Duration) error {
	return d.waitFor(ctx, timeout, func() (bool, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		tab, ok := d.tabs[tabID]
		if !ok {
			return false, ErrTabNotFound
		}
		if tab.doc == nil {
			return false, nil
		}
		return tab.doc.Find(selector).Length() > 0, nil
	})
}

func (d *MemDriver) waitFor(ctx context.Context, timeout time.Duration, check func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (d *MemDriver) ListTabs(ctx context.Context) ([]types.TabInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tabs := make([]types.TabInfo, 0, len(d.order))
	for _, tabID := range d.order {
		tab := d.tabs[tabID]
		tabs = append(tabs, types.TabInfo{ID: tab.id, URL: tab.url, Title: tab.title, Status: tab.status})
	}
	return tabs, nil
}

func (d *MemDriver) ActiveTabID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active, nil
}

// Exec dispatches marked scripts against the tab's parsed document. Unmarked
// scripts go to ExecHook when set.
func (d *MemDriver) Exec(ctx context.Context, tabID, code string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	tab, ok := d.tabs[tabID]
	var doc *goquery.Document
	if ok {
		doc = tab.doc
	}
	hook := d.ExecHook
	d.mu.Unlock()
	if !ok {
		return nil, ErrTabNotFound
	}

	op, args, marked := ParseMarker(code)
	if !marked {
		if hook != nil {
			return hook(tabID, code)
		}
		return nil, fmt.Errorf("memdriver cannot evaluate arbitrary scripts")
	}
	if doc == nil && op != OpScroll {
		return nil, fmt.Errorf("tab %s has no loaded document", tabID)
	}

	switch op {
	case OpGetText:
		sel := args.Selector
		if sel == "" {
			sel = "body"
		}
		found := doc.Find(sel)
		if found.Length() == 0 {
			return nil, nil
		}
		return strings.TrimSpace(found.First().Text()), nil
	case OpGetDOM:
		sel := args.Selector
		if sel == "" {
			sel = "body"
		}
		found := doc.Find(sel)
		if found.Length() == 0 {
			return nil, nil
		}
		html, err := goquery.OuterHtml(found.First())
		if err != nil {
			return nil, err
		}
		return html, nil
	case OpGetLinks:
		var links []any
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			links = append(links, map[string]any{
				"text": strings.TrimSpace(s.Text()),
				"href": href,
			})
		})
		return links, nil
	case OpGetInputs:
		var inputs []any
		doc.Find("input, textarea, select").Each(func(_ int, s *goquery.Selection) {
			inputs = append(inputs, map[string]any{
				"tag":         goquery.NodeName(s),
				"type":        s.AttrOr("type", ""),
				"name":        s.AttrOr("name", ""),
				"id":          s.AttrOr("id", ""),
				"placeholder": s.AttrOr("placeholder", ""),
				"value":       s.AttrOr("value", ""),
			})
		})
		return inputs, nil
	case OpQueryOne:
		found := doc.Find(args.Selector)
		if found.Length() == 0 {
			return nil, nil
		}
		s := found.First()
		inner, _ := s.Html()
		return map[string]any{
			"tag":        goquery.NodeName(s),
			"id":         s.AttrOr("id", ""),
			"className":  s.AttrOr("class", ""),
			"text":       capString(strings.TrimSpace(s.Text()), 500),
			"innerHTML":  capString(inner, 2000),
			"childCount": s.Children().Length(),
		}, nil
	case OpQueryAll:
		var nodes []any
		doc.Find(args.Selector).Each(func(_ int, s *goquery.Selection) {
			nodes = append(nodes, map[string]any{
				"tag":       goquery.NodeName(s),
				"id":        s.AttrOr("id", ""),
				"className": s.AttrOr("class", ""),
				"text":      capString(strings.TrimSpace(s.Text()), 500),
			})
		})
		return nodes, nil
	case OpSearchResults:
		var results []any
		doc.Find("a h3").Each(func(_ int, s *goquery.Selection) {
			href := s.Closest("a").AttrOr("href", "")
			results = append(results, map[string]any{
				"title": strings.TrimSpace(s.Text()),
				"href":  href,
			})
		})
		return results, nil
	case OpWikiTables:
		var tables []any
		doc.Find("table.wikitable").Each(func(_ int, t *goquery.Selection) {
			var rows []any
			t.Find("tr").Each(func(_ int, r *goquery.Selection) {
				var cells []any
				r.Find("th, td").Each(func(_ int, c *goquery.Selection) {
					cells = append(cells, strings.TrimSpace(c.Text()))
				})
				rows = append(rows, cells)
			})
			tables = append(tables, rows)
		})
		return tables, nil
	case OpClick:
		if doc.Find(args.Selector).Length() == 0 {
			return nil, fmt.Errorf("no element matches selector %q", args.Selector)
		}
		return true, nil
	case OpType:
		if doc.Find(args.Selector).Length() == 0 {
			return nil, fmt.Errorf("no element matches selector %q", args.Selector)
		}
		return true, nil
	case OpScroll:
		return true, nil
	}
	return nil, fmt.Errorf("unsupported operation %q", op)
}

func capString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

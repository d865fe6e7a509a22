package browser

import (
	"encoding/json"
	"fmt"
)

// The DOM helper APIs (getText, getLinks, ...) are implemented as scripts
// run through Driver.Exec. Each generated script opens with a structured
// marker comment naming the operation and its arguments. Real page contexts
// ignore the comment; lightweight drivers (memdriver) can dispatch on it
// instead of evaluating JavaScript.

// ScriptOp names a generated tab script.
type ScriptOp string

const (
	OpGetText       ScriptOp = "getText"
	OpGetDOM        ScriptOp = "getDOM"
	OpGetLinks      ScriptOp = "getLinks"
	OpGetInputs     ScriptOp = "getInputs"
	OpQueryOne      ScriptOp = "querySelector"
	OpQueryAll      ScriptOp = "querySelectorAll"
	OpSearchResults ScriptOp = "getSearchResults"
	OpWikiTables    ScriptOp = "getWikiTables"
	OpClick         ScriptOp = "click"
	OpType          ScriptOp = "type"
	OpScroll        ScriptOp = "scroll"
)

// ScriptArgs carries the operation arguments embedded in the marker.
type ScriptArgs struct {
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Dir      string `json:"dir,omitempty"`
	Amount   int    `json:"amount,omitempty"`
}

const markerPrefix = "/*rlm:"

// Marker renders the structured comment for op with args.
func Marker(op ScriptOp, args ScriptArgs) string {
	payload, _ := json.Marshal(args)
	return fmt.Sprintf("%s%s %s*/", markerPrefix, op, payload)
}

// ParseMarker extracts the operation and arguments from a generated script.
// ok is false for scripts that did not come from this package.
func ParseMarker(code string) (op ScriptOp, args ScriptArgs, ok bool) {
	if len(code) < len(markerPrefix) || code[:len(markerPrefix)] != markerPrefix {
		return "", ScriptArgs{}, false
	}
	rest := code[len(markerPrefix):]
	space := -1
	for i, r := range rest {
		if r == ' ' {
			space = i
			break
		}
	}
	if space < 0 {
		return "", ScriptArgs{}, false
	}
	op = ScriptOp(rest[:space])
	end := -1
	for i := space; i+1 < len(rest); i++ {
		if rest[i] == '*' && rest[i+1] == '/' {
			end = i
			break
		}
	}
	if end < 0 {
		return "", ScriptArgs{}, false
	}
	if err := json.Unmarshal([]byte(rest[space:end]), &args); err != nil {
		return "", ScriptArgs{}, false
	}
	return op, args, true
}

func selExpr(sel string) string {
	if sel == "" {
		return "document.body"
	}
	payload, _ := json.Marshal(sel)
	return fmt.Sprintf("document.querySelector(%s)", payload)
}

// Script renders the page-context JavaScript for op. The snippet is plain
// browser JS so a real driver can evaluate it unchanged.
func Script(op ScriptOp, args ScriptArgs) string {
	marker := Marker(op, args)
	sel, _ := json.Marshal(args.Selector)
	switch op {
	case OpGetText:
		return fmt.Sprintf(`%s
(() => { const el = %s; return el ? el.innerText : null; })()`, marker, selExpr(args.Selector))
	case OpGetDOM:
		return fmt.Sprintf(`%s
(() => { const el = %s; return el ? el.outerHTML : null; })()`, marker, selExpr(args.Selector))
	case OpGetLinks:
		return fmt.Sprintf(`%s
Array.from(document.querySelectorAll('a[href]')).map(a => ({text: a.innerText.trim(), href: a.href}))`, marker)
	case OpGetInputs:
		return fmt.Sprintf(`%s
Array.from(document.querySelectorAll('input, textarea, select')).map(el => ({tag: el.tagName.toLowerCase(), type: el.type || '', name: el.name || '', id: el.id || '', placeholder: el.placeholder || '', value: el.value || ''}))`, marker)
	case OpQueryOne:
		return fmt.Sprintf(`%s
(() => { const el = document.querySelector(%s); if (!el) return null; return {tag: el.tagName.toLowerCase(), id: el.id || '', className: el.className || '', text: (el.innerText || '').slice(0, 500), innerHTML: el.innerHTML.slice(0, 2000), childCount: el.children.length}; })()`, marker, sel)
	case OpQueryAll:
		return fmt.Sprintf(`%s
Array.from(document.querySelectorAll(%s)).map(el => ({tag: el.tagName.toLowerCase(), id: el.id || '', className: el.className || '', text: (el.innerText || '').slice(0, 500)}))`, marker, sel)
	case OpSearchResults:
		return fmt.Sprintf(`%s
Array.from(document.querySelectorAll('a h3')).map(h => ({title: h.innerText.trim(), href: h.closest('a').href}))`, marker)
	case OpWikiTables:
		return fmt.Sprintf(`%s
Array.from(document.querySelectorAll('table.wikitable')).map(t => Array.from(t.rows).map(r => Array.from(r.cells).map(c => c.innerText.trim())))`, marker)
	case OpClick:
		return fmt.Sprintf(`%s
(() => { const el = document.querySelector(%s); if (!el) throw new Error('no element matches selector'); el.click(); return true; })()`, marker, sel)
	case OpType:
		text, _ := json.Marshal(args.Text)
		return fmt.Sprintf(`%s
(() => { const el = document.querySelector(%s); if (!el) throw new Error('no element matches selector'); el.focus(); el.value = %s; el.dispatchEvent(new Event('input', {bubbles: true})); return true; })()`, marker, sel, text)
	case OpScroll:
		dx, dy := 0, args.Amount
		if args.Dir == "up" {
			dy = -args.Amount
		}
		return fmt.Sprintf(`%s
(() => { window.scrollBy(%d, %d); return true; })()`, marker, dx, dy)
	}
	return marker
}

package repl

import (
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"rlm/internal/id"
)

// DocRegistry holds host-side parsed documents keyed by handle. Handles live
// until freed explicitly or the owning REPL is disposed.
type DocRegistry struct {
	mu   sync.Mutex
	seq  int
	docs map[string]*goquery.Document
}

// NewDocRegistry creates an empty registry.
func NewDocRegistry() *DocRegistry {
	return &DocRegistry{docs: make(map[string]*goquery.Document)}
}

// Parse parses html and returns a new document handle.
func (r *DocRegistry) Parse(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	handle := id.NewDocHandle(r.seq)
	r.docs[handle] = doc
	return handle, nil
}

// Free releases a handle. Freeing an unknown handle is a no-op.
func (r *DocRegistry) Free(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, handle)
}

// Clear drops every handle; called on REPL disposal.
func (r *DocRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = make(map[string]*goquery.Document)
}

// Count returns the number of live handles.
func (r *DocRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func (r *DocRegistry) get(handle string) (*goquery.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[handle]
	if !ok {
		return nil, fmt.Errorf("unknown document handle %q", handle)
	}
	return doc, nil
}

// QueryAll returns the serialized nodes matching sel.
func (r *DocRegistry) QueryAll(handle, sel string) ([]any, error) {
	doc, err := r.get(handle)
	if err != nil {
		return nil, err
	}
	var nodes []any
	doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
		nodes = append(nodes, serializeNode(s, false))
	})
	return nodes, nil
}

// QueryOne returns the first matching node with extended fields, or nil.
func (r *DocRegistry) QueryOne(handle, sel string) (any, error) {
	doc, err := r.get(handle)
	if err != nil {
		return nil, err
	}
	found := doc.Find(sel)
	if found.Length() == 0 {
		return nil, nil
	}
	return serializeNode(found.First(), true), nil
}

// QueryText returns the concatenated text of all matches.
func (r *DocRegistry) QueryText(handle, sel string) (string, error) {
	doc, err := r.get(handle)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.Find(sel).Text()), nil
}

// serializeNode converts a selection's first node to the plain record
// crossing the sandbox boundary: {tag, id, className, text, attrs}, plus
// innerHTML and childCount on single-element queries.
func serializeNode(s *goquery.Selection, extended bool) map[string]any {
	attrs := map[string]any{}
	if len(s.Nodes) > 0 {
		for _, attr := range s.Nodes[0].Attr {
			attrs[attr.Key] = attr.Val
		}
	}
	text := strings.TrimSpace(s.Text())
	if len(text) > 500 {
		text = text[:500]
	}
	node := map[string]any{
		"tag":       goquery.NodeName(s),
		"id":        s.AttrOr("id", ""),
		"className": s.AttrOr("class", ""),
		"text":      text,
		"attrs":     attrs,
	}
	if extended {
		inner, _ := s.Html()
		if len(inner) > 2000 {
			inner = inner[:2000]
		}
		node["innerHTML"] = inner
		node["childCount"] = s.Children().Length()
	}
	return node
}

package category

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/Pirikara/cspgate/internal/csp"
)

// Table is the category -> directive table driving aggregation and crawling
type Table struct {
	Entries []Entry `yaml:"categories"`

	byID map[ID]*Entry
}

// NewTable validates entries and indexes them by category
func NewTable(entries []Entry) (*Table, error) {
	t := &Table{Entries: entries, byID: make(map[ID]*Entry, len(entries))}
	for i := range t.Entries {
		e := &t.Entries[i]
		if e.ID == "" {
			return nil, fmt.Errorf("category %d has no id", i)
		}
		d, ok := csp.ParseDirective(string(e.Directive))
		if !ok {
			return nil, fmt.Errorf("category %q: unknown directive %q", e.ID, e.Directive)
		}
		if d.Fixed() {
			return nil, fmt.Errorf("category %q: directive %q cannot be crawled", e.ID, d)
		}
		e.Directive = d
		if _, dup := t.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate category %q", e.ID)
		}
		t.byID[e.ID] = e
	}
	return t, nil
}

// ParseTable decodes a YAML document with a top-level categories list
func ParseTable(data []byte) (*Table, error) {
	var raw Table
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return NewTable(raw.Entries)
}

// Lookup returns the entry for a category
func (t *Table) Lookup(id ID) (Entry, bool) {
	e, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Directives returns the crawled directives in table order
func (t *Table) Directives() []csp.Directive {
	out := make([]csp.Directive, 0, len(t.Entries))
	seen := make(map[csp.Directive]bool, len(t.Entries))
	for _, e := range t.Entries {
		if !seen[e.Directive] {
			seen[e.Directive] = true
			out = append(out, e.Directive)
		}
	}
	return out
}

// Default returns the built-in table
func Default() *Table {
	t, err := NewTable([]Entry{
		{ID: Script, Directive: csp.DirectiveScriptSrc, Extras: []string{csp.SourceReportSample},
			Elements: []ElementRule{{Tag: "script", Attr: "src"}}},
		{ID: Style, Directive: csp.DirectiveStyleSrc, Extras: []string{csp.SourceReportSample},
			Elements: []ElementRule{{Tag: "link", Attr: "href", Rel: "stylesheet"}}},
		{ID: Image, Directive: csp.DirectiveImgSrc,
			Elements: []ElementRule{{Tag: "img", Attr: "src"}, {Tag: "link", Attr: "href", Rel: "icon"}}},
		{ID: Media, Directive: csp.DirectiveMediaSrc,
			Elements: []ElementRule{{Tag: "audio", Attr: "src"}, {Tag: "video", Attr: "src"}, {Tag: "source", Attr: "src"}, {Tag: "track", Attr: "src"}}},
		{ID: Frame, Directive: csp.DirectiveFrameSrc,
			Elements: []ElementRule{{Tag: "iframe", Attr: "src"}, {Tag: "frame", Attr: "src"}}},
		{ID: FormAction, Directive: csp.DirectiveFormAction,
			Elements: []ElementRule{{Tag: "form", Attr: "action"}}},
		{ID: Base, Directive: csp.DirectiveBaseURI,
			Elements: []ElementRule{{Tag: "base", Attr: "href"}}},
		{ID: Object, Directive: csp.DirectiveObjectSrc,
			Elements: []ElementRule{{Tag: "object", Attr: "data"}, {Tag: "embed", Attr: "src"}}},
	})
	if err != nil {
		panic(err)
	}
	return t
}

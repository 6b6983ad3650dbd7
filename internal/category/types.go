package category

import "github.com/Pirikara/cspgate/internal/csp"

// ID represents a resource category reported by the crawler
type ID string

const (
	Script     ID = "script"
	Style      ID = "style"
	Image      ID = "image"
	Media      ID = "media"
	Frame      ID = "frame"
	FormAction ID = "form-action"
	Base       ID = "base"
	Object     ID = "object"
)

// Resources maps each category to the absolute URLs found for it
type Resources map[ID][]string

// Add appends url to the category unless already present
func (r Resources) Add(id ID, url string) {
	for _, existing := range r[id] {
		if existing == url {
			return
		}
	}
	r[id] = append(r[id], url)
}

// Entry binds a category to its directive and the HTML elements that reveal it
type Entry struct {
	ID        ID            `yaml:"id"`
	Directive csp.Directive `yaml:"directive"`
	// Extras are keywords added whenever the directive ends up non-empty
	Extras   []string      `yaml:"extras"`
	Elements []ElementRule `yaml:"elements"`
}

// ElementRule selects one attribute of one HTML element
type ElementRule struct {
	Tag  string `yaml:"tag"`
	Attr string `yaml:"attr"`
	// Rel, when set, must appear in the element's rel attribute
	Rel string `yaml:"rel"`
}

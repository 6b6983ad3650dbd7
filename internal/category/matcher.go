package category

import "strings"

// Match is one resource reference found on an element
type Match struct {
	ID    ID
	Value string
}

// Matcher maps HTML elements to resource categories
type Matcher struct {
	rules map[string][]matcherRule
}

type matcherRule struct {
	id   ID
	attr string
	rel  string
}

// NewMatcher creates a Matcher from the table's element rules
func NewMatcher(t *Table) *Matcher {
	m := &Matcher{rules: make(map[string][]matcherRule)}
	for _, e := range t.Entries {
		for _, r := range e.Elements {
			tag := strings.ToLower(r.Tag)
			m.rules[tag] = append(m.rules[tag], matcherRule{
				id:   e.ID,
				attr: strings.ToLower(r.Attr),
				rel:  strings.ToLower(r.Rel),
			})
		}
	}
	return m
}

// MatchElement returns the categorised references carried by an element.
// attrs keys must be lower case.
func (m *Matcher) MatchElement(tag string, attrs map[string]string) []Match {
	var out []Match
	for _, r := range m.rules[strings.ToLower(tag)] {
		value := strings.TrimSpace(attrs[r.attr])
		if value == "" {
			continue
		}
		if r.rel != "" && !relMatches(attrs["rel"], r.rel) {
			continue
		}
		out = append(out, Match{ID: r.id, Value: value})
	}
	return out
}

// relMatches checks the space-separated rel list for want
func relMatches(rel, want string) bool {
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == want {
			return true
		}
	}
	return false
}

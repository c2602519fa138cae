package catalog

import (
	"strings"

	"github.com/rotisserie/eris"
)

// HierarchyPath runs from the 2-digit chapter down to the resolved code.
type HierarchyPath []Entry

// Validate checks the prefix chain and that the path ends at code.
func (p HierarchyPath) Validate(code string) error {
	if len(p) == 0 {
		return eris.Errorf("empty path for %s", code)
	}
	for i := 1; i < len(p); i++ {
		if !strings.HasPrefix(p[i].Code, p[i-1].Code) || len(p[i].Code) <= len(p[i-1].Code) {
			return eris.Errorf("path element %s does not extend %s", p[i].Code, p[i-1].Code)
		}
	}
	if last := p[len(p)-1].Code; last != code {
		return eris.Errorf("path ends at %s, want %s", last, code)
	}
	return nil
}

func (p HierarchyPath) Codes() []string {
	out := make([]string, len(p))
	for i, e := range p {
		out[i] = e.Code
	}
	return out
}

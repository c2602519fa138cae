package embedding

import (
	"fmt"
	"strings"

	"github.com/hs-classifier/backend/internal/catalog"
)

// CompositeText builds the string embedded for an entry: category, code
// fragments, then names. Residual "기타" entries borrow their parents' labels
// so they stay apart in vector space. parents may be nil.
func CompositeText(e catalog.Entry, parents map[string]catalog.Entry) string {
	parts := []string{
		e.CategoryLabel,
		e.CategoryCode,
		e.Prefix(4),
		e.Prefix(6),
		e.Code,
	}

	if e.IsGeneric() {
		hs4, hs6 := e.Prefix(4), e.Prefix(6)
		if hs6 != "" {
			parts = append(parts, fmt.Sprintf("HS%s류 HS%s호의 기타 품목", hs4, hs6))
		} else {
			parts = append(parts, fmt.Sprintf("HS%s류의 기타 품목", hs4))
		}
		for _, code := range []string{hs4, hs6} {
			if p, ok := parents[code]; ok && code != e.Code && p.Name() != "" {
				parts = append(parts, p.Name())
			}
		}
	}

	parts = append(parts, e.NamePrimary, e.NameSecondary)

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

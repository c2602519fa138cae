package catalog

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Entry is one node of the HS code hierarchy.
type Entry struct {
	Code           string    `json:"code"`
	Level          int       `json:"level"`
	NamePrimary    string    `json:"name_primary"`
	NameSecondary  string    `json:"name_secondary,omitempty"`
	CategoryLabel  string    `json:"category_label,omitempty"`
	CategoryCode   string    `json:"category_code,omitempty"`
	ParentCode     string    `json:"parent_code,omitempty"`
	Aliases        []string  `json:"aliases,omitempty"`
	Keywords       []string  `json:"keywords,omitempty"`
	Embedding      []float32 `json:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	// ValidFrom and ValidTo are YYYYMMDD; empty means unbounded.
	ValidFrom string `json:"valid_from,omitempty"`
	ValidTo   string `json:"valid_to,omitempty"`
}

var validLevels = map[int]bool{2: true, 4: true, 6: true, 8: true, 10: true}

// genericNames mark residual "other" entries whose own name says nothing.
var genericNames = map[string]bool{
	"기타":     true,
	"그 밖의 것": true,
	"그밖의 것":  true,
	"other":  true,
	"others": true,
}

func LevelOf(code string) int {
	return len(code)
}

func ValidCode(code string) bool {
	if !validLevels[len(code)] {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (e Entry) Validate() error {
	if !ValidCode(e.Code) {
		return eris.Errorf("invalid hs code %q", e.Code)
	}
	if e.Level != LevelOf(e.Code) {
		return eris.Errorf("hs code %s has level %d, want %d", e.Code, e.Level, LevelOf(e.Code))
	}
	return nil
}

func (e Entry) HasEmbedding() bool {
	return len(e.Embedding) > 0
}

func (e Entry) IsGeneric() bool {
	return genericNames[strings.ToLower(strings.TrimSpace(e.NamePrimary))]
}

// Name returns the primary label, falling back to the secondary one.
func (e Entry) Name() string {
	if e.NamePrimary != "" {
		return e.NamePrimary
	}
	return e.NameSecondary
}

// Prefix truncates the code to n digits, or returns "" if the code is shorter.
func (e Entry) Prefix(n int) string {
	if len(e.Code) < n {
		return ""
	}
	return e.Code[:n]
}

// ActiveOn reports whether t falls inside the entry's validity window.
func (e Entry) ActiveOn(t time.Time) bool {
	day := t.Format("20060102")
	if e.ValidFrom != "" && day < e.ValidFrom {
		return false
	}
	if e.ValidTo != "" && day > e.ValidTo {
		return false
	}
	return true
}

// Clone copies the slices so callers can mutate the result freely.
func (e Entry) Clone() Entry {
	e.Aliases = append([]string(nil), e.Aliases...)
	e.Keywords = append([]string(nil), e.Keywords...)
	e.Embedding = append([]float32(nil), e.Embedding...)
	return e
}

// AncestorCodes lists the proper prefixes of code at catalog levels, shortest first.
func AncestorCodes(code string) []string {
	var out []string
	for _, n := range []int{2, 4, 6, 8} {
		if n < len(code) {
			out = append(out, code[:n])
		}
	}
	return out
}

// ParentCode picks the longest ancestor accepted by exists; exists may be nil
// to use the standard 2/4/6 chain.
func ParentCode(code string, exists func(string) bool) string {
	ancestors := AncestorCodes(code)
	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		if exists == nil {
			if len(a) != 8 {
				return a
			}
			continue
		}
		if exists(a) {
			return a
		}
	}
	return ""
}

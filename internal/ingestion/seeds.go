package ingestion

import (
	"io"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/textproc"
)

// Seed holds the curated search terms for one code.
type Seed struct {
	Aliases  []string `yaml:"aliases"`
	Keywords []string `yaml:"keywords"`
}

// UnmarshalYAML accepts either a bare list of aliases or a mapping with
// aliases and keywords.
func (s *Seed) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&s.Aliases)
	}
	type plain Seed
	return node.Decode((*plain)(s))
}

// LoadAliases reads a YAML document keyed by HS code:
//
//	"8471301000":
//	  aliases: [노트북, 랩톱]
//	  keywords: [휴대용, 컴퓨터]
//	"8516101000": [전기주전자, 전기포트]
func LoadAliases(r io.Reader) (map[string]Seed, error) {
	var raw map[string]Seed
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if err == io.EOF {
			return map[string]Seed{}, nil
		}
		return nil, eris.Wrap(err, "yaml: decode alias seeds")
	}

	seeds := make(map[string]Seed, len(raw))
	for code, s := range raw {
		c := normalizeCode(code, 0)
		if !catalog.ValidCode(c) {
			return nil, eris.Errorf("alias seed: invalid hs code %q", code)
		}
		prev := seeds[c]
		prev.Aliases = append(prev.Aliases, s.Aliases...)
		prev.Keywords = append(prev.Keywords, s.Keywords...)
		seeds[c] = prev
	}
	return seeds, nil
}

// ApplySeeds merges seed terms onto matching entries and returns the seed
// codes no entry carries.
func ApplySeeds(entries []catalog.Entry, seeds map[string]Seed) []string {
	used := make(map[string]bool, len(seeds))
	for i := range entries {
		s, ok := seeds[entries[i].Code]
		if !ok {
			continue
		}
		used[entries[i].Code] = true
		entries[i].Aliases = mergeTerms(entries[i].Aliases, s.Aliases)
		entries[i].Keywords = mergeTerms(entries[i].Keywords, s.Keywords)
	}

	var unknown []string
	for code := range seeds {
		if !used[code] {
			unknown = append(unknown, code)
		}
	}
	return unknown
}

func mergeTerms(current, extra []string) []string {
	seen := make(map[string]bool, len(current)+len(extra))
	var out []string
	for _, t := range append(append([]string(nil), current...), extra...) {
		n := textproc.Normalize(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Package lexical holds the cheap deterministic stages: curated aliases,
// keywords, exact names and the substring fallback.
package lexical

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/textproc"
)

const (
	AliasConfidence    = 1.0
	KeywordConfidence  = 0.9
	FallbackConfidence = 0.5
)

type Config struct {
	AliasLimit    int
	KeywordLimit  int
	FallbackLimit int
}

type Matcher struct {
	store catalog.Store
	cfg   Config
}

func NewMatcher(store catalog.Store, cfg Config) *Matcher {
	if cfg.AliasLimit <= 0 {
		cfg.AliasLimit = 3
	}
	if cfg.KeywordLimit <= 0 {
		cfg.KeywordLimit = 5
	}
	if cfg.FallbackLimit <= 0 {
		cfg.FallbackLimit = 5
	}
	return &Matcher{store: store, cfg: cfg}
}

// MatchAlias returns entries whose curated alias equals the normalized
// query. When aliases collide the more specific level wins, then the lower code.
func (m *Matcher) MatchAlias(ctx context.Context, query string) ([]catalog.Candidate, error) {
	q := textproc.Normalize(query)
	if q == "" {
		return nil, nil
	}
	entries, err := m.store.GetByExact(ctx, catalog.FieldAlias, q)
	if err != nil {
		return nil, eris.Wrap(err, "alias lookup")
	}
	return toCandidates(entries, AliasConfidence, catalog.StageAlias, m.cfg.AliasLimit), nil
}

// MatchExactName treats an exact Korean or English item name like an alias.
func (m *Matcher) MatchExactName(ctx context.Context, query string) ([]catalog.Candidate, error) {
	q := textproc.Normalize(query)
	if q == "" {
		return nil, nil
	}
	primary, err := m.store.GetByExact(ctx, catalog.FieldNamePrimary, q)
	if err != nil {
		return nil, eris.Wrap(err, "name lookup")
	}
	secondary, err := m.store.GetByExact(ctx, catalog.FieldNameSecondary, q)
	if err != nil {
		return nil, eris.Wrap(err, "name lookup")
	}
	entries := dedupEntries(append(primary, secondary...))
	// A generic "기타" name identifies nothing on its own.
	kept := entries[:0]
	for _, e := range entries {
		if !e.IsGeneric() {
			kept = append(kept, e)
		}
	}
	return toCandidates(kept, AliasConfidence, catalog.StageAlias, m.cfg.AliasLimit), nil
}

// MatchKeyword returns keyword hits ranked by level descending.
func (m *Matcher) MatchKeyword(ctx context.Context, query string) ([]catalog.Candidate, error) {
	q := textproc.Normalize(query)
	if q == "" {
		return nil, nil
	}
	entries, err := m.store.GetByExact(ctx, catalog.FieldKeyword, q)
	if err != nil {
		return nil, eris.Wrap(err, "keyword lookup")
	}
	return toCandidates(entries, KeywordConfidence, catalog.StageKeyword, m.cfg.KeywordLimit), nil
}

// MatchSubstring is the deterministic fallback used when every other stage
// comes back empty or degraded: a plain name substring search. Multi-word
// queries that never appear verbatim are searched token by token and ranked
// by how many tokens each entry contains.
func (m *Matcher) MatchSubstring(ctx context.Context, query string) ([]catalog.Candidate, error) {
	q := textproc.Normalize(query)
	if q == "" {
		return nil, nil
	}
	entries, err := m.store.SearchNames(ctx, q, 200)
	if err != nil {
		return nil, eris.Wrap(err, "substring search")
	}
	if len(entries) > 0 {
		return toCandidates(entries, FallbackConfidence, catalog.StageFallback, m.cfg.FallbackLimit), nil
	}

	tokens := textproc.Tokenize(q)
	if len(tokens) < 2 {
		return nil, nil
	}
	hits := make(map[string]int)
	byCode := make(map[string]catalog.Entry)
	for _, tok := range tokens {
		found, err := m.store.SearchNames(ctx, tok, 200)
		if err != nil {
			return nil, eris.Wrap(err, "substring search")
		}
		for _, e := range found {
			hits[e.Code]++
			byCode[e.Code] = e
		}
	}

	ranked := make([]catalog.Entry, 0, len(byCode))
	for _, e := range byCode {
		ranked = append(ranked, e)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if hits[a.Code] != hits[b.Code] {
			return hits[a.Code] > hits[b.Code]
		}
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		return a.Code < b.Code
	})
	if len(ranked) > m.cfg.FallbackLimit {
		ranked = ranked[:m.cfg.FallbackLimit]
	}

	out := make([]catalog.Candidate, 0, len(ranked))
	for _, e := range ranked {
		out = append(out, catalog.NewCandidate(e, FallbackConfidence, catalog.StageFallback))
	}
	return out, nil
}

func toCandidates(entries []catalog.Entry, confidence float64, stage catalog.Stage, limit int) []catalog.Candidate {
	entries = dedupEntries(entries)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Level != entries[j].Level {
			return entries[i].Level > entries[j].Level
		}
		return entries[i].Code < entries[j].Code
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]catalog.Candidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, catalog.NewCandidate(e, confidence, stage))
	}
	return out
}

func dedupEntries(entries []catalog.Entry) []catalog.Entry {
	seen := make(map[string]bool, len(entries))
	out := make([]catalog.Entry, 0, len(entries))
	for _, e := range entries {
		if seen[e.Code] {
			continue
		}
		seen[e.Code] = true
		out = append(out, e)
	}
	return out
}

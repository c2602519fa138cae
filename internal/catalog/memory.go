package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hs-classifier/backend/internal/textproc"
)

// MemoryStore keeps the whole catalog in memory. It backs tests and the
// "memory" catalog driver, and serves brute-force cosine search.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	aliases map[string][]string
	keyword map[string][]string
}

func NewMemoryStore(entries ...Entry) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]Entry),
		aliases: make(map[string][]string),
		keyword: make(map[string][]string),
	}
	for _, e := range entries {
		if e.Level == 0 {
			e.Level = LevelOf(e.Code)
		}
		s.put(e)
	}
	return s
}

func (s *MemoryStore) put(e Entry) {
	if old, ok := s.entries[e.Code]; ok {
		s.unindex(old)
	}
	e = e.Clone()
	e.Aliases = textproc.NormalizeAll(e.Aliases)
	e.Keywords = textproc.NormalizeAll(e.Keywords)
	s.entries[e.Code] = e
	for _, a := range e.Aliases {
		s.aliases[a] = append(s.aliases[a], e.Code)
	}
	for _, k := range e.Keywords {
		s.keyword[k] = append(s.keyword[k], e.Code)
	}
}

func (s *MemoryStore) unindex(e Entry) {
	for _, a := range e.Aliases {
		s.aliases[a] = removeCode(s.aliases[a], e.Code)
	}
	for _, k := range e.Keywords {
		s.keyword[k] = removeCode(s.keyword[k], e.Code)
	}
}

func removeCode(codes []string, code string) []string {
	out := codes[:0]
	for _, c := range codes {
		if c != code {
			out = append(out, c)
		}
	}
	return out
}

func (s *MemoryStore) lookup(codes []string) []Entry {
	out := make([]Entry, 0, len(codes))
	for _, c := range codes {
		if e, ok := s.entries[c]; ok {
			out = append(out, e.Clone())
		}
	}
	sortByCode(out)
	return out
}

func sortByCode(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Code < es[j].Code })
}

func (s *MemoryStore) GetByExact(_ context.Context, field Field, value string) ([]Entry, error) {
	value = textproc.Normalize(value)
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch field {
	case FieldAlias:
		return s.lookup(s.aliases[value]), nil
	case FieldKeyword:
		return s.lookup(s.keyword[value]), nil
	case FieldNamePrimary, FieldNameSecondary:
		var out []Entry
		for _, e := range s.entries {
			name := e.NamePrimary
			if field == FieldNameSecondary {
				name = e.NameSecondary
			}
			if name != "" && textproc.Normalize(name) == value {
				out = append(out, e.Clone())
			}
		}
		sortByCode(out)
		return out, nil
	default:
		return nil, Configuration("unknown lookup field %q", field)
	}
}

func (s *MemoryStore) GetByPrefix(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for code, e := range s.entries {
		if strings.HasPrefix(code, prefix) {
			out = append(out, e.Clone())
		}
	}
	sortByCode(out)
	return out, nil
}

func (s *MemoryStore) GetByCode(_ context.Context, code string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[code]
	if !ok {
		return Entry{}, NotFound(code)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) SearchNames(_ context.Context, term string, limit int) ([]Entry, error) {
	term = textproc.Normalize(term)
	if term == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if strings.Contains(textproc.Normalize(e.NamePrimary), term) ||
			strings.Contains(textproc.Normalize(e.NameSecondary), term) {
			out = append(out, e.Clone())
		}
	}
	sortByCode(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) All(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sortByCode(out)
	return out, nil
}

func (s *MemoryStore) UpsertEmbedding(_ context.Context, code string, vector []float32, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[code]
	if !ok {
		return NotFound(code)
	}
	e.Embedding = append([]float32(nil), vector...)
	e.EmbeddingModel = model
	s.entries[code] = e
	return nil
}

func (s *MemoryStore) ClearEmbedding(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[code]
	if !ok {
		return NotFound(code)
	}
	e.Embedding = nil
	e.EmbeddingModel = ""
	s.entries[code] = e
	return nil
}

func (s *MemoryStore) EmbeddingModels(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	var out []string
	for _, e := range s.entries {
		if e.HasEmbedding() && !seen[e.EmbeddingModel] {
			seen[e.EmbeddingModel] = true
			out = append(out, e.EmbeddingModel)
		}
	}
	sort.Strings(out)
	return out, nil
}

// UpsertEntries replaces entries by code. An existing embedding survives
// unless the incoming entry's text changed.
func (s *MemoryStore) UpsertEntries(_ context.Context, entries []Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.Level == 0 {
			e.Level = LevelOf(e.Code)
		}
		if err := e.Validate(); err != nil {
			return 0, err
		}
		if old, ok := s.entries[e.Code]; ok && !e.HasEmbedding() && SameText(old, e) {
			e.Embedding = old.Embedding
			e.EmbeddingModel = old.EmbeddingModel
		}
		s.put(e)
	}
	return len(entries), nil
}

// SameText reports whether the embedded text of two entries is identical.
func SameText(a, b Entry) bool {
	return a.NamePrimary == b.NamePrimary &&
		a.NameSecondary == b.NameSecondary &&
		a.CategoryLabel == b.CategoryLabel &&
		a.CategoryCode == b.CategoryCode
}

func (s *MemoryStore) Nearest(_ context.Context, vector []float32, topK int) ([]Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Neighbor
	for _, e := range s.entries {
		if !e.HasEmbedding() {
			continue
		}
		sim, err := Cosine(vector, e.Embedding)
		if err != nil {
			return nil, Configuration("query vector does not match catalog embeddings: %v", err)
		}
		out = append(out, Neighbor{Entry: e.Clone(), Similarity: sim})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Entry.Code < out[j].Entry.Code
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

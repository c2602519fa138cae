package semantic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hs-classifier/backend/internal/catalog"
)

type stubEmbedder struct {
	model   string
	vectors map[string][]float32
	calls   int
	err     error
}

func (s *stubEmbedder) Model() string { return s.model }

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.vectors[t]
	}
	return out, nil
}

type mapCache struct {
	data map[string][]float32
}

func (c *mapCache) GetEmbedding(_ context.Context, model, text string) ([]float32, bool, error) {
	v, ok := c.data[model+"|"+text]
	return v, ok, nil
}

func (c *mapCache) SetEmbedding(_ context.Context, model, text string, v []float32, _ time.Duration) error {
	c.data[model+"|"+text] = v
	return nil
}

func TestMatchRanksBySimilarityAndSkipsUnembedded(t *testing.T) {
	store := catalog.NewMemoryStore(
		catalog.Entry{Code: "8516710000", NamePrimary: "커피 메이커", Embedding: []float32{0.92, 0.3919}},
		catalog.Entry{Code: "3924", NamePrimary: "플라스틱 주방용품", Embedding: []float32{0, 1}},
		catalog.Entry{Code: "0901", NamePrimary: "커피"},
	)
	emb := &stubEmbedder{model: "m1", vectors: map[string][]float32{"드립 커피 기계": {1, 0}}}

	m, err := NewMatcher(emb, store, Config{CatalogModel: "m1"})
	require.NoError(t, err)

	got, err := m.Match(context.Background(), "드립 커피 기계", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "8516710000", got[0].Code)
	assert.InDelta(t, 0.92, got[0].Confidence, 0.001)
	assert.Equal(t, catalog.StageSemantic, got[0].Stage())
	assert.Equal(t, "3924", got[1].Code)
	assert.Zero(t, got[1].Confidence)
}

func TestMatchEmptyIndex(t *testing.T) {
	emb := &stubEmbedder{model: "m1", vectors: map[string][]float32{"q": {1}}}
	m, err := NewMatcher(emb, catalog.NewMemoryStore(), Config{})
	require.NoError(t, err)

	got, err := m.Match(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNewMatcherRejectsModelMismatch(t *testing.T) {
	_, err := NewMatcher(&stubEmbedder{model: "text-embedding-3-large"}, catalog.NewMemoryStore(),
		Config{CatalogModel: "text-embedding-3-small"})
	assert.ErrorIs(t, err, catalog.ErrConfiguration)
}

func TestMatchPropagatesEmbedderFailure(t *testing.T) {
	emb := &stubEmbedder{model: "m1", err: catalog.Transient(errors.New("timeout"), "embed")}
	m, err := NewMatcher(emb, catalog.NewMemoryStore(), Config{})
	require.NoError(t, err)

	_, err = m.Match(context.Background(), "q", 3)
	assert.ErrorIs(t, err, catalog.ErrTransient)
}

func TestMatchUsesQueryEmbeddingCache(t *testing.T) {
	store := catalog.NewMemoryStore(catalog.Entry{Code: "0901", Embedding: []float32{1, 0}})
	emb := &stubEmbedder{model: "m1", vectors: map[string][]float32{"커피": {1, 0}}}
	cache := &mapCache{data: map[string][]float32{}}

	m, err := NewMatcher(emb, store, Config{})
	require.NoError(t, err)
	m.WithCache(cache)

	for i := 0; i < 3; i++ {
		got, err := m.Match(context.Background(), " 커피 ", 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
	}
	assert.Equal(t, 1, emb.calls)
	assert.Contains(t, cache.data, "m1|커피")
}

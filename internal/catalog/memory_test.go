package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStore() *MemoryStore {
	return NewMemoryStore(
		Entry{Code: "84", NamePrimary: "원자로, 보일러, 기계류"},
		Entry{Code: "8471", NamePrimary: "자동자료처리기계", Keywords: []string{"컴퓨터"}},
		Entry{Code: "8471301000", NamePrimary: "휴대용 컴퓨터", NameSecondary: "Laptop computers",
			Aliases: []string{"노트북", "Laptop"}, Keywords: []string{"컴퓨터"}, Embedding: []float32{1, 0}, EmbeddingModel: "m1"},
		Entry{Code: "8419", NamePrimary: "가열용 기계", Aliases: []string{"커피머신"}, Embedding: []float32{0, 1}, EmbeddingModel: "m1"},
	)
}

func TestMemoryStoreExactLookups(t *testing.T) {
	ctx := context.Background()
	s := sampleStore()

	got, err := s.GetByExact(ctx, FieldAlias, " LAPTOP ")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "8471301000", got[0].Code)

	got, err = s.GetByExact(ctx, FieldKeyword, "컴퓨터")
	require.NoError(t, err)
	assert.Equal(t, []string{"8471", "8471301000"}, codes(got))

	got, err = s.GetByExact(ctx, FieldNameSecondary, "laptop computers")
	require.NoError(t, err)
	assert.Equal(t, []string{"8471301000"}, codes(got))

	_, err = s.GetByExact(ctx, Field("hs6"), "x")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestMemoryStorePrefixCodeAndNames(t *testing.T) {
	ctx := context.Background()
	s := sampleStore()

	got, err := s.GetByPrefix(ctx, "84")
	require.NoError(t, err)
	assert.Equal(t, []string{"84", "8419", "8471", "8471301000"}, codes(got))

	_, err = s.GetByCode(ctx, "9999")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = s.SearchNames(ctx, "컴퓨터", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"8471301000"}, codes(got))
}

func TestMemoryStoreEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := sampleStore()

	missing, err := withoutEmbedding(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"84", "8471"}, codes(missing))

	require.NoError(t, s.UpsertEmbedding(ctx, "8471", []float32{0.6, 0.8}, "m1"))
	assert.ErrorIs(t, s.UpsertEmbedding(ctx, "0000", []float32{1}, "m1"), ErrNotFound)

	hits, err := s.Nearest(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "8471301000", hits[0].Entry.Code)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.Equal(t, "8471", hits[1].Entry.Code)
	assert.InDelta(t, 0.6, hits[1].Similarity, 1e-6)

	require.NoError(t, s.ClearEmbedding(ctx, "8419"))
	hits, err = s.Nearest(ctx, []float32{0, 1}, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "8419", h.Entry.Code, "unembedded entries are never neighbors")
	}

	models, err := s.EmbeddingModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, models)

	_, err = s.Nearest(ctx, []float32{1, 0, 0}, 1)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestMemoryStoreNearestOnEmptyIndex(t *testing.T) {
	hits, err := NewMemoryStore(Entry{Code: "01"}).Nearest(context.Background(), []float32{1}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryStoreUpsertEntriesKeepsEmbeddingForSameText(t *testing.T) {
	ctx := context.Background()
	s := sampleStore()

	_, err := s.UpsertEntries(ctx, []Entry{
		{Code: "8471301000", NamePrimary: "휴대용 컴퓨터", NameSecondary: "Laptop computers", Aliases: []string{"랩톱"}},
		{Code: "8419", NamePrimary: "가열용 기계(변경)"},
	})
	require.NoError(t, err)

	kept, err := s.GetByCode(ctx, "8471301000")
	require.NoError(t, err)
	assert.True(t, kept.HasEmbedding())
	assert.Equal(t, []string{"랩톱"}, kept.Aliases)

	old, err := s.GetByExact(ctx, FieldAlias, "노트북")
	require.NoError(t, err)
	assert.Empty(t, old, "replaced aliases are unindexed")

	changed, err := s.GetByCode(ctx, "8419")
	require.NoError(t, err)
	assert.False(t, changed.HasEmbedding())

	_, err = s.UpsertEntries(ctx, []Entry{{Code: "123"}})
	assert.Error(t, err)
}

func codes(es []Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Code
	}
	return out
}

// withoutEmbedding lists the entries an embedding run still has to cover.
func withoutEmbedding(ctx context.Context, s Store) ([]Entry, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if !e.HasEmbedding() {
			out = append(out, e)
		}
	}
	return out, nil
}

package zilliz

import (
	"context"
	"errors"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/hs-classifier/backend/internal/catalog"
)

// fakeMilvus overrides the calls the index makes; anything else panics
// through the nil embedded interface.
type fakeMilvus struct {
	client.Client

	codes     []string
	models    []string
	scores    []float32
	searchErr error

	metric   entity.MetricType
	topK     int
	searches int
	deletes  []string
	upserted []string
}

func (f *fakeMilvus) Search(ctx context.Context, collName string, partitions []string, expr string, outputFields []string,
	vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam,
	opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
	f.metric = metricType
	f.topK = topK
	f.searches++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	fields := client.ResultSet{entity.NewColumnVarChar(fieldCode, f.codes)}
	if f.models != nil {
		fields = append(fields, entity.NewColumnVarChar(fieldModel, f.models))
	}
	return []client.SearchResult{{
		ResultCount: len(f.codes),
		IDs:         entity.NewColumnVarChar(fieldCode, f.codes),
		Fields:      fields,
		Scores:      f.scores,
	}}, nil
}

func (f *fakeMilvus) Delete(ctx context.Context, collName string, partitionName string, expr string) error {
	f.deletes = append(f.deletes, expr)
	return nil
}

func (f *fakeMilvus) Upsert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error) {
	codes := columns[0].(*entity.ColumnVarChar)
	f.upserted = append(f.upserted, codes.Data()...)
	return codes, nil
}

func (f *fakeMilvus) Flush(ctx context.Context, collName string, async bool, opts ...client.FlushOption) error {
	return nil
}

const testModel = "text-embedding-3-small"

func testStore() *catalog.MemoryStore {
	return catalog.NewMemoryStore(
		catalog.Entry{Code: "8516", NamePrimary: "전기 가열기기", Embedding: []float32{0, 1, 0}, EmbeddingModel: testModel},
		catalog.Entry{Code: "8516101000", NamePrimary: "전기 주전자", Embedding: []float32{1, 0, 0}, EmbeddingModel: testModel},
		catalog.Entry{Code: "8516790000", NamePrimary: "기타"},
	)
}

func TestNearestHydratesAndSkipsStale(t *testing.T) {
	fake := &fakeMilvus{
		codes:  []string{"8516101000", "9999", "8516"},
		scores: []float32{0.91, 0.85, 1.2},
	}
	z := newWithClient(fake, testStore(), "hs", 3, 0)

	got, err := z.Nearest(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "8516101000", got[0].Entry.Code)
	assert.Equal(t, "전기 주전자", got[0].Entry.NamePrimary)
	assert.InDelta(t, 0.91, got[0].Similarity, 1e-6)
	assert.Equal(t, "8516", got[1].Entry.Code)
	assert.Equal(t, 1.0, got[1].Similarity)

	assert.Equal(t, entity.COSINE, fake.metric)
	assert.Equal(t, 5, fake.topK)
}

func TestNearestSkipsEntriesWithoutEmbedding(t *testing.T) {
	store := testStore()
	require.NoError(t, store.ClearEmbedding(context.Background(), "8516101000"))

	fake := &fakeMilvus{
		codes:  []string{"8516101000", "8516790000", "8516"},
		scores: []float32{0.93, 0.9, 0.8},
	}
	z := newWithClient(fake, store, "hs", 3, 0)

	got, err := z.Nearest(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "8516", got[0].Entry.Code)
}

func TestNearestSkipsVectorsFromAnotherModel(t *testing.T) {
	fake := &fakeMilvus{
		codes:  []string{"8516101000", "8516"},
		models: []string{"text-embedding-ada-002", testModel},
		scores: []float32{0.95, 0.82},
	}
	z := newWithClient(fake, testStore(), "hs", 3, 0)

	got, err := z.Nearest(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "8516", got[0].Entry.Code)
}

func TestSyncRemovesClearedVectors(t *testing.T) {
	store := testStore()
	require.NoError(t, store.ClearEmbedding(context.Background(), "8516"))

	fake := &fakeMilvus{}
	z := newWithClient(fake, store, "hs", 3, 0)

	report, err := z.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Upserted: 1, Removed: 2}, report)
	assert.Equal(t, []string{`code in ["8516","8516790000"]`}, fake.deletes)
	assert.Equal(t, []string{"8516101000"}, fake.upserted)
}

func TestNearestRejectsWrongDimension(t *testing.T) {
	z := newWithClient(&fakeMilvus{}, testStore(), "hs", 3, 0)

	_, err := z.Nearest(context.Background(), []float32{1, 0}, 5)
	assert.ErrorIs(t, err, catalog.ErrConfiguration)
}

func TestNearestSearchFailureIsTransient(t *testing.T) {
	z := newWithClient(&fakeMilvus{searchErr: errors.New("unavailable")}, testStore(), "hs", 3, 0)

	_, err := z.Nearest(context.Background(), []float32{1, 0, 0}, 5)
	assert.ErrorIs(t, err, catalog.ErrTransient)
}

func TestNearestStopsCallingAfterRepeatedFailures(t *testing.T) {
	fake := &fakeMilvus{searchErr: errors.New("unavailable")}
	z := newWithClient(fake, testStore(), "hs", 3, 0)

	for i := 0; i < 5; i++ {
		_, err := z.Nearest(context.Background(), []float32{1, 0, 0}, 5)
		require.ErrorIs(t, err, catalog.ErrTransient)
	}
	require.Equal(t, 5, fake.searches)

	_, err := z.Nearest(context.Background(), []float32{1, 0, 0}, 5)
	assert.ErrorIs(t, err, catalog.ErrTransient)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, fake.searches)
}

func TestNearestZeroTopK(t *testing.T) {
	z := newWithClient(&fakeMilvus{}, testStore(), "hs", 3, 0)

	got, err := z.Nearest(context.Background(), []float32{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteBuildsExpression(t *testing.T) {
	fake := &fakeMilvus{}
	z := newWithClient(fake, testStore(), "hs", 3, 0)

	require.NoError(t, z.Delete(context.Background(), []string{"8516", "8516101000"}))
	assert.Equal(t, []string{`code in ["8516","8516101000"]`}, fake.deletes)

	assert.Error(t, z.Delete(context.Background(), []string{`85" or true`}))
}

func TestUpsertRejectsDimensionMismatch(t *testing.T) {
	z := newWithClient(&fakeMilvus{}, testStore(), "hs", 3, 0)

	n, err := z.Upsert(context.Background(), []catalog.Entry{
		{Code: "8516", Embedding: []float32{1, 2}},
	})
	assert.ErrorIs(t, err, catalog.ErrConfiguration)
	assert.Zero(t, n)

	n, err = z.Upsert(context.Background(), []catalog.Entry{{Code: "8516"}})
	require.NoError(t, err)
	assert.Zero(t, n)
}

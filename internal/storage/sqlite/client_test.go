package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema())

	_, err = c.UpsertEntries(context.Background(), []catalog.Entry{
		{Code: "84", NamePrimary: "원자로·보일러·기계류"},
		{Code: "8471", NamePrimary: "자동자료처리기계", NameSecondary: "Automatic data processing machines"},
		{Code: "8471301000", NamePrimary: "노트북 컴퓨터", ParentCode: "8471", Aliases: []string{"노트북", "Laptop"}, Keywords: []string{"휴대용 컴퓨터"}},
		{Code: "8516710000", NamePrimary: "커피 메이커", NameSecondary: "Coffee makers", CategoryLabel: "전기기기", Keywords: []string{"휴대용 컴퓨터"}},
	})
	require.NoError(t, err)
	return c
}

func TestCatalogLookups(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	byAlias, err := c.GetByExact(ctx, catalog.FieldAlias, " laptop ")
	require.NoError(t, err)
	require.Len(t, byAlias, 1)
	assert.Equal(t, "8471301000", byAlias[0].Code)
	assert.Equal(t, 10, byAlias[0].Level)
	assert.Equal(t, []string{"노트북", "laptop"}, byAlias[0].Aliases)

	byKeyword, err := c.GetByExact(ctx, catalog.FieldKeyword, "휴대용 컴퓨터")
	require.NoError(t, err)
	assert.Len(t, byKeyword, 2)

	byName, err := c.GetByExact(ctx, catalog.FieldNameSecondary, "coffee makers")
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "전기기기", byName[0].CategoryLabel)

	prefix, err := c.GetByPrefix(ctx, "8471")
	require.NoError(t, err)
	assert.Len(t, prefix, 2)

	names, err := c.SearchNames(ctx, "컴퓨터", 10)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "8471301000", names[0].Code)

	wildcard, err := c.SearchNames(ctx, "%", 10)
	require.NoError(t, err)
	assert.Empty(t, wildcard)

	_, err = c.GetByCode(ctx, "9999")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestEmbeddingLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	missing, err := withoutEmbedding(ctx, c)
	require.NoError(t, err)
	assert.Len(t, missing, 4)

	require.NoError(t, c.UpsertEmbedding(ctx, "8471301000", []float32{1, 0, 0}, "m1"))
	require.NoError(t, c.UpsertEmbedding(ctx, "8516710000", []float32{0, 1, 0}, "m1"))
	assert.ErrorIs(t, c.UpsertEmbedding(ctx, "9999", []float32{1}, "m1"), catalog.ErrNotFound)

	got, err := c.GetByCode(ctx, "8471301000")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
	assert.Equal(t, "m1", got.EmbeddingModel)

	modelsUsed, err := c.EmbeddingModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, modelsUsed)

	near, err := c.Nearest(ctx, []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "8471301000", near[0].Entry.Code)

	// Unchanged text keeps the vector; changed text drops it.
	_, err = c.UpsertEntries(ctx, []catalog.Entry{
		{Code: "8471301000", NamePrimary: "노트북 컴퓨터", Aliases: []string{"랩톱"}},
		{Code: "8516710000", NamePrimary: "커피 메이커(전기식)"},
	})
	require.NoError(t, err)

	kept, err := c.GetByCode(ctx, "8471301000")
	require.NoError(t, err)
	assert.True(t, kept.HasEmbedding())
	assert.Equal(t, []string{"랩톱"}, kept.Aliases)

	dropped, err := c.GetByCode(ctx, "8516710000")
	require.NoError(t, err)
	assert.False(t, dropped.HasEmbedding())

	near, err = c.Nearest(ctx, []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "8471301000", near[0].Entry.Code)

	require.NoError(t, c.ClearEmbedding(ctx, "8471301000"))
	near, err = c.Nearest(ctx, []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, near)
}

func TestNearestDropsSnapshotOverlappingAWrite(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	require.NoError(t, c.UpsertEmbedding(ctx, "8471301000", []float32{1, 0, 0}, "m1"))

	// An embedding lands after the snapshot was read but before it is kept.
	c.snapshotLoaded = func() {
		c.snapshotLoaded = nil
		require.NoError(t, c.UpsertEmbedding(ctx, "8516710000", []float32{0, 1, 0}, "m1"))
	}

	near, err := c.Nearest(ctx, []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "8471301000", near[0].Entry.Code)

	near, err = c.Nearest(ctx, []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "8516710000", near[0].Entry.Code)
}

func TestSearchLogAndSelection(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	created := time.Unix(1767225600, 0)
	log := &models.SearchLog{
		ID:             "search-1",
		SessionID:      "session-1",
		Query:          "노트북",
		Context:        []string{"업무용"},
		Status:         "resolved",
		Stage:          "alias",
		TopCode:        "8471301000",
		TopConfidence:  1,
		CandidateCount: 1,
		CreatedAt:      created,
	}
	require.NoError(t, c.InsertSearchLog(ctx, log))

	got, err := c.GetSearchLog(ctx, "search-1")
	require.NoError(t, err)
	assert.Equal(t, *log, *got)

	_, err = c.GetSearchLog(ctx, "search-2")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	sel := &models.Selection{SearchID: "search-1", HSCode: "8471301000", WasTop: true, CreatedAt: created}
	require.NoError(t, c.InsertSelection(ctx, sel))
	assert.NotZero(t, sel.ID)

	recent, err := c.RecentSearchLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, []string{"업무용"}, recent[0].Context)

	require.NoError(t, c.InsertEvaluationRun(ctx, &models.EvaluationRun{ID: "run-1", Dataset: "smoke", Total: 3, CreatedAt: created}))
}

// withoutEmbedding lists the entries an embedding run still has to cover.
func withoutEmbedding(ctx context.Context, s catalog.Store) ([]catalog.Entry, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []catalog.Entry
	for _, e := range all {
		if !e.HasEmbedding() {
			out = append(out, e)
		}
	}
	return out, nil
}

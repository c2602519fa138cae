package searchlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/storage/models"
)

type memoryRepo struct {
	logs       map[string]models.SearchLog
	selections []models.Selection
	failInsert bool
}

func (m *memoryRepo) InsertSearchLog(_ context.Context, log *models.SearchLog) error {
	if m.failInsert {
		return errors.New("disk full")
	}
	m.logs[log.ID] = *log
	return nil
}

func (m *memoryRepo) GetSearchLog(_ context.Context, id string) (*models.SearchLog, error) {
	l, ok := m.logs[id]
	if !ok {
		return nil, eris.Wrapf(catalog.ErrNotFound, "search %s", id)
	}
	return &l, nil
}

func (m *memoryRepo) InsertSelection(_ context.Context, sel *models.Selection) error {
	m.selections = append(m.selections, *sel)
	return nil
}

func (m *memoryRepo) RecentSearchLogs(_ context.Context, limit int) ([]models.SearchLog, error) {
	var out []models.SearchLog
	for _, l := range m.logs {
		out = append(out, l)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func resolvedSession() *catalog.Session {
	sess := catalog.NewSession("커피머신")
	sess.Status = catalog.StatusResolved
	sess.ResolvedBy = catalog.StageAlias
	sess.Candidates = []catalog.Candidate{
		{Code: "8419", Confidence: 1, Stages: []catalog.Stage{catalog.StageAlias}},
		{Code: "8516", Confidence: 0.6, Stages: []catalog.Stage{catalog.StageGPT}},
	}
	return sess
}

func TestRecordQueryAndSelection(t *testing.T) {
	repo := &memoryRepo{logs: map[string]models.SearchLog{}}
	l := NewLogger(repo)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	sess := resolvedSession()
	id := l.RecordQuery(context.Background(), sess, 120*time.Millisecond)
	require.NotEmpty(t, id)

	rec := repo.logs[id]
	assert.Equal(t, sess.ID, rec.SessionID)
	assert.Equal(t, "alias", rec.Stage)
	assert.Equal(t, "8419", rec.TopCode)
	assert.Equal(t, 2, rec.CandidateCount)
	assert.Equal(t, 120, rec.LatencyMS)
	assert.Equal(t, fixed, rec.CreatedAt)

	require.NoError(t, l.RecordSelection(context.Background(), id, "8516", "user-1"))
	require.Len(t, repo.selections, 1)
	assert.False(t, repo.selections[0].WasTop)
	assert.Equal(t, "8516", repo.selections[0].HSCode)
}

func TestRecordQueryFailureIsSwallowed(t *testing.T) {
	l := NewLogger(&memoryRepo{logs: map[string]models.SearchLog{}, failInsert: true})
	assert.Empty(t, l.RecordQuery(context.Background(), resolvedSession(), time.Second))

	var nilLogger *Logger
	assert.Empty(t, nilLogger.RecordQuery(context.Background(), resolvedSession(), time.Second))
}

func TestRecordSelectionValidates(t *testing.T) {
	l := NewLogger(&memoryRepo{logs: map[string]models.SearchLog{}})

	assert.ErrorIs(t, l.RecordSelection(context.Background(), "", "8419", ""), ErrInvalidSelection)
	assert.ErrorIs(t, l.RecordSelection(context.Background(), "abc", "84x9", ""), ErrInvalidSelection)
	assert.ErrorIs(t, l.RecordSelection(context.Background(), "missing", "8419", ""), catalog.ErrNotFound)
}

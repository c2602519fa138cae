package evaluation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/storage/models"
)

// fakeClassifier answers from a table keyed by the last input it receives.
type fakeClassifier struct {
	byInput map[string]*catalog.Session
	calls   []string
}

func (f *fakeClassifier) Classify(_ context.Context, query string, _ *catalog.Session) (*catalog.Session, error) {
	f.calls = append(f.calls, query)
	sess, ok := f.byInput[query]
	if !ok {
		return nil, errors.New("configuration error")
	}
	return sess, nil
}

func session(status catalog.Status, stage catalog.Stage, codes ...string) *catalog.Session {
	s := &catalog.Session{Status: status, ResolvedBy: stage}
	for _, c := range codes {
		s.Candidates = append(s.Candidates, catalog.Candidate{Code: c, Stages: []catalog.Stage{catalog.StageSemantic}})
	}
	return s
}

type memoryRecorder struct{ runs []*models.EvaluationRun }

func (m *memoryRecorder) InsertEvaluationRun(_ context.Context, run *models.EvaluationRun) error {
	m.runs = append(m.runs, run)
	return nil
}

func TestLoadDataset(t *testing.T) {
	ds, err := LoadDataset(strings.NewReader(`
name: smoke
items:
  - query: 전기 주전자
    expected: "8516.10-1000"
  - query: 커피
    expected: "0901"
    answers: [볶은 원두]
`))
	require.NoError(t, err)
	assert.Equal(t, "smoke", ds.Name)
	require.Len(t, ds.Items, 2)
	assert.Equal(t, "8516101000", ds.Items[0].Expected)
	assert.Equal(t, "0901", ds.Items[1].Expected)
	assert.Equal(t, []string{"볶은 원두"}, ds.Items[1].Answers)

	_, err = LoadDataset(strings.NewReader("items:\n  - query: x\n    expected: \"123\"\n"))
	assert.Error(t, err)
}

func TestRunDatasetEvaluation(t *testing.T) {
	fc := &fakeClassifier{byInput: map[string]*catalog.Session{
		"전기 주전자": session(catalog.StatusResolved, catalog.StageAlias, "8516101000"),
		"커피":     session(catalog.StatusNeedInfo, "", "0901", "2101"),
		"볶은 원두":  session(catalog.StatusResolved, catalog.StageGPT, "0901210000"),
		"토스터":    session(catalog.StatusNeedInfo, "", "8516720000", "8516600000", "8419810000", "8516500000", "8516790000", "8516710000"),
		"우주선":    session(catalog.StatusNoMatch, ""),
	}}
	rec := &memoryRecorder{}
	ev := NewEvaluator(fc).WithRecorder(rec)

	report, err := ev.RunDatasetEvaluation(context.Background(), &Dataset{
		Name: "smoke",
		Items: []DatasetItem{
			{Query: "전기 주전자", Expected: "8516101000"},
			{Query: "커피", Expected: "0901", Answers: []string{"볶은 원두", "사용되지 않음"}},
			{Query: "토스터", Expected: "8516720000"},
			{Query: "우주선", Expected: "8802"},
			{Query: "고장", Expected: "8516"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 3, report.Top1Hits)
	assert.Equal(t, 3, report.Top5Hits)
	assert.Equal(t, 2, report.Resolved)
	assert.Equal(t, 1, report.NeedInfo)
	assert.Equal(t, 1, report.NoMatch)
	assert.Equal(t, 1, report.Errors)
	assert.InDelta(t, 0.6, report.Top1, 1e-9)
	assert.Equal(t, map[catalog.Stage]int{
		catalog.StageAlias:    1,
		catalog.StageGPT:      1,
		catalog.StageSemantic: 1,
	}, report.ByStage)

	// The second answer is never sent once the session resolves.
	assert.NotContains(t, fc.calls, "사용되지 않음")
	assert.Len(t, report.Results[2].Codes, topN)

	require.Len(t, rec.runs, 1)
	assert.Equal(t, "smoke", rec.runs[0].Dataset)
	assert.Equal(t, 3, rec.runs[0].Top1Hits)

	text := ev.GenerateReport(report)
	assert.Contains(t, text, "Top-1: 3 (60.0%)")
	assert.Contains(t, text, "- alias: 1")
	assert.Contains(t, text, `"우주선" expected 8802`)
	assert.Contains(t, text, "error: configuration error")
}

func TestMatchesMoreSpecificCode(t *testing.T) {
	assert.True(t, matches("8516101000", "8516"))
	assert.True(t, matches("8516", "8516"))
	assert.False(t, matches("8516", "8516101000"))
	assert.False(t, matches("8419", "8516"))
}

func TestRunDatasetEvaluationCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEvaluator(&fakeClassifier{}).RunDatasetEvaluation(ctx, &Dataset{
		Items: []DatasetItem{{Query: "x", Expected: "8516"}},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

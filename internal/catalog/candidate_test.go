package catalog

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeCandidatesKeepsMaxAndUnionsStages(t *testing.T) {
	semantic := []Candidate{
		{Code: "8419", Name: "가열기기", Level: 4, Confidence: 0.62, Stages: []Stage{StageSemantic}},
		{Code: "8516", Name: "전기 가열기", Level: 4, Confidence: 0.58, Stages: []Stage{StageSemantic}},
	}
	keyword := []Candidate{
		{Code: "8516", Name: "전기 가열기", Level: 4, Confidence: 0.9, Stages: []Stage{StageKeyword}},
	}
	gpt := []Candidate{
		{Code: "8419", Name: "가열기기", Level: 4, Confidence: 0.4, Stages: []Stage{StageGPT}, Reason: "가열 처리 기계"},
	}

	got := MergeCandidates(semantic, keyword, gpt)
	require.Len(t, got, 2)

	assert.Equal(t, "8516", got[0].Code)
	assert.InDelta(t, 0.9, got[0].Confidence, 1e-9)
	assert.Equal(t, []Stage{StageKeyword, StageSemantic}, got[0].Stages)
	assert.Equal(t, StageKeyword, got[0].Stage())

	assert.Equal(t, "8419", got[1].Code)
	assert.InDelta(t, 0.62, got[1].Confidence, 1e-9)
	assert.Equal(t, []Stage{StageSemantic, StageGPT}, got[1].Stages)
	assert.Equal(t, "가열 처리 기계", got[1].Reason)
}

func TestMergeCandidatesEachCodeOnce(t *testing.T) {
	a := []Candidate{{Code: "0901", Confidence: 0.3, Stages: []Stage{StageFallback}}}
	b := []Candidate{{Code: "0901", Confidence: 0.3, Stages: []Stage{StageFallback}}}
	c := []Candidate{{Code: "0901", Confidence: 0.8, Stages: []Stage{StageSemantic}}}

	got := MergeCandidates(a, b, c)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.8, got[0].Confidence, 1e-9)
	assert.Equal(t, []Stage{StageSemantic, StageFallback}, got[0].Stages)
}

func TestSortCandidatesPrefersSpecificLevel(t *testing.T) {
	cs := []Candidate{
		{Code: "8471", Level: 4, Confidence: 1},
		{Code: "8471301000", Level: 10, Confidence: 1},
		{Code: "0101", Level: 4, Confidence: 1},
	}
	SortCandidates(cs)
	assert.Equal(t, []string{"8471301000", "0101", "8471"}, []string{cs[0].Code, cs[1].Code, cs[2].Code})
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.2))
	assert.Equal(t, 1.0, Clamp01(1.0000001))
	assert.Equal(t, 0.5, Clamp01(0.5))
}

func TestSessionHelpers(t *testing.T) {
	s := NewSession("  커피머신 ")
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "커피머신", s.OriginalQuery)

	s.AddContext("가정용")
	s.AddContext("  ")
	assert.Equal(t, "커피머신 가정용", s.SearchText())
	assert.Equal(t, []string{"커피머신", "가정용"}, s.Terms())

	s.RecordAttempt("커피머신")
	s.RecordAttempt("커피머신")
	assert.Equal(t, []string{"커피머신"}, s.AttemptedTerms)

	s.Candidates = []Candidate{{Code: "8419", Stages: []Stage{StageAlias}}}
	c := s.Clone()
	c.Candidates[0].Stages[0] = StageGPT
	c.Context[0] = "업소용"
	assert.Equal(t, StageAlias, s.Candidates[0].Stages[0])
	assert.Equal(t, "가정용", s.Context[0])
}

func TestHierarchyPathValidate(t *testing.T) {
	p := HierarchyPath{{Code: "84"}, {Code: "8471"}, {Code: "8471301000"}}
	assert.NoError(t, p.Validate("8471301000"))
	assert.Equal(t, []string{"84", "8471", "8471301000"}, p.Codes())

	assert.Error(t, p.Validate("8471"))
	assert.Error(t, HierarchyPath{{Code: "84"}, {Code: "8516"}}.Validate("8516"))
	err := HierarchyPath{}.Validate("84")
	require.Error(t, err)
	assert.NotEmpty(t, eris.StackFrames(err))
}

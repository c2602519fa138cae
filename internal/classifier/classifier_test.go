package classifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/lexical"
	"github.com/hs-classifier/backend/internal/llm"
	"github.com/hs-classifier/backend/internal/resolver"
	"github.com/hs-classifier/backend/internal/textproc"
)

type fakeSemantic struct {
	mu     sync.Mutex
	calls  int
	byText map[string][]catalog.Candidate
	err    error
}

func (f *fakeSemantic) Match(_ context.Context, query string, _ int) ([]catalog.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byText[textproc.Normalize(query)], nil
}

type scripted struct {
	mu      sync.Mutex
	replies map[string][]string
	calls   map[string]int
}

func (s *scripted) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[req.Operation]++
	queue := s.replies[req.Operation]
	if len(queue) == 0 {
		return &llm.CompletionResponse{Content: "{}"}, nil
	}
	s.replies[req.Operation] = queue[1:]
	return &llm.CompletionResponse{Content: queue[0]}, nil
}

func (s *scripted) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

type memoryCache struct {
	sessions map[string]*catalog.Session
}

func (m *memoryCache) GetSession(_ context.Context, key string) (*catalog.Session, bool, error) {
	s, ok := m.sessions[key]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (m *memoryCache) SetSession(_ context.Context, key string, sess *catalog.Session, _ time.Duration) error {
	m.sessions[key] = sess.Clone()
	return nil
}

func testStore() *catalog.MemoryStore {
	return catalog.NewMemoryStore(
		catalog.Entry{Code: "7323", NamePrimary: "철강제 식탁용품·주방용품", CategoryLabel: "철강제품"},
		catalog.Entry{Code: "7323100000", NamePrimary: "철강제 주전자", CategoryLabel: "철강제품", Aliases: []string{"주전자"}},
		catalog.Entry{Code: "8419", NamePrimary: "가열·냉각 기계", CategoryLabel: "기계류", Aliases: []string{"커피머신"}},
		catalog.Entry{Code: "8516", NamePrimary: "전기 가열기", CategoryLabel: "전기기기"},
		catalog.Entry{Code: "8516101000", NamePrimary: "전기 주전자", CategoryLabel: "전기기기", Aliases: []string{"주전자"}},
		catalog.Entry{Code: "8516710000", NamePrimary: "커피 메이커", CategoryLabel: "전기기기", Keywords: []string{"드립"}},
	)
}

func hit(t *testing.T, store *catalog.MemoryStore, code string, confidence float64) catalog.Candidate {
	t.Helper()
	e, err := store.GetByCode(context.Background(), code)
	require.NoError(t, err)
	return catalog.NewCandidate(e, confidence, catalog.StageSemantic)
}

func testConfig() Config {
	return Config{SemanticCutoff: 0.8, MaxRounds: 3, AmbiguityMargin: 0.05, StageTimeout: time.Second, Refine: true}
}

func TestAliasHitStopsCascade(t *testing.T) {
	store := testStore()
	sem := &fakeSemantic{}
	model := &scripted{}
	c := New(lexical.NewMatcher(store, lexical.Config{}), sem, resolver.New(model, store, resolver.Config{}), testConfig())

	sess, err := c.Classify(context.Background(), "커피머신", nil)
	require.NoError(t, err)

	assert.Equal(t, catalog.StatusResolved, sess.Status)
	assert.Equal(t, catalog.StageAlias, sess.ResolvedBy)
	require.Len(t, sess.Candidates, 1)
	assert.Equal(t, "8419", sess.Candidates[0].Code)
	assert.Equal(t, 1.0, sess.Candidates[0].Confidence)
	assert.Zero(t, sem.calls)
	assert.Zero(t, model.total())
	assert.NotEmpty(t, sess.ID)
}

func TestKeywordHitResolves(t *testing.T) {
	store := testStore()
	sem := &fakeSemantic{}
	c := New(lexical.NewMatcher(store, lexical.Config{}), sem, nil, testConfig())

	sess, err := c.Classify(context.Background(), "핸드 드립", nil)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusResolved, sess.Status)
	assert.Equal(t, catalog.StageKeyword, sess.ResolvedBy)
	assert.Equal(t, "8516710000", sess.Candidates[0].Code)
	assert.Equal(t, 0.9, sess.Candidates[0].Confidence)
	assert.Zero(t, sem.calls)
}

func TestCollidingAliasesNeedInfo(t *testing.T) {
	store := testStore()
	c := New(lexical.NewMatcher(store, lexical.Config{}), nil, nil, testConfig())

	sess, err := c.Classify(context.Background(), "주전자", nil)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNeedInfo, sess.Status)
	require.Len(t, sess.Candidates, 2)
	assert.NotEmpty(t, sess.Questions)
	assert.Contains(t, sess.Questions[len(sess.Questions)-1], "7323100000")
	assert.Contains(t, sess.Questions[len(sess.Questions)-1], "8516101000")
}

func TestSemanticAboveCutoffResolves(t *testing.T) {
	store := testStore()
	sem := &fakeSemantic{byText: map[string][]catalog.Candidate{
		"에스프레소 추출 장치": {hit(t, store, "8419", 0.92), hit(t, store, "8516", 0.61)},
	}}
	model := &scripted{}
	c := New(lexical.NewMatcher(store, lexical.Config{}), sem, resolver.New(model, store, resolver.Config{}), testConfig())

	sess, err := c.Classify(context.Background(), "에스프레소 추출 장치", nil)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusResolved, sess.Status)
	assert.Equal(t, catalog.StageSemantic, sess.ResolvedBy)
	assert.Equal(t, "8419", sess.Candidates[0].Code)
	assert.InDelta(t, 0.92, sess.Candidates[0].Confidence, 1e-9)
	assert.Equal(t, 1, sem.calls)
	assert.Zero(t, model.total())
}

func TestCloseSemanticCandidatesNeedInfo(t *testing.T) {
	store := testStore()
	sem := &fakeSemantic{byText: map[string][]catalog.Candidate{
		"스테인리스 커피포트": {hit(t, store, "7323", 0.55), hit(t, store, "8516", 0.52)},
		"스테인리스 커피포트 전기로 가열": {hit(t, store, "8516", 0.86), hit(t, store, "7323", 0.41)},
	}}
	c := New(lexical.NewMatcher(store, lexical.Config{}), sem, nil, testConfig())

	sess, err := c.Classify(context.Background(), "스테인리스 커피포트", nil)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNeedInfo, sess.Status)
	require.Len(t, sess.Candidates, 2)
	assert.Equal(t, "7323", sess.Candidates[0].Code)
	require.NotEmpty(t, sess.Questions)
	assert.Contains(t, sess.Questions[0], "비금속과 그 제품")
	assert.Contains(t, sess.Questions[0], "기계류와 전기기기")

	next, err := c.Classify(context.Background(), "전기로 가열", sess)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusResolved, next.Status)
	assert.Equal(t, "8516", next.Candidates[0].Code)
	assert.Equal(t, []string{"전기로 가열"}, next.Context)
	assert.Equal(t, sess.ID, next.ID)
	assert.Empty(t, sess.Context)
}

func TestJudgeRejectionWithCloseCandidatesNeedsInfo(t *testing.T) {
	store := testStore()
	sem := &fakeSemantic{byText: map[string][]catalog.Candidate{
		"스테인리스 커피포트": {hit(t, store, "7323", 0.55), hit(t, store, "8516", 0.52)},
	}}
	model := &scripted{replies: map[string][]string{
		"propose": {`{"categories": []}`},
		"judge":   {`{"found": false, "reason": "재질 불명"}`},
	}}
	c := New(lexical.NewMatcher(store, lexical.Config{}), sem, resolver.New(model, store, resolver.Config{}), testConfig())

	sess, err := c.Classify(context.Background(), "스테인리스 커피포트", nil)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNeedInfo, sess.Status)
	assert.Equal(t, 1, model.calls["judge"])
	assert.Zero(t, model.calls["better_terms"])
	assert.Equal(t, 1, sess.Rounds)
}

func TestInventedCodeIsNeverAccepted(t *testing.T) {
	store := testStore()
	sem := &fakeSemantic{byText: map[string][]catalog.Candidate{
		"가정용 추출기": {hit(t, store, "8516", 0.7)},
	}}
	model := &scripted{replies: map[string][]string{
		"propose":      {`{"categories": [{"code": "8419"}, {"code": "8516"}]}`},
		"judge":        {`{"found": true, "hsCode": "9999"}`},
		"better_terms": {`{"terms": []}`},
	}}
	c := New(lexical.NewMatcher(store, lexical.Config{}), sem, resolver.New(model, store, resolver.Config{}), testConfig())

	sess, err := c.Classify(context.Background(), "가정용 추출기", nil)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNoMatch, sess.Status)
	assert.Equal(t, 1, model.calls["better_terms"])

	codes := map[string]int{}
	for _, cand := range sess.Candidates {
		codes[cand.Code]++
	}
	assert.NotContains(t, codes, "9999")
	assert.Equal(t, map[string]int{"8516": 1, "8419": 1}, codes)

	// 8516 came from both the semantic stage and a proposal.
	assert.Equal(t, "8516", sess.Candidates[0].Code)
	assert.Equal(t, 0.7, sess.Candidates[0].Confidence)
	assert.ElementsMatch(t, []catalog.Stage{catalog.StageSemantic, catalog.StageGPT}, sess.Candidates[0].Stages)
	assert.Contains(t, sess.AttemptedTerms, "가정용 추출기")
}

func TestJudgedCodeIsRefinedAndResolved(t *testing.T) {
	store := testStore()
	model := &scripted{replies: map[string][]string{
		"propose": {`{"categories": [{"code": "8516", "reason": "전열 기기"}]}`},
		"judge":   {`{"found": true, "hsCode": "8516", "reason": "전기 가열식"}`},
		"refine":  {`{"hsCode": "8516710000", "reason": "커피 메이커"}`},
	}}
	c := New(lexical.NewMatcher(store, lexical.Config{}), &fakeSemantic{}, resolver.New(model, store, resolver.Config{}), testConfig())

	sess, err := c.Classify(context.Background(), "원두 추출기", nil)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusResolved, sess.Status)
	assert.Equal(t, catalog.StageGPT, sess.ResolvedBy)
	assert.Equal(t, "8516710000", sess.Candidates[0].Code)
	assert.Equal(t, JudgeConfidence, sess.Candidates[0].Confidence)
	assert.Equal(t, "커피 메이커", sess.Candidates[0].Reason)
	assert.Equal(t, 1, model.calls["refine"])
}

func TestRoundsAreBounded(t *testing.T) {
	store := testStore()
	model := &scripted{replies: map[string][]string{
		"better_terms": {
			`{"terms": ["대체어하나"]}`,
			`{"terms": ["대체어둘"]}`,
			`{"terms": ["대체어셋"]}`,
			`{"terms": ["대체어넷"]}`,
		},
	}}
	c := New(lexical.NewMatcher(store, lexical.Config{}), &fakeSemantic{}, resolver.New(model, store, resolver.Config{}), testConfig())

	sess, err := c.Classify(context.Background(), "알수없는물건", nil)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNoMatch, sess.Status)
	assert.Equal(t, 3, sess.Rounds)
	assert.Equal(t, 3, model.calls["propose"])
	assert.Equal(t, 3, model.calls["better_terms"])
	assert.Equal(t, []string{"알수없는물건", "대체어하나", "대체어둘", "대체어셋"}, sess.AttemptedTerms)
	assert.Empty(t, sess.Candidates)
}

func TestDegradedStageFallsBackToSubstring(t *testing.T) {
	store := testStore()
	sem := &fakeSemantic{err: catalog.Transient(nil, "embedding timeout")}
	c := New(lexical.NewMatcher(store, lexical.Config{}), sem, nil, testConfig())

	sess, err := c.Classify(context.Background(), "커피", nil)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNeedInfo, sess.Status)
	require.Len(t, sess.Candidates, 1)
	assert.Equal(t, "8516710000", sess.Candidates[0].Code)
	assert.Equal(t, catalog.StageFallback, sess.Candidates[0].Stage())
	assert.Equal(t, 0.5, sess.Candidates[0].Confidence)
}

func TestConfigurationErrorSurfaces(t *testing.T) {
	store := testStore()
	sem := &fakeSemantic{err: catalog.Configuration("embedding model mismatch")}
	c := New(lexical.NewMatcher(store, lexical.Config{}), sem, nil, testConfig())

	_, err := c.Classify(context.Background(), "에스프레소", nil)
	assert.ErrorIs(t, err, catalog.ErrConfiguration)
}

func TestEmptyQuery(t *testing.T) {
	c := New(lexical.NewMatcher(testStore(), lexical.Config{}), nil, nil, testConfig())

	_, err := c.Classify(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestRepeatedQueriesAreIdempotent(t *testing.T) {
	store := testStore()
	sem := &fakeSemantic{byText: map[string][]catalog.Candidate{
		"스테인리스 커피포트": {hit(t, store, "7323", 0.55), hit(t, store, "8516", 0.52)},
	}}
	c := New(lexical.NewMatcher(store, lexical.Config{}), sem, nil, testConfig())

	first, err := c.Classify(context.Background(), "스테인리스 커피포트", nil)
	require.NoError(t, err)
	second, err := c.Classify(context.Background(), "스테인리스 커피포트", nil)
	require.NoError(t, err)

	assert.Equal(t, first.Candidates, second.Candidates)
	assert.Equal(t, first.Status, second.Status)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCachedSessionIsReused(t *testing.T) {
	store := testStore()
	sem := &fakeSemantic{byText: map[string][]catalog.Candidate{
		"에스프레소 추출 장치": {hit(t, store, "8419", 0.92)},
	}}
	cache := &memoryCache{sessions: map[string]*catalog.Session{}}
	c := New(lexical.NewMatcher(store, lexical.Config{}), sem, nil, testConfig()).WithCache(cache)

	first, err := c.Classify(context.Background(), "에스프레소 추출 장치", nil)
	require.NoError(t, err)
	second, err := c.Classify(context.Background(), " 에스프레소  추출 장치", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, sem.calls)
	assert.Equal(t, first.Candidates, second.Candidates)
	assert.NotEqual(t, first.ID, second.ID)
}

package lexical

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hs-classifier/backend/internal/catalog"
)

func testStore() *catalog.MemoryStore {
	return catalog.NewMemoryStore(
		catalog.Entry{Code: "8419", NamePrimary: "가열·냉각 기계", Aliases: []string{"커피머신"}},
		catalog.Entry{Code: "8419810000", NamePrimary: "커피 제조기", Aliases: []string{"커피머신"}, Keywords: []string{"에스프레소"}},
		catalog.Entry{Code: "8516", NamePrimary: "전기 가열기", Keywords: []string{"에스프레소", "전기포트"}},
		catalog.Entry{Code: "8516710000", NamePrimary: "커피 메이커", NameSecondary: "Coffee makers", Keywords: []string{"에스프레소"}},
		catalog.Entry{Code: "8516790000", NamePrimary: "기타", Keywords: []string{"전기포트"}},
		catalog.Entry{Code: "0901", NamePrimary: "커피", NameSecondary: "Coffee"},
	)
}

func TestMatchAliasPrefersSpecificLevel(t *testing.T) {
	m := NewMatcher(testStore(), Config{AliasLimit: 1})

	got, err := m.MatchAlias(context.Background(), "  커피머신 ")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "8419810000", got[0].Code)
	assert.Equal(t, 1.0, got[0].Confidence)
	assert.Equal(t, []catalog.Stage{catalog.StageAlias}, got[0].Stages)

	none, err := m.MatchAlias(context.Background(), "자전거")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMatchKeywordRanksByLevelAndCaps(t *testing.T) {
	m := NewMatcher(testStore(), Config{KeywordLimit: 2})

	got, err := m.MatchKeyword(context.Background(), "에스프레소")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "8419810000", got[0].Code)
	assert.Equal(t, "8516710000", got[1].Code)
	for _, c := range got {
		assert.Equal(t, 0.9, c.Confidence)
		assert.Equal(t, catalog.StageKeyword, c.Stage())
	}
}

func TestMatchExactNameSkipsGenericNames(t *testing.T) {
	m := NewMatcher(testStore(), Config{})

	got, err := m.MatchExactName(context.Background(), "coffee makers")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "8516710000", got[0].Code)

	generic, err := m.MatchExactName(context.Background(), "기타")
	require.NoError(t, err)
	assert.Empty(t, generic)
}

func TestMatchSubstringFallback(t *testing.T) {
	m := NewMatcher(testStore(), Config{FallbackLimit: 2})

	got, err := m.MatchSubstring(context.Background(), "커피")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "8419810000", got[0].Code)
	assert.Equal(t, "8516710000", got[1].Code)
	assert.Equal(t, 0.5, got[0].Confidence)
	assert.Equal(t, catalog.StageFallback, got[0].Stage())

	tokens, err := m.MatchSubstring(context.Background(), "휴대용 커피 메이커 세트")
	require.NoError(t, err)
	require.NotEmpty(t, tokens)
	assert.Equal(t, "8516710000", tokens[0].Code)
}

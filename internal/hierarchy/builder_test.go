package hierarchy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hs-classifier/backend/internal/catalog"
)

func TestBuildPath(t *testing.T) {
	store := catalog.NewMemoryStore(
		catalog.Entry{Code: "84", NamePrimary: "원자로·보일러·기계류"},
		catalog.Entry{Code: "8471", NamePrimary: "자동자료처리기계"},
		catalog.Entry{Code: "847130", NamePrimary: "휴대용"},
		catalog.Entry{Code: "8471301000", NamePrimary: "노트북 컴퓨터"},
		catalog.Entry{Code: "8516710000", NamePrimary: "커피 메이커"},
	)
	b := NewBuilder(store)

	tests := []struct {
		code string
		want []string
	}{
		{"8471301000", []string{"84", "8471", "847130", "8471301000"}},
		{"8471", []string{"84", "8471"}},
		{"84", []string{"84"}},
		// Missing intermediate levels are skipped.
		{"8516710000", []string{"8516710000"}},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			path, err := b.Build(context.Background(), tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, path.Codes())
			assert.NoError(t, path.Validate(tt.code))
		})
	}
}

func TestBuildPathNotFound(t *testing.T) {
	b := NewBuilder(catalog.NewMemoryStore(catalog.Entry{Code: "84", NamePrimary: "기계류"}))

	_, err := b.Build(context.Background(), "8471301000")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

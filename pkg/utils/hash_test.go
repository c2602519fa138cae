package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashKey(t *testing.T) {
	a := HashKey("text-embedding-3-small", "커피머신")
	assert.Len(t, a, 32)
	assert.Equal(t, a, HashKey("text-embedding-3-small", "커피머신"))
	assert.NotEqual(t, a, HashKey("text-embedding-3-large", "커피머신"))
	assert.NotEqual(t, HashKey("ab", "c"), HashKey("a", "bc"))
}

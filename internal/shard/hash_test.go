package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndex(t *testing.T) {
	tests := []struct {
		name     string
		infoHash string
		n        int
		want     int
	}{
		{"single shard", "abcd", 1, 0},
		{"first four characters", "abcd", 3, (97 + 98 + 99 + 100) % 3},
		{"tail ignored", "abcdXYZ", 3, (97 + 98 + 99 + 100) % 3},
		{"short hash", "ab", 4, (97 + 98) % 4},
		{"empty", "", 4, 0},
		{"code points not bytes", "ÿÿÿÿ", 7, (4 * 255) % 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Index(tt.infoHash, tt.n))
		})
	}
}

func TestIndexSpreadsAdjacentHashes(t *testing.T) {
	seen := make(map[int]bool)
	for _, h := range []string{"aaaa", "aaab", "aaac", "aaad"} {
		seen[Index(h, 4)] = true
	}
	assert.Len(t, seen, 4)
}

func TestRoutable(t *testing.T) {
	assert.False(t, routable("abc"))
	assert.True(t, routable("abcd"))
	assert.True(t, routable("ÿÿÿÿ"))
	assert.False(t, routable("ÿÿÿ"))
}

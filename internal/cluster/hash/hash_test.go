package hash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashTag(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"no_tag", "foo", "foo"},
		{"tag", "{user}:123", "user"},
		{"empty_tag", "{}foo", "{}foo"},
		{"nested_braces", "{{foo}}", "{foo"},
		{"first_pair_only", "{a}{b}", "a"},
		{"unclosed", "{foo", "{foo"},
		{"reversed", "}foo{bar", "}foo{bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HashTag(tt.key))
		})
	}
}

func TestKeyPartition(t *testing.T) {
	const n = 64
	for i := 0; i < 1000; i++ {
		p := KeyPartition(fmt.Sprintf("key-%d", i), n)
		assert.GreaterOrEqual(t, int(p), 0)
		assert.Less(t, int(p), n)
	}

	assert.Equal(t, KeyPartition("{user:1000}.name", n), KeyPartition("{user:1000}.email", n))
	assert.Equal(t, KeyPartition("foo", n), KeyPartition("foo", n))
	assert.Zero(t, KeyPartition("foo", 0))
}

func TestKeyPartition_Spread(t *testing.T) {
	const n = 16
	counts := make([]int, n)
	for i := 0; i < 16000; i++ {
		counts[KeyPartition(fmt.Sprintf("k%d", i), n)]++
	}
	for p, c := range counts {
		assert.Greater(t, c, 500, "partition %d got %d keys", p, c)
	}
}

package sync

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRing(members int) *ring[int] {
	entries := make(map[string]int)
	for i := 0; i < members; i++ {
		entries[fmt.Sprintf("stripe%d", i)] = i
	}
	return newRing(entries, 200)
}

func TestRing_Stable(t *testing.T) {
	r := testRing(64)
	rebuilt := testRing(64)

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("invoice-%d", i))
		expected := r.get(key)

		assert.Equal(t, expected, r.get(key))
		assert.Equal(t, expected, rebuilt.get(key))
	}
}

func TestRing_Balanced(t *testing.T) {
	members := 5
	keys := 250000
	tolerance := 0.1
	expected := float64(keys / members)

	r := testRing(members)

	counts := make(map[int]int)
	for i := 0; i < keys; i++ {
		counts[r.get([]byte(fmt.Sprintf("order-%d", i)))]++
	}

	assert.Len(t, counts, members)
	for member, count := range counts {
		assert.LessOrEqual(t, math.Abs(float64(count)-expected), tolerance*expected, "member %d", member)
	}
}

func TestRing_SingleMember(t *testing.T) {
	r := testRing(1)
	for i := 0; i < 100; i++ {
		assert.Equal(t, 0, r.get([]byte(fmt.Sprintf("key-%d", i))))
	}
}

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_InsertWithinBudget(t *testing.T) {
	c := NewCache(3)
	c.Insert("A", "valueA", 1)
	c.Insert("B", "valueB", 1)
	c.Insert("C", "valueC", 1)

	assert.Equal(t, 3, c.GetWeight())
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 3, c.GetBudget())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)
	c.SetVerbose(true)
	c.Insert("A", "valueA", 1)
	c.Insert("B", "valueB", 1)

	// Touch A so B becomes the eviction candidate
	_, ok := c.Retrieve("A")
	require.True(t, ok)

	c.Insert("C", "valueC", 1)
	assert.Equal(t, 2, c.GetWeight())

	_, ok = c.Retrieve("B")
	assert.False(t, ok)

	value, ok := c.Retrieve("A")
	require.True(t, ok)
	assert.Equal(t, "valueA", value)

	value, ok = c.Retrieve("C")
	require.True(t, ok)
	assert.Equal(t, "valueC", value)
}

func TestCache_InsertReplacesExisting(t *testing.T) {
	c := NewCache(10)
	c.Insert("key", "old", 3)
	c.Insert("key", "new", 2)

	assert.Equal(t, 2, c.GetWeight())
	assert.Equal(t, 1, c.Len())

	value, ok := c.Retrieve("key")
	require.True(t, ok)
	assert.Equal(t, "new", value)
}

func TestCache_Expiry(t *testing.T) {
	now := time.Now()
	c := NewCache(10).(*cache)
	c.now = func() time.Time { return now }

	c.InsertWithTTL("short", 1, 1, time.Second)
	c.InsertWithTTL("long", 2, 1, time.Minute)
	c.Insert("forever", 3, 1)

	_, ok := c.Retrieve("short")
	assert.True(t, ok)

	now = now.Add(time.Second)

	_, ok = c.Retrieve("short")
	assert.False(t, ok)
	assert.Equal(t, 2, c.GetWeight())

	_, ok = c.Retrieve("long")
	assert.True(t, ok)

	now = now.Add(24 * time.Hour)

	_, ok = c.Retrieve("long")
	assert.False(t, ok)
	_, ok = c.Retrieve("forever")
	assert.True(t, ok)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := NewCache(10)
	c.Insert("A", "valueA", 4)
	c.Insert("B", "valueB", 4)

	assert.True(t, c.Delete("A"))
	assert.False(t, c.Delete("A"))
	assert.Equal(t, 4, c.GetWeight())

	c.Clear()
	assert.Equal(t, 0, c.GetWeight())
	assert.Equal(t, 0, c.Len())
	_, ok := c.Retrieve("B")
	assert.False(t, ok)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache(50)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			key := fmt.Sprintf("key%d", i%25)
			c.InsertWithTTL(key, i, 1, time.Minute)
			c.Retrieve(key)
		}(i)
	}
	wg.Wait()

	assert.True(t, c.GetWeight() <= c.GetBudget())
	assert.Equal(t, 25, c.Len())
}

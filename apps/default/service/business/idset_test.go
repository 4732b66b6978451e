package business

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessedIDSet_ObserveNew(t *testing.T) {
	set := newProcessedIDSet(10)

	assert.True(t, set.Observe("a"))
	assert.True(t, set.Observe("b"))
	assert.Equal(t, 2, set.Len())
}

func TestProcessedIDSet_ObserveDuplicate(t *testing.T) {
	set := newProcessedIDSet(10)

	assert.True(t, set.Observe("a"))
	assert.False(t, set.Observe("a"))
	assert.False(t, set.Observe("a"))
	assert.Equal(t, 1, set.Len())
}

func TestProcessedIDSet_EvictsOldestAtCapacity(t *testing.T) {
	set := newProcessedIDSet(3)

	assert.True(t, set.Observe("a"))
	assert.True(t, set.Observe("b"))
	assert.True(t, set.Observe("c"))
	assert.Equal(t, 3, set.Len())

	// Capacity reached: the next new id evicts exactly "a".
	assert.True(t, set.Observe("d"))
	assert.Equal(t, 3, set.Len())
	assert.False(t, set.Contains("a"))
	assert.True(t, set.Contains("b"))
	assert.True(t, set.Contains("c"))
	assert.True(t, set.Contains("d"))

	// Evicted ids are treated as new again.
	assert.True(t, set.Observe("a"))
	assert.False(t, set.Contains("b"))
}

func TestProcessedIDSet_ReSeeingDoesNotRefreshOrder(t *testing.T) {
	set := newProcessedIDSet(3)

	set.Observe("a")
	set.Observe("b")
	set.Observe("c")

	// Re-seeing "a" must not save it from being the eviction candidate.
	assert.False(t, set.Observe("a"))
	assert.True(t, set.Observe("d"))
	assert.False(t, set.Contains("a"))
}

func TestProcessedIDSet_NeverExceedsCapacity(t *testing.T) {
	set := newProcessedIDSet(50)

	for i := range 500 {
		set.Observe(fmt.Sprintf("id-%d", i))
		assert.LessOrEqual(t, set.Len(), 50)
	}
	assert.Equal(t, 50, set.Len())

	// The newest 50 survive, everything older was evicted in order.
	for i := 450; i < 500; i++ {
		assert.True(t, set.Contains(fmt.Sprintf("id-%d", i)))
	}
	assert.False(t, set.Contains("id-449"))
}

func TestProcessedIDSet_ConcurrentObserve(t *testing.T) {
	set := newProcessedIDSet(1000)

	var wg sync.WaitGroup
	for g := range 10 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 100 {
				set.Observe(fmt.Sprintf("g%d-id%d", g, i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 1000, set.Len())
}

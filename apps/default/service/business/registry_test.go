package business

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistry_SwapInstalls(t *testing.T) {
	reg := newSessionRegistry()

	sess := NewSession("tenant-1")
	prev := reg.swap("tenant-1", sess)
	require.Nil(t, prev)
	assert.Equal(t, int32(1), reg.size())

	got, ok := reg.get("tenant-1")
	require.True(t, ok)
	assert.Same(t, sess, got)
}

func TestSessionRegistry_SwapReturnsDisplaced(t *testing.T) {
	reg := newSessionRegistry()

	first := NewSession("tenant-1")
	second := NewSession("tenant-1")

	reg.swap("tenant-1", first)
	prev := reg.swap("tenant-1", second)

	assert.Same(t, first, prev)
	assert.Equal(t, int32(1), reg.size())

	got, _ := reg.get("tenant-1")
	assert.Same(t, second, got)
}

func TestSessionRegistry_SwapNilRemoves(t *testing.T) {
	reg := newSessionRegistry()

	sess := NewSession("tenant-1")
	reg.swap("tenant-1", sess)

	prev := reg.swap("tenant-1", nil)
	assert.Same(t, sess, prev)
	assert.Equal(t, int32(0), reg.size())

	_, ok := reg.get("tenant-1")
	assert.False(t, ok)
}

func TestSessionRegistry_SwapIfCurrent(t *testing.T) {
	reg := newSessionRegistry()

	stale := NewSession("tenant-1")
	current := NewSession("tenant-1")
	reg.swap("tenant-1", current)

	// A superseded aggregate must not evict its replacement.
	assert.False(t, reg.swapIfCurrent("tenant-1", stale))
	got, ok := reg.get("tenant-1")
	require.True(t, ok)
	assert.Same(t, current, got)

	assert.True(t, reg.swapIfCurrent("tenant-1", current))
	_, ok = reg.get("tenant-1")
	assert.False(t, ok)
}

func TestSessionRegistry_IsCurrent(t *testing.T) {
	reg := newSessionRegistry()

	sess := NewSession("tenant-1")
	assert.False(t, reg.isCurrent("tenant-1", sess))

	reg.swap("tenant-1", sess)
	assert.True(t, reg.isCurrent("tenant-1", sess))
	assert.False(t, reg.isCurrent("tenant-1", NewSession("tenant-1")))
}

func TestSessionRegistry_ConcurrentSwapsLeaveOneCurrent(t *testing.T) {
	reg := newSessionRegistry()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess := NewSession("tenant-1")
			if prev := reg.swap("tenant-1", sess); prev != nil {
				prev.close()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), reg.size())
	got, ok := reg.get("tenant-1")
	require.True(t, ok)

	// Everyone but the winner was closed.
	select {
	case <-got.Done():
		t.Fatal("current session should not be closed")
	default:
	}
}

func TestSessionRegistry_ForEach(t *testing.T) {
	reg := newSessionRegistry()

	for i := range 20 {
		tenantID := fmt.Sprintf("tenant-%d", i)
		reg.swap(tenantID, NewSession(tenantID))
	}

	seen := make(map[string]bool)
	reg.forEach(func(sess *Session) {
		seen[sess.TenantID()] = true
	})
	assert.Len(t, seen, 20)
}

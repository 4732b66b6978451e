package business

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

const (
	// registryShardCount must be a power of 2 for the mask-based shard pick.
	registryShardCount = 32
)

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// sessionRegistry is the authoritative map of tenant to live session
// aggregate. Sharded so concurrent lifecycle operations on unrelated tenants
// never contend on the same lock, with maphash for zero-allocation shard
// selection.
//
// The registry is replace-only: a lifecycle change installs a fresh aggregate
// via swap and the caller tears down the displaced one afterwards. That
// ordering guarantees at most one session per tenant is ever observable.
type sessionRegistry struct {
	shards      [registryShardCount]*registryShard
	hashSeed    maphash.Seed
	currentSize int32 // Atomic access
}

func newSessionRegistry() *sessionRegistry {
	reg := &sessionRegistry{
		hashSeed: maphash.MakeSeed(),
	}
	for i := range registryShardCount {
		reg.shards[i] = &registryShard{
			sessions: make(map[string]*Session),
		}
	}
	return reg
}

func (r *sessionRegistry) getShard(tenantID string) *registryShard {
	h := maphash.String(r.hashSeed, tenantID)
	return r.shards[h&(registryShardCount-1)]
}

// get retrieves the current session for a tenant.
func (r *sessionRegistry) get(tenantID string) (*Session, bool) {
	shard := r.getShard(tenantID)

	shard.mu.RLock()
	sess, exists := shard.sessions[tenantID]
	shard.mu.RUnlock()
	return sess, exists
}

// swap installs sess as the tenant's current session and returns whatever it
// displaced. Passing nil removes the entry. The displaced aggregate, if any,
// is still live when swap returns; the caller ends it after the swap so no
// window exists where two handles are both current.
func (r *sessionRegistry) swap(tenantID string, sess *Session) *Session {
	shard := r.getShard(tenantID)

	shard.mu.Lock()
	prev, existed := shard.sessions[tenantID]
	if sess == nil {
		if existed {
			delete(shard.sessions, tenantID)
			atomic.AddInt32(&r.currentSize, -1)
		}
	} else {
		shard.sessions[tenantID] = sess
		if !existed {
			atomic.AddInt32(&r.currentSize, 1)
		}
	}
	shard.mu.Unlock()
	return prev
}

// swapIfCurrent removes sess only if it is still the tenant's current
// aggregate. Late close notifications from superseded handles use this so
// they never evict a newer session.
func (r *sessionRegistry) swapIfCurrent(tenantID string, sess *Session) bool {
	shard := r.getShard(tenantID)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.sessions[tenantID] != sess {
		return false
	}
	delete(shard.sessions, tenantID)
	atomic.AddInt32(&r.currentSize, -1)
	return true
}

// isCurrent reports whether sess is still the tenant's registered aggregate.
func (r *sessionRegistry) isCurrent(tenantID string, sess *Session) bool {
	shard := r.getShard(tenantID)

	shard.mu.RLock()
	current := shard.sessions[tenantID]
	shard.mu.RUnlock()
	return current == sess
}

// size returns the number of live sessions. Lock-free atomic read.
func (r *sessionRegistry) size() int32 {
	return atomic.LoadInt32(&r.currentSize)
}

// forEach iterates over per-shard snapshots so fn runs without any shard lock
// held.
func (r *sessionRegistry) forEach(fn func(*Session)) {
	var all []*Session

	for i := range registryShardCount {
		shard := r.shards[i]
		shard.mu.RLock()
		for _, sess := range shard.sessions {
			all = append(all, sess)
		}
		shard.mu.RUnlock()
	}

	for _, sess := range all {
		fn(sess)
	}
}

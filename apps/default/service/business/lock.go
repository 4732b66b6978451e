package business

import (
	"context"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/util"
)

const lockKeyPrefix = "session-lock:"

// cacheLocker is a best-effort advisory lock over the shared cache. It keeps
// two processes from racing a pairing or reconnect for the same tenant; it is
// not a correctness primitive. TTL expiry reclaims locks abandoned by a
// crashed holder.
type cacheLocker struct {
	store cache.Cache[string, string]
	owner string
}

// NewCacheLocker creates a Locker backed by the shared cache. Each process
// gets a distinct owner token so Release and Extend only act on locks this
// process acquired.
func NewCacheLocker(store cache.Cache[string, string]) Locker {
	return &cacheLocker{
		store: store,
		owner: util.IDString(),
	}
}

func (cl *cacheLocker) key(tenantID string) string {
	return lockKeyPrefix + tenantID
}

// Acquire takes the tenant lock. Returns (false, nil) when another holder
// owns it, and (false, err) when the cache is unreachable; the caller decides
// whether to degrade to single-process mode.
func (cl *cacheLocker) Acquire(ctx context.Context, tenantID string, ttl time.Duration) (bool, error) {
	key := cl.key(tenantID)

	holder, found, err := cl.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if found && holder != cl.owner {
		return false, nil
	}

	if err = cl.store.Set(ctx, key, cl.owner, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Release drops the lock if this process holds it. Failures are logged only;
// TTL expiry is the backstop.
func (cl *cacheLocker) Release(ctx context.Context, tenantID string) {
	key := cl.key(tenantID)

	holder, found, err := cl.store.Get(ctx, key)
	if err != nil || !found || holder != cl.owner {
		return
	}
	if err = cl.store.Delete(ctx, key); err != nil {
		util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
			Debug("could not release session lock, ttl will reclaim it")
	}
}

// Extend renews the TTL on a lock this process holds. Long-running pairing
// waits call it periodically so the lock outlives the wait.
func (cl *cacheLocker) Extend(ctx context.Context, tenantID string, ttl time.Duration) (bool, error) {
	key := cl.key(tenantID)

	holder, found, err := cl.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found || holder != cl.owner {
		return false, nil
	}
	if err = cl.store.Set(ctx, key, cl.owner, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Exists reports whether any process currently holds the tenant lock.
func (cl *cacheLocker) Exists(ctx context.Context, tenantID string) (bool, error) {
	_, found, err := cl.store.Get(ctx, cl.key(tenantID))
	return found, err
}

// noopLocker grants every acquisition. Used in tests and single-process
// deployments without a shared cache.
type noopLocker struct{}

func NewNoopLocker() Locker { return noopLocker{} }

func (noopLocker) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (noopLocker) Release(context.Context, string)                              {}
func (noopLocker) Extend(context.Context, string, time.Duration) (bool, error)  { return true, nil }
func (noopLocker) Exists(context.Context, string) (bool, error)                 { return false, nil }

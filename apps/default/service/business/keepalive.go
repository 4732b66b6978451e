package business

import (
	"context"
	"time"

	"github.com/pitabwire/util"
)

// PresenceKeepAlive periodically announces availability over the live channel
// so the upstream server keeps routing events to this device. Each tick also
// refreshes the activity timestamp, in memory and best-effort in the durable
// snapshot.
type PresenceKeepAlive struct {
	interval time.Duration

	registry    *sessionRegistry
	sessionRepo SessionStore
}

func NewPresenceKeepAlive(interval time.Duration, registry *sessionRegistry,
	sessionRepo SessionStore) *PresenceKeepAlive {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PresenceKeepAlive{
		interval:    interval,
		registry:    registry,
		sessionRepo: sessionRepo,
	}
}

// Watch sends presence for sess until it is superseded, torn down, or leaves
// the connected state. Runs on its own goroutine, one per live session.
func (pk *PresenceKeepAlive) Watch(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(pk.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-ticker.C:
		}

		if !pk.registry.isCurrent(sess.TenantID(), sess) {
			return
		}
		if sess.State() != StateConnected {
			return
		}
		handle := sess.Handle()
		if handle == nil {
			return
		}

		now := time.Now()
		if err := handle.SendPresence(ctx, true); err != nil {
			util.Log(ctx).WithError(err).WithField("tenant_id", sess.TenantID()).
				Debug("presence announcement failed")
			continue
		}

		sess.TouchActivity(now)
		if pk.sessionRepo != nil {
			if err := pk.sessionRepo.UpdateLastActivity(ctx, sess.TenantID(), now); err != nil {
				util.Log(ctx).WithError(err).WithField("tenant_id", sess.TenantID()).
					Debug("could not persist activity timestamp")
			}
		}
	}
}

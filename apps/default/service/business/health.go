package business

import (
	"context"
	"time"

	"github.com/pitabwire/util"
)

// HealthMonitor watches one live session with a periodic structural probe.
// After a run of consecutive probe failures reaches the threshold, the
// monitor reports the session unhealthy exactly once and retires; a
// successful probe in between resets the run to zero.
type HealthMonitor struct {
	interval  time.Duration
	threshold int

	registry    *sessionRegistry
	onUnhealthy func(ctx context.Context, tenantID string)
}

func NewHealthMonitor(interval time.Duration, threshold int, registry *sessionRegistry,
	onUnhealthy func(ctx context.Context, tenantID string)) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthMonitor{
		interval:    interval,
		threshold:   threshold,
		registry:    registry,
		onUnhealthy: onUnhealthy,
	}
}

// Watch probes sess until it is superseded, torn down, or declared
// unhealthy. Runs on its own goroutine, one per live session.
func (hm *HealthMonitor) Watch(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-ticker.C:
		}

		// A superseded session keeps its Done open only briefly; double
		// check so a stale watcher never probes on behalf of a newer one.
		if !hm.registry.isCurrent(sess.TenantID(), sess) {
			return
		}

		if hm.probe(sess) {
			failures = 0
			continue
		}

		failures++
		util.Log(ctx).WithFields(map[string]any{
			"tenant_id": sess.TenantID(),
			"failures":  failures,
			"threshold": hm.threshold,
		}).Debug("session health probe failed")

		if failures >= hm.threshold {
			util.Log(ctx).WithField("tenant_id", sess.TenantID()).
				Warn("session declared unhealthy")
			hm.onUnhealthy(ctx, sess.TenantID())
			return
		}
	}
}

// probe is a structural liveness check: the handle must exist and still carry
// an authenticated identity. It never performs network I/O.
func (hm *HealthMonitor) probe(sess *Session) bool {
	if sess.State() != StateConnected {
		return false
	}
	handle := sess.Handle()
	return handle != nil && handle.Identity() != ""
}

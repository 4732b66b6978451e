package business

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pitabwire/util"
)

// ReconnectionScheduler owns retry timing for unexpected connection losses.
// Each tenant has at most one armed timer; scheduling while armed is a no-op,
// so overlapping loss signals never stack retries. Delays grow exponentially
// with jitter up to a cap, and once the attempt budget is exhausted the
// tenant enters an extended cooldown at twice the cap before the cycle
// restarts from the base delay.
type ReconnectionScheduler struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	attempt func(ctx context.Context, tenantID string)

	mu      sync.Mutex
	entries map[string]*reconnectEntry
}

type reconnectEntry struct {
	attempts      int
	armed         bool
	lastAttemptAt time.Time
	timer         *time.Timer
}

func NewReconnectionScheduler(baseDelay, maxDelay time.Duration, maxAttempts int,
	attempt func(ctx context.Context, tenantID string)) *ReconnectionScheduler {
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &ReconnectionScheduler{
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		attempt:     attempt,
		entries:     make(map[string]*reconnectEntry),
	}
}

// NextDelay computes the delay for the given completed attempt count. Exposed
// for status reporting.
func (rs *ReconnectionScheduler) NextDelay(attempts int) time.Duration {
	if attempts >= rs.maxAttempts {
		return 2 * rs.maxDelay
	}

	delay := rs.baseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= rs.maxDelay {
			delay = rs.maxDelay
			break
		}
	}
	return delay + time.Duration(rand.Int64N(int64(time.Second)))
}

// Schedule arms the tenant's retry timer if it is not already armed. The
// attempt counter is consumed when the timer fires, not when it is armed, so
// a cancelled timer costs nothing from the budget.
func (rs *ReconnectionScheduler) Schedule(ctx context.Context, tenantID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	entry, ok := rs.entries[tenantID]
	if !ok {
		entry = &reconnectEntry{}
		rs.entries[tenantID] = entry
	}
	if entry.armed {
		return
	}

	delay := rs.NextDelay(entry.attempts)
	cooldown := entry.attempts >= rs.maxAttempts

	entry.armed = true
	entry.timer = time.AfterFunc(delay, func() {
		rs.fire(ctx, tenantID)
	})

	logger := util.Log(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"delay":     delay.String(),
		"attempts":  entry.attempts,
	})
	if cooldown {
		logger.Warn("reconnect attempts exhausted, entering extended cooldown")
	} else {
		logger.Info("reconnect scheduled")
	}
}

func (rs *ReconnectionScheduler) fire(ctx context.Context, tenantID string) {
	rs.mu.Lock()
	entry, ok := rs.entries[tenantID]
	if !ok || !entry.armed {
		rs.mu.Unlock()
		return
	}
	entry.armed = false
	entry.timer = nil
	entry.lastAttemptAt = time.Now()
	if entry.attempts >= rs.maxAttempts {
		// Cooldown elapsed, the next failure starts a fresh backoff cycle.
		entry.attempts = 0
	} else {
		entry.attempts++
	}
	rs.mu.Unlock()

	rs.attempt(ctx, tenantID)
}

// Cancel disarms any pending retry for the tenant without touching its
// attempt counter.
func (rs *ReconnectionScheduler) Cancel(tenantID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	entry, ok := rs.entries[tenantID]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.armed = false
}

// Reset cancels any pending retry and zeroes the attempt counter. Called when
// the tenant reaches a healthy connection.
func (rs *ReconnectionScheduler) Reset(tenantID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	entry, ok := rs.entries[tenantID]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.armed = false
	entry.attempts = 0
}

// Armed reports whether a retry is currently pending for the tenant.
func (rs *ReconnectionScheduler) Armed(tenantID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	entry, ok := rs.entries[tenantID]
	return ok && entry.armed
}

// Attempts returns the consumed attempt count for the tenant.
func (rs *ReconnectionScheduler) Attempts(tenantID string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	entry, ok := rs.entries[tenantID]
	if !ok {
		return 0
	}
	return entry.attempts
}

// Shutdown stops every armed timer.
func (rs *ReconnectionScheduler) Shutdown() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, entry := range rs.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		entry.armed = false
	}
}

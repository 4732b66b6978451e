package business

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticHandle is a minimal channel handle whose identity can be flipped to
// simulate a structurally dead connection.
type staticHandle struct {
	identity atomic.Value
}

func newStaticHandle(identity string) *staticHandle {
	sh := &staticHandle{}
	sh.identity.Store(identity)
	return sh
}

func (sh *staticHandle) Identity() string {
	identity, _ := sh.identity.Load().(string)
	return identity
}

func (sh *staticHandle) RequestPairingCode(context.Context, string) (string, error) { return "", nil }
func (sh *staticHandle) Send(context.Context, string, data.JSONMap) error           { return nil }
func (sh *staticHandle) MarkRead(context.Context, string, []string) error           { return nil }
func (sh *staticHandle) SendPresence(context.Context, bool) error                   { return nil }
func (sh *staticHandle) End(context.Context) error                                  { return nil }

func healthFixture(t *testing.T, interval time.Duration, threshold int) (*sessionRegistry, *Session, *HealthMonitor, *atomic.Int32) {
	t.Helper()

	registry := newSessionRegistry()
	sess := NewSession("tenant-1")
	registry.swap("tenant-1", sess)

	var unhealthy atomic.Int32
	monitor := NewHealthMonitor(interval, threshold, registry,
		func(_ context.Context, _ string) { unhealthy.Add(1) })
	return registry, sess, monitor, &unhealthy
}

func TestHealthMonitor_ThresholdFiresExactlyOnce(t *testing.T) {
	_, sess, monitor, unhealthy := healthFixture(t, 5*time.Millisecond, 3)

	// Connected but the handle lost its identity: every probe fails.
	sess.setState(StateConnected)
	sess.setHandle(newStaticHandle(""))

	done := make(chan struct{})
	go func() {
		monitor.Watch(context.Background(), sess)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not retire after declaring unhealthy")
	}
	assert.Equal(t, int32(1), unhealthy.Load())

	// The monitor retired; no further reports can ever arrive.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), unhealthy.Load())
}

func TestHealthMonitor_SuccessResetsFailureRun(t *testing.T) {
	_, sess, monitor, unhealthy := healthFixture(t, 5*time.Millisecond, 3)

	handle := newStaticHandle("device@c.us")
	sess.setState(StateConnected)
	sess.setHandle(handle)

	go monitor.Watch(context.Background(), sess)

	// Two failures, then recovery, repeatedly: the run never reaches three.
	for range 3 {
		handle.identity.Store("")
		time.Sleep(12 * time.Millisecond)
		handle.identity.Store("device@c.us")
		time.Sleep(12 * time.Millisecond)
	}

	assert.Equal(t, int32(0), unhealthy.Load())
	sess.close()
}

func TestHealthMonitor_StopsWhenSessionSuperseded(t *testing.T) {
	registry, sess, monitor, unhealthy := healthFixture(t, 5*time.Millisecond, 3)

	sess.setState(StateConnected)
	sess.setHandle(newStaticHandle(""))

	done := make(chan struct{})
	go func() {
		monitor.Watch(context.Background(), sess)
		close(done)
	}()

	// Replace the session before the threshold is reached.
	registry.swap("tenant-1", NewSession("tenant-1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop for a superseded session")
	}
	assert.Equal(t, int32(0), unhealthy.Load())
}

func TestHealthMonitor_StopsOnDone(t *testing.T) {
	_, sess, monitor, unhealthy := healthFixture(t, time.Millisecond, 3)

	sess.setState(StateConnected)
	sess.setHandle(newStaticHandle("device@c.us"))

	done := make(chan struct{})
	go func() {
		monitor.Watch(context.Background(), sess)
		close(done)
	}()

	sess.close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on session teardown")
	}
	require.Equal(t, int32(0), unhealthy.Load())
}

package business

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
)

func TestStateStringRoundTrip(t *testing.T) {
	states := []State{StateDisconnected, StateConnecting, StateConnected, StateConflicted, StateLoggedOut}
	for _, state := range states {
		assert.Equal(t, state, StateFromString(state.String()))
	}
	assert.Equal(t, StateDisconnected, StateFromString("garbage"))
}

func TestTransition_OpenFromConnecting(t *testing.T) {
	next, effects := transition(StateConnecting, evChannelOpened)

	assert.Equal(t, StateConnected, next)
	assert.Contains(t, effects, fxResetBackoff)
	assert.Contains(t, effects, fxStartMonitors)
	assert.Contains(t, effects, fxClearArtifacts)
}

func TestTransition_NetworkLossSchedulesRetry(t *testing.T) {
	for _, from := range []State{StateConnecting, StateConnected} {
		next, effects := transition(from, evClosedNetwork)

		assert.Equal(t, StateDisconnected, next)
		assert.Contains(t, effects, fxTeardownChannel)
		assert.Contains(t, effects, fxScheduleReconnect)
		assert.Contains(t, effects, fxClearArtifacts)
	}
}

func TestTransition_EveryClosureDropsArtifacts(t *testing.T) {
	closures := []machineEvent{
		evClosedNetwork, evClosedRestartRequired, evClosedReplaced, evClosedLoggedOut,
	}
	for _, from := range []State{StateConnecting, StateConnected} {
		for _, ev := range closures {
			_, effects := transition(from, ev)
			assert.Contains(t, effects, fxClearArtifacts)
		}
	}
}

func TestTransition_RestartRequiredReopensSilently(t *testing.T) {
	next, effects := transition(StateConnecting, evClosedRestartRequired)

	assert.Equal(t, StateConnecting, next)
	assert.Contains(t, effects, fxReopenChannel)
	assert.NotContains(t, effects, fxScheduleReconnect)
	assert.NotContains(t, effects, fxPurgeCredentials)
}

func TestTransition_ReplacedFreezesRecovery(t *testing.T) {
	next, effects := transition(StateConnected, evClosedReplaced)

	assert.Equal(t, StateConflicted, next)
	assert.Contains(t, effects, fxCancelReconnect)
	assert.Contains(t, effects, fxMarkConflicted)
	assert.NotContains(t, effects, fxScheduleReconnect)
	assert.NotContains(t, effects, fxPurgeCredentials)
}

func TestTransition_LoggedOutPurgesCredentials(t *testing.T) {
	next, effects := transition(StateConnected, evClosedLoggedOut)

	assert.Equal(t, StateLoggedOut, next)
	assert.Contains(t, effects, fxPurgeCredentials)
	assert.Contains(t, effects, fxCancelReconnect)
	assert.Contains(t, effects, fxDisableAutoReconnect)
}

func TestTransition_DisconnectRequested(t *testing.T) {
	for _, from := range []State{StateConnecting, StateConnected, StateConflicted} {
		next, effects := transition(from, evDisconnectRequested)

		assert.Equal(t, StateDisconnected, next)
		assert.Contains(t, effects, fxTeardownChannel)
		assert.Contains(t, effects, fxCancelReconnect)
		assert.Contains(t, effects, fxClearConflicted)
		assert.Contains(t, effects, fxDisableAutoReconnect)
	}

	// A logged-out session stays logged out; only its channel goes away.
	next, effects := transition(StateLoggedOut, evDisconnectRequested)
	assert.Equal(t, StateLoggedOut, next)
	assert.Contains(t, effects, fxTeardownChannel)
	assert.NotContains(t, effects, fxClearConflicted)
}

func TestTransition_ManualReconnectClearsConflict(t *testing.T) {
	next, effects := transition(StateConflicted, evManualReconnect)

	assert.Equal(t, StateDisconnected, next)
	assert.Contains(t, effects, fxClearConflicted)
	assert.Contains(t, effects, fxEnableAutoReconnect)
	assert.Contains(t, effects, fxResetBackoff)
	assert.Contains(t, effects, fxAttemptReconnect)
}

func TestTransition_ManualReconnectNoOpWhenLoggedOut(t *testing.T) {
	next, effects := transition(StateLoggedOut, evManualReconnect)

	assert.Equal(t, StateLoggedOut, next)
	assert.Empty(t, effects)
}

func TestTransition_UnknownCombinationIsNoOp(t *testing.T) {
	next, effects := transition(StateDisconnected, evClosedNetwork)

	assert.Equal(t, StateDisconnected, next)
	assert.Empty(t, effects)
}

func TestSession_Snapshot(t *testing.T) {
	sess := NewSession("tenant-1")
	require.NotEmpty(t, sess.ID())

	sess.setState(StateConnected)
	sess.setIdentity("12345@c.us")
	sess.setConnectedAt(time.Now())
	sess.TouchActivity(time.Now())

	snap := sess.Snapshot()
	assert.Equal(t, "tenant-1", snap.TenantID)
	assert.Equal(t, models.SessionStateConnected, snap.State)
	assert.Equal(t, "12345@c.us", snap.Identity)
	require.NotNil(t, snap.ConnectedAt)
	require.NotNil(t, snap.LastActivityAt)
	assert.False(t, snap.Conflicted)
}

func TestSession_SnapshotPrefersRenderedQR(t *testing.T) {
	sess := NewSession("tenant-1")
	sess.setArtifacts("raw-challenge", "data:image/png;base64,xyz", "")

	snap := sess.Snapshot()
	assert.Equal(t, "data:image/png;base64,xyz", snap.QRChallenge)

	sess.setArtifacts("raw-challenge", "", "")
	snap = sess.Snapshot()
	assert.Equal(t, "raw-challenge", snap.QRChallenge)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	sess := NewSession("tenant-1")

	sess.close()
	sess.close()

	select {
	case <-sess.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

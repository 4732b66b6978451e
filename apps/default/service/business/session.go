package business

import (
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
	"github.com/orvannflatin-lang/wbot-core/apps/default/service/protocol"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected

	// StateConflicted is near-terminal: another device took over and
	// automatic recovery stays frozen until a manual reconnect.
	StateConflicted

	// StateLoggedOut is near-terminal: credentials were invalidated and a
	// brand-new pairing is required.
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return models.SessionStateDisconnected
	case StateConnecting:
		return models.SessionStateConnecting
	case StateConnected:
		return models.SessionStateConnected
	case StateConflicted:
		return models.SessionStateConflicted
	case StateLoggedOut:
		return models.SessionStateLoggedOut
	default:
		return "UNKNOWN"
	}
}

// StateFromString maps a persisted state name back to its State.
func StateFromString(name string) State {
	switch name {
	case models.SessionStateConnecting:
		return StateConnecting
	case models.SessionStateConnected:
		return StateConnected
	case models.SessionStateConflicted:
		return StateConflicted
	case models.SessionStateLoggedOut:
		return StateLoggedOut
	default:
		return StateDisconnected
	}
}

// machineEvent is an input to the state transition table.
type machineEvent int

const (
	evChannelOpened machineEvent = iota
	evClosedNetwork
	evClosedRestartRequired
	evClosedReplaced
	evClosedLoggedOut
	evDisconnectRequested
	evManualReconnect
)

// effect is a side effect the supervisor must perform alongside a transition.
type effect int

const (
	fxStartMonitors effect = iota
	fxResetBackoff
	fxClearArtifacts
	fxTeardownChannel
	// fxRetireChannel ends the channel but keeps the aggregate registered so
	// near-terminal states stay visible to status and command calls.
	fxRetireChannel
	fxReopenChannel
	fxScheduleReconnect
	fxCancelReconnect
	fxPurgeCredentials
	fxDisableAutoReconnect
	fxEnableAutoReconnect
	fxMarkConflicted
	fxClearConflicted
	fxAttemptReconnect
)

type transitionKey struct {
	from  State
	event machineEvent
}

type transitionResult struct {
	next    State
	effects []effect
}

// transitions is the session state machine. Keeping it as data makes the
// lifecycle independently testable without a live protocol connection; the
// supervisor only interprets effects.
var transitions = map[transitionKey]transitionResult{
	{StateConnecting, evChannelOpened}: {StateConnected, []effect{fxResetBackoff, fxClearArtifacts, fxStartMonitors}},
	{StateDisconnected, evChannelOpened}: {StateConnected, []effect{fxResetBackoff, fxClearArtifacts, fxStartMonitors}},

	// A restart-required close right after a credentials update is the
	// normal tail end of a successful pairing, not a failure.
	{StateConnecting, evClosedRestartRequired}: {StateConnecting, []effect{fxClearArtifacts, fxTeardownChannel, fxReopenChannel}},
	{StateConnected, evClosedRestartRequired}:  {StateConnecting, []effect{fxClearArtifacts, fxTeardownChannel, fxReopenChannel}},

	// Every closure clears the pairing artifacts: a challenge issued on a
	// dead channel can never be satisfied, so the next start must mint a
	// fresh one instead of joining the stale attempt.
	{StateConnecting, evClosedNetwork}: {StateDisconnected, []effect{fxClearArtifacts, fxTeardownChannel, fxScheduleReconnect}},
	{StateConnected, evClosedNetwork}:  {StateDisconnected, []effect{fxClearArtifacts, fxTeardownChannel, fxScheduleReconnect}},

	{StateConnecting, evClosedReplaced}: {StateConflicted, []effect{fxClearArtifacts, fxRetireChannel, fxCancelReconnect, fxMarkConflicted}},
	{StateConnected, evClosedReplaced}:  {StateConflicted, []effect{fxClearArtifacts, fxRetireChannel, fxCancelReconnect, fxMarkConflicted}},

	{StateConnecting, evClosedLoggedOut}: {StateLoggedOut, []effect{fxClearArtifacts, fxRetireChannel, fxCancelReconnect, fxPurgeCredentials, fxDisableAutoReconnect}},
	{StateConnected, evClosedLoggedOut}:  {StateLoggedOut, []effect{fxClearArtifacts, fxRetireChannel, fxCancelReconnect, fxPurgeCredentials, fxDisableAutoReconnect}},

	{StateConnecting, evDisconnectRequested}: {StateDisconnected, []effect{fxCancelReconnect, fxClearArtifacts, fxClearConflicted, fxDisableAutoReconnect, fxTeardownChannel}},
	{StateConnected, evDisconnectRequested}:  {StateDisconnected, []effect{fxCancelReconnect, fxClearArtifacts, fxClearConflicted, fxDisableAutoReconnect, fxTeardownChannel}},
	{StateConflicted, evDisconnectRequested}: {StateDisconnected, []effect{fxCancelReconnect, fxClearArtifacts, fxClearConflicted, fxDisableAutoReconnect, fxTeardownChannel}},
	{StateLoggedOut, evDisconnectRequested}:  {StateLoggedOut, []effect{fxCancelReconnect, fxTeardownChannel}},

	{StateConnecting, evManualReconnect}:   {StateConnecting, []effect{fxResetBackoff, fxAttemptReconnect}},
	{StateConflicted, evManualReconnect}:   {StateDisconnected, []effect{fxClearConflicted, fxEnableAutoReconnect, fxResetBackoff, fxAttemptReconnect}},
	{StateDisconnected, evManualReconnect}: {StateDisconnected, []effect{fxEnableAutoReconnect, fxResetBackoff, fxAttemptReconnect}},
	{StateLoggedOut, evManualReconnect}:    {StateLoggedOut, nil},
}

// transition resolves the next state and side effects for an event. Unlisted
// combinations keep the current state with no effects.
func transition(from State, event machineEvent) (State, []effect) {
	result, ok := transitions[transitionKey{from: from, event: event}]
	if !ok {
		return from, nil
	}
	return result.next, result.effects
}

// Session is the in-memory aggregate for one tenant's connection lifecycle.
// A Session owns its channel handle exclusively; superseding a session always
// swaps a freshly built aggregate into the registry rather than mutating the
// old one in place.
type Session struct {
	id       string
	tenantID string

	mu             sync.RWMutex
	state          State
	handle         protocol.ChannelHandle
	identity       string
	qrChallenge    string
	qrImage        string
	pairingCode    string
	connectedAt    time.Time
	lastActivityAt time.Time
	conflicted     bool
	autoReconnect  bool

	// done is closed exactly once when this aggregate is torn down or
	// superseded. Timer owners watch it to cancel themselves.
	done     chan struct{}
	doneOnce sync.Once
}

// NewSession creates a session aggregate in the connecting state.
func NewSession(tenantID string) *Session {
	return &Session{
		id:            util.IDString(),
		tenantID:      tenantID,
		state:         StateConnecting,
		autoReconnect: true,
		done:          make(chan struct{}),
	}
}

// ID identifies this aggregate instance, not the tenant. Two consecutive
// sessions for one tenant carry different ids.
func (s *Session) ID() string { return s.id }

func (s *Session) TenantID() string { return s.tenantID }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Handle returns the channel handle, which may be nil while disconnected.
func (s *Session) Handle() protocol.ChannelHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

func (s *Session) setHandle(handle protocol.ChannelHandle) {
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
}

func (s *Session) setIdentity(identity string) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
}

func (s *Session) setConnectedAt(at time.Time) {
	s.mu.Lock()
	s.connectedAt = at
	s.mu.Unlock()
}

func (s *Session) setArtifacts(qrChallenge, qrImage, pairingCode string) {
	s.mu.Lock()
	s.qrChallenge = qrChallenge
	s.qrImage = qrImage
	s.pairingCode = pairingCode
	s.mu.Unlock()
}

func (s *Session) clearArtifacts() {
	s.setArtifacts("", "", "")
}

func (s *Session) markConflicted() {
	s.mu.Lock()
	s.conflicted = true
	s.mu.Unlock()
}

func (s *Session) clearConflicted() {
	s.mu.Lock()
	s.conflicted = false
	s.mu.Unlock()
}

func (s *Session) setAutoReconnect(enabled bool) {
	s.mu.Lock()
	s.autoReconnect = enabled
	s.mu.Unlock()
}

// AutoReconnect reports whether unexpected losses should be retried.
func (s *Session) AutoReconnect() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoReconnect
}

// TouchActivity refreshes the activity timestamp used as the secondary
// liveness signal.
func (s *Session) TouchActivity(at time.Time) {
	s.mu.Lock()
	s.lastActivityAt = at
	s.mu.Unlock()
}

// Done is closed when this aggregate is superseded or torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// close marks the aggregate dead. The channel handle itself is ended by the
// supervisor, which owns the ordering of registry swap versus teardown.
func (s *Session) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Snapshot produces a coherent point-in-time status view.
func (s *Session) Snapshot() *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &Status{
		TenantID:    s.tenantID,
		State:       s.state.String(),
		Identity:    s.identity,
		QRChallenge: s.qrImage,
		PairingCode: s.pairingCode,
		Conflicted:  s.conflicted,
	}
	if status.QRChallenge == "" {
		status.QRChallenge = s.qrChallenge
	}
	if !s.connectedAt.IsZero() {
		connectedAt := s.connectedAt
		status.ConnectedAt = &connectedAt
	}
	if !s.lastActivityAt.IsZero() {
		lastActivityAt := s.lastActivityAt
		status.LastActivityAt = &lastActivityAt
	}
	return status
}

// Package resilience provides failure isolation primitives for best-effort
// collaborators such as the durable credential mirror.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State is the circuit position.
type State int32

const (
	// StateClosed passes calls through while counting consecutive failures.
	StateClosed State = iota
	// StateOpen rejects calls outright until the reset timeout elapses.
	StateOpen
	// StateHalfOpen lets a few probe calls through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Settings configures a CircuitBreaker. Zero values fall back to defaults.
type Settings struct {
	// Name identifies the breaker in logs and state change callbacks.
	Name string

	// MaxFailures is how many consecutive failures trip the circuit open.
	MaxFailures int64

	// ResetTimeout is how long the circuit stays open before probing again.
	ResetTimeout time.Duration

	// HalfOpenMaxRequests is how many consecutive probe successes close the
	// circuit again.
	HalfOpenMaxRequests int64

	// OnStateChange, when set, observes every transition.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker guards calls to a collaborator that may be down, failing
// fast instead of stacking timeouts once the failure run is long enough.
type CircuitBreaker struct {
	settings Settings

	mu        sync.Mutex
	state     State
	failures  int64
	successes int64
	openedAt  time.Time
}

func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.MaxFailures <= 0 {
		settings.MaxFailures = 5
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = 30 * time.Second
	}
	if settings.HalfOpenMaxRequests <= 0 {
		settings.HalfOpenMaxRequests = 3
	}
	return &CircuitBreaker{
		settings: settings,
		state:    StateClosed,
		openedAt: time.Now(),
	}
}

// Execute runs fn through the breaker. When the circuit is open the call is
// rejected with ErrCircuitOpen and fn never runs.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// State returns the effective circuit position.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Name returns the breaker's configured name.
func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

// currentState resolves open-to-half-open timeout transitions lazily.
// Callers hold cb.mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.settings.ResetTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.successes < cb.settings.HalfOpenMaxRequests
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.HalfOpenMaxRequests {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.settings.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// One failed probe reopens the circuit.
		cb.setState(StateOpen)
	}
}

// setState transitions the circuit. Callers hold cb.mu.
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}

	prev := cb.state
	cb.state = next
	cb.failures = 0
	cb.successes = 0
	cb.openedAt = time.Now()

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, prev, next)
	}
}

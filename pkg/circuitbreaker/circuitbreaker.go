package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // requests fail immediately
	StateHalfOpen              // probing whether the collaborator recovered
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

// Config holds circuit breaker configuration.
type Config struct {
	FailureThreshold    int           // consecutive failures before opening
	SuccessThreshold    int           // successes in half-open before closing
	Timeout             time.Duration // open -> half-open wait
	MaxRequestsHalfOpen int           // probe budget while half-open
}

// DefaultConfig returns a default circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

// CircuitBreaker guards calls to a flaky collaborator.
type CircuitBreaker struct {
	config Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

// New creates a circuit breaker with the given configuration.
func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		stateChangeTime: time.Now(),
	}
}

// OnStateChange registers a callback invoked on every state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		return fmt.Errorf("circuit breaker is %s, request rejected", cb.State())
	}

	if err := fn(); err != nil {
		cb.onFailure()
		return err
	}

	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.stateChangeTime) >= cb.config.Timeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests++
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			return false
		}
		cb.halfOpenRequests++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.successCount = 0

	if cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold {
		cb.transitionTo(StateOpen)
	} else if cb.state == StateHalfOpen {
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.failureCount = 0

	if cb.state == StateHalfOpen && cb.successCount >= cb.config.SuccessThreshold {
		cb.transitionTo(StateClosed)
	}
}

// transitionTo must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stateChangeTime = time.Now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequests = 0

	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}

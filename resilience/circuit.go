package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonwraymond/apiguard/clock"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is blocking all requests.
	StateOpen
	// StateHalfOpen means the circuit is testing if the service recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
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

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the
	// circuit.
	// Default: 5
	MaxFailures int

	// ResetTimeout is how long the circuit stays open before allowing
	// trial calls.
	// Default: 30 seconds
	ResetTimeout time.Duration

	// HalfOpenMaxRequests is the number of trial calls allowed in half-open
	// state, and the number of trial successes needed to close.
	// Default: 1
	HalfOpenMaxRequests int

	// OnStateChange is called after the circuit state changes. It never
	// runs while the breaker's lock is held.
	OnStateChange func(name string, from, to State)

	// Clock is the time source. Default: clock.Real()
	Clock clock.Clock
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	c.Clock = clock.OrReal(c.Clock)
	return c
}

type transition struct {
	from, to State
}

// admission is what the breaker granted one call: the state epoch it was
// admitted in and whether it holds a half-open trial slot.
type admission struct {
	epoch uint64
	trial bool
}

// CircuitBreaker implements the circuit breaker pattern for one operation
// name.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	lastFailure time.Time
	// epoch advances on every state change.
	epoch uint64
}

// NewCircuitBreaker creates a new circuit breaker for name.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		state:  StateClosed,
	}
}

// Name returns the operation name the breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may proceed. In half-open state a true result
// reserves one trial slot, which RecordSuccess or RecordFailure frees.
func (cb *CircuitBreaker) Allow() bool {
	_, ok := cb.admit()
	return ok
}

// admit is Allow that also returns the admission, so the outcome can later
// be matched to the state the call was admitted in.
func (cb *CircuitBreaker) admit() (admission, bool) {
	cb.mu.Lock()
	var changes []transition
	state := cb.currentStateLocked(&changes)

	allowed := true
	switch state {
	case StateOpen:
		allowed = false
	case StateHalfOpen:
		if cb.inFlight+cb.successes >= cb.config.HalfOpenMaxRequests {
			allowed = false
		} else {
			cb.inFlight++
		}
	}
	a := admission{epoch: cb.epoch, trial: allowed && state == StateHalfOpen}
	cb.mu.Unlock()

	cb.notify(changes)
	return a, allowed
}

// RecordSuccess records a successful call. In half-open state it counts as
// a trial success. Callers that cannot pair outcomes with admissions should
// prefer Execute, which ignores successes from calls admitted before the
// circuit went half-open.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var changes []transition
	switch cb.currentStateLocked(&changes) {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.trialSucceededLocked(&changes)
	}
	cb.mu.Unlock()

	cb.notify(changes)
}

// succeed records the success of a call admitted as a.
func (cb *CircuitBreaker) succeed(a admission) {
	cb.mu.Lock()
	var changes []transition
	cb.currentStateLocked(&changes)
	cb.succeedLocked(a, &changes)
	cb.mu.Unlock()

	cb.notify(changes)
}

func (cb *CircuitBreaker) succeedLocked(a admission, changes *[]transition) {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		// Only a trial admitted by this half-open period is evidence of
		// recovery.
		if a.trial && a.epoch == cb.epoch {
			cb.trialSucceededLocked(changes)
		}
	}
}

func (cb *CircuitBreaker) trialSucceededLocked(changes *[]transition) {
	cb.releaseLocked()
	cb.successes++
	if cb.successes >= cb.config.HalfOpenMaxRequests {
		cb.setStateLocked(StateClosed, changes)
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var changes []transition
	now := cb.config.Clock.Now()

	switch cb.currentStateLocked(&changes) {
	case StateClosed:
		cb.failures++
		cb.lastFailure = now
		if cb.failures >= cb.config.MaxFailures {
			cb.setStateLocked(StateOpen, &changes)
		}
	case StateHalfOpen:
		cb.failures++
		cb.lastFailure = now
		cb.setStateLocked(StateOpen, &changes)
	case StateOpen:
		// A straggler from before the circuit opened; the cooldown is not
		// extended.
		cb.failures++
	}
	cb.mu.Unlock()

	cb.notify(changes)
}

// abandon frees the trial slot held by a without recording an outcome. Used
// when the caller gave up on the attempt.
func (cb *CircuitBreaker) abandon(a admission) {
	cb.mu.Lock()
	if a.trial && a.epoch == cb.epoch {
		cb.releaseLocked()
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) releaseLocked() {
	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
}

// Execute runs the operation through the circuit breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	a, ok := cb.admit()
	if !ok {
		return CircuitOpen(cb.name)
	}

	err := op(ctx)
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.succeed(a)
	}
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	var changes []transition
	state := cb.currentStateLocked(&changes)
	cb.mu.Unlock()

	cb.notify(changes)
	return state
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []transition
	cb.setStateLocked(StateClosed, &changes)
	cb.failures = 0
	cb.mu.Unlock()

	cb.notify(changes)
}

// currentStateLocked applies the lazy open to half-open transition.
func (cb *CircuitBreaker) currentStateLocked(changes *[]transition) State {
	if cb.state == StateOpen && cb.config.Clock.Since(cb.lastFailure) >= cb.config.ResetTimeout {
		cb.setStateLocked(StateHalfOpen, changes)
	}
	return cb.state
}

func (cb *CircuitBreaker) setStateLocked(state State, changes *[]transition) {
	from := cb.state
	cb.state = state
	cb.epoch++
	cb.successes = 0
	cb.inFlight = 0
	if state == StateClosed {
		cb.failures = 0
	}
	if from != state {
		*changes = append(*changes, transition{from: from, to: state})
	}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		cb.config.OnStateChange(cb.name, c.from, c.to)
	}
}

// Metrics returns current circuit breaker metrics.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	var changes []transition
	state := cb.currentStateLocked(&changes)
	m := CircuitBreakerMetrics{
		Name:        cb.name,
		State:       state,
		Failures:    cb.failures,
		Successes:   cb.successes,
		InFlight:    cb.inFlight,
		LastFailure: cb.lastFailure,
	}
	cb.mu.Unlock()

	cb.notify(changes)
	return m
}

// CircuitBreakerMetrics is a point-in-time copy of a breaker's state.
type CircuitBreakerMetrics struct {
	Name        string
	State       State
	Failures    int
	Successes   int
	InFlight    int
	LastFailure time.Time
}

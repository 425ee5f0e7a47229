package resilience

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means calls pass through normally.
	StateClosed State = iota
	// StateOpen means calls are rejected without invoking the function.
	StateOpen
	// StateHalfOpen means a limited number of probe calls is admitted.
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

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in stats and state-change callbacks.
	Name string

	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before admitting
	// probe calls. Default: 60 seconds
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of successful probe calls required to
	// close the circuit from half-open. Default: 2
	SuccessThreshold int

	// IsFailure classifies which errors count as failures.
	// Default: all non-nil errors are failures.
	IsFailure func(err error) bool

	// OnStateChange is called after every state transition.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker guards a single downstream endpoint. The admission decision
// and the state transition for a call form one critical section; a rejected
// call never invokes the wrapped function.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	halfOpenIn  int
	totalCalls  int64
	successful  int64
	failed      int64
	rejected    int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Execute runs the operation through the circuit breaker. When the circuit
// is open it returns ErrCircuitOpen without invoking op.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := op(ctx)
	cb.afterRequest(err)
	return err
}

// State returns the current circuit state, applying the open→half-open
// transition if the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// Reset administratively returns the breaker to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	oldState := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenIn = 0
	cb.mu.Unlock()

	if oldState != StateClosed && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, oldState, StateClosed)
	}
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.currentStateLocked() {
	case StateOpen:
		cb.rejected++
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenIn >= cb.config.SuccessThreshold {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.halfOpenIn++
	}

	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()

	isFailure := cb.config.IsFailure(err)
	oldState := cb.state

	if isFailure {
		cb.failed++
	} else {
		cb.successful++
	}

	switch cb.state {
	case StateClosed:
		if isFailure {
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.state = StateOpen
				cb.openedAt = time.Now()
			}
		} else {
			cb.failures = 0
		}

	case StateHalfOpen:
		if isFailure {
			// Failed probe: back to open with a fresh recovery window.
			cb.state = StateOpen
			cb.openedAt = time.Now()
			cb.successes = 0
		} else {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.state = StateClosed
				cb.failures = 0
				cb.successes = 0
			}
		}
	}

	newState := cb.state
	cb.mu.Unlock()

	if oldState != newState && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.state = StateHalfOpen
		cb.halfOpenIn = 0
		cb.successes = 0
		if cb.config.OnStateChange != nil {
			// Callback outside the lock is not worth the complexity here;
			// state-change hooks must not call back into the breaker.
			cb.config.OnStateChange(cb.config.Name, StateOpen, StateHalfOpen)
		}
	}
	return cb.state
}

// CircuitStats is a snapshot of breaker counters.
type CircuitStats struct {
	Name            string
	State           State
	Failures        int
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	RejectedCalls   int64
	SuccessRate     float64
}

// Stats returns a consistent snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := CircuitStats{
		Name:            cb.config.Name,
		State:           cb.currentStateLocked(),
		Failures:        cb.failures,
		TotalCalls:      cb.totalCalls,
		SuccessfulCalls: cb.successful,
		FailedCalls:     cb.failed,
		RejectedCalls:   cb.rejected,
	}
	if executed := cb.successful + cb.failed; executed > 0 {
		s.SuccessRate = float64(cb.successful) / float64(executed)
	}
	return s
}

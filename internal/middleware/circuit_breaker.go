package middleware

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed - normal operation, requests pass through
	CircuitClosed CircuitState = iota
	// CircuitHalfOpen - testing if the downstream has recovered
	CircuitHalfOpen
	// CircuitOpen - requests fail immediately
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit is open")

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successes in half-open to close
	Timeout          time.Duration // Time to wait before trying half-open
	RequestTimeout   time.Duration // Deadline applied to each call
}

// DefaultCircuitBreakerConfig returns default configuration.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		RequestTimeout:   5 * time.Second,
	}
}

// CircuitBreaker guards calls to an unreliable downstream such as the event
// broker.
type CircuitBreaker struct {
	name            string
	config          *CircuitBreakerConfig
	state           CircuitState
	failures        int
	successes       int
	lastStateChange time.Time
	mu              sync.Mutex
	onStateChange   func(name string, state CircuitState)
	now             func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker. onStateChange may be nil.
func NewCircuitBreaker(name string, config *CircuitBreakerConfig, onStateChange func(string, CircuitState)) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}

	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
		onStateChange:   onStateChange,
		now:             time.Now,
	}
}

func (c *CircuitBreaker) Name() string {
	return c.name
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs fn if the circuit allows it. fn receives ctx bounded by the
// configured request timeout.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.allowRequest() {
		return ErrCircuitOpen
	}

	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	err := fn(ctx)
	c.recordResult(err)
	return err
}

func (c *CircuitBreaker) allowRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if c.now().Sub(c.lastStateChange) >= c.config.Timeout {
			c.setState(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (c *CircuitBreaker) recordResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.failures = 0
		if c.state == CircuitHalfOpen {
			c.successes++
			if c.successes >= c.config.SuccessThreshold {
				c.setState(CircuitClosed)
			}
		}
		return
	}

	c.failures++
	switch c.state {
	case CircuitClosed:
		if c.failures >= c.config.FailureThreshold {
			c.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		c.setState(CircuitOpen)
	}
}

// setState must be called with mu held.
func (c *CircuitBreaker) setState(state CircuitState) {
	if c.state == state {
		return
	}
	c.state = state
	c.lastStateChange = c.now()
	c.failures = 0
	c.successes = 0

	if c.onStateChange != nil {
		c.onStateChange(c.name, state)
	}
}

// Reset resets the circuit breaker to closed state.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(CircuitClosed)
}

// Metrics returns current metrics.
func (c *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CircuitBreakerMetrics{
		Name:            c.name,
		State:           c.state.String(),
		Failures:        c.failures,
		Successes:       c.successes,
		LastStateChange: c.lastStateChange,
	}
}

// CircuitBreakerMetrics holds metrics for a circuit breaker.
type CircuitBreakerMetrics struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Package circuit provides a circuit breaker that telemetry sinks use to stop
// hammering a broker or store that is down.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/cnminer/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets calls through
	StateClosed State = iota
	// StateOpen rejects calls until Timeout elapses
	StateOpen
	// StateHalfOpen lets calls through on probation
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

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Reported in errors and state change callbacks
	MaxFailures     int           // Consecutive failures before opening
	SuccessRequired int           // Successes in half-open before closing
	Timeout         time.Duration // Open duration before probing
	ResetTimeout    time.Duration // Closed-state window after which failures are forgotten

	// OnStateChange, if set, is called with the lock released after every
	// transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the configuration used by the telemetry sinks
func DefaultConfig(name string) *Config {
	return &Config{
		Name:            name,
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a closed breaker. A nil config gets DefaultConfig("default").
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig("default")
	}
	b := &Breaker{config: config, now: time.Now, state: StateClosed}
	b.lastResetTime = b.now()
	return b
}

// Execute runs fn unless the circuit is open
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteWithResult is Execute for functions that return a value
func ExecuteWithResult[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	res, err := fn(ctx)
	b.record(err)
	return res, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	now := b.now()
	from := b.state
	allowed := true

	switch b.state {
	case StateClosed:
		if now.Sub(b.lastResetTime) > b.config.ResetTimeout {
			b.failures = 0
			b.lastResetTime = now
		}
	case StateOpen:
		if now.Sub(b.lastFailTime) > b.config.Timeout {
			b.state = StateHalfOpen
			b.successes = 0
		} else {
			allowed = false
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	if !allowed {
		return errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit breaker is open").
			WithContext("breaker", b.config.Name)
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state

	if err != nil {
		b.failures++
		b.lastFailTime = b.now()
		if (b.state == StateClosed && b.failures >= b.config.MaxFailures) || b.state == StateHalfOpen {
			b.state = StateOpen
			b.successes = 0
		}
	} else {
		b.successes++
		if b.state == StateHalfOpen && b.successes >= b.config.SuccessRequired {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.lastResetTime = b.now()
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a snapshot of the breaker counters
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Stats returns a snapshot of the breaker counters
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:         b.config.Name,
		State:        b.state,
		Failures:     b.failures,
		Successes:    b.successes,
		LastFailTime: b.lastFailTime,
	}
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastResetTime = b.now()
	b.mu.Unlock()

	b.notify(from, StateClosed)
}

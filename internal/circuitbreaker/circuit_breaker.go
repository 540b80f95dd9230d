// Package circuitbreaker stops submitting to an external provider that keeps failing
// and probes it again after a cooldown.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/video-batcher/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed lets every call through
	StateClosed State = "closed"
	// StateOpen rejects calls until the cooldown has passed
	StateOpen State = "open"
	// StateHalfOpen lets a limited number of probe calls through
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen matches every *OpenError
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned instead of calling the provider
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry in %s", e.Name, e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrCircuitOpen) hold
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Config configures a circuit breaker
type Config struct {
	Name string
	// MaxFailures consecutive failures open the circuit.
	MaxFailures int
	// FailureThreshold opens the circuit when this share of the last Window calls failed.
	FailureThreshold float64
	// Window is the number of recent outcomes the failure rate is computed over. Default: 20.
	Window int
	// Timeout is the cooldown before the first probe.
	Timeout time.Duration
	// HalfOpenMaxCalls successful probes close the circuit again.
	HalfOpenMaxCalls int
	// IsFailure decides whether an error counts against the circuit.
	// Nil counts every non-nil error.
	IsFailure func(error) bool
}

// DefaultConfig returns the configuration used for render providers
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		FailureThreshold: 0.5,
		Window:           20,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// CircuitBreaker tracks the outcome of recent provider calls
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	outcomes    []bool // ring of recent outcomes, true = failure
	next        int
	filled      int
	consecutive int
	probes      int
	probeOK     int
	openedAt    time.Time
	opens       int
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cfg := *config
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		cfg:      cfg,
		now:      time.Now,
		state:    StateClosed,
		outcomes: make([]bool, cfg.Window),
	}
}

// Execute runs fn unless the circuit is open. A cancelled context is returned
// without calling fn or recording an outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn()
	cb.record(cb.cfg.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed < cb.cfg.Timeout {
			return &OpenError{Name: cb.cfg.Name, RetryAfter: cb.cfg.Timeout - elapsed}
		}
		cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxCalls {
			return &OpenError{Name: cb.cfg.Name, RetryAfter: cb.cfg.Timeout}
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		if failed {
			cb.transition(StateOpen)
			return
		}
		cb.probeOK++
		if cb.probeOK >= cb.cfg.HalfOpenMaxCalls {
			cb.transition(StateClosed)
		}
		return
	}

	cb.outcomes[cb.next] = failed
	cb.next = (cb.next + 1) % len(cb.outcomes)
	if cb.filled < len(cb.outcomes) {
		cb.filled++
	}

	if !failed {
		cb.consecutive = 0
		return
	}
	cb.consecutive++
	if cb.state == StateClosed && cb.shouldOpen() {
		cb.transition(StateOpen)
	}
}

// shouldOpen judges the failure rate only once MaxFailures outcomes are known
func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.consecutive >= cb.cfg.MaxFailures {
		return true
	}
	if cb.filled < cb.cfg.MaxFailures || cb.cfg.FailureThreshold <= 0 {
		return false
	}
	return cb.failureRate() >= cb.cfg.FailureThreshold
}

func (cb *CircuitBreaker) failureRate() float64 {
	if cb.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < cb.filled; i++ {
		if cb.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(cb.filled)
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.probes = 0
	cb.probeOK = 0

	fields := map[string]interface{}{
		"circuitBreaker": cb.cfg.Name,
		"from":           from,
		"to":             to,
	}
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
		cb.opens++
		fields["consecutiveFailures"] = cb.consecutive
		fields["failureRate"] = cb.failureRate()
		logging.WithFields(fields).Warn("Circuit breaker opened")
	case StateClosed:
		cb.clearWindow()
		logging.WithFields(fields).Info("Circuit breaker closed")
	default:
		logging.WithFields(fields).Info("Circuit breaker probing provider")
	}
}

func (cb *CircuitBreaker) clearWindow() {
	for i := range cb.outcomes {
		cb.outcomes[i] = false
	}
	cb.next = 0
	cb.filled = 0
	cb.consecutive = 0
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot for health reporting
type Stats struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	WindowCalls         int       `json:"windowCalls"`
	FailureRate         float64   `json:"failureRate"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Opens               int       `json:"opens"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &Stats{
		Name:                cb.cfg.Name,
		State:               cb.state,
		WindowCalls:         cb.filled,
		FailureRate:         cb.failureRate(),
		ConsecutiveFailures: cb.consecutive,
		Opens:               cb.opens,
		OpenedAt:            cb.openedAt,
	}
}

// Reset closes the circuit and forgets recent outcomes
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.probes = 0
	cb.probeOK = 0
	cb.clearWindow()
}

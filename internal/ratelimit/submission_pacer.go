package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default pacer configuration values.
const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 30 * time.Second
)

// ErrContextCancelled is returned when the context is cancelled while waiting for budget.
var ErrContextCancelled = errors.New("context cancelled while waiting for submission budget")

// SubmissionPacer spaces successive render submissions from this process by a
// fixed delay and, when a tracker is configured, waits for the shared budget
// with exponential backoff.
type SubmissionPacer struct {
	limiter          *rate.Limiter
	tracker          *SubmissionBudgetTracker
	baseDelay        time.Duration
	maxDelay         time.Duration
	currentDelay     time.Duration
	consecutiveFails int
	mu               sync.Mutex
}

// SubmissionPacerConfig holds configuration for the pacer.
type SubmissionPacerConfig struct {
	// Spacing is the minimum time between two submissions. Zero disables spacing.
	Spacing time.Duration

	// Tracker is optional; without it only local spacing applies.
	Tracker *SubmissionBudgetTracker

	// BaseDelay is the first backoff when the budget is exhausted. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 30s.
	MaxDelay time.Duration
}

// Validate checks if the configuration is valid.
func (c *SubmissionPacerConfig) Validate() error {
	if c.Spacing < 0 {
		return errors.New("spacing cannot be negative")
	}
	if c.BaseDelay < 0 {
		return errors.New("base delay cannot be negative")
	}
	if c.MaxDelay < 0 {
		return errors.New("max delay cannot be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("base delay cannot exceed max delay")
	}
	return nil
}

// NewSubmissionPacer creates a new pacer with the given configuration.
func NewSubmissionPacer(cfg *SubmissionPacerConfig) (*SubmissionPacer, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.Spacing > 0 {
		limit = rate.Every(cfg.Spacing)
	}

	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxDelay
	}

	return &SubmissionPacer{
		limiter:      rate.NewLimiter(limit, 1),
		tracker:      cfg.Tracker,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		currentDelay: baseDelay,
	}, nil
}

// Wait blocks until one submission at priority may be sent.
func (p *SubmissionPacer) Wait(ctx context.Context, priority Priority) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return ErrContextCancelled
	}
	if p.tracker == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ErrContextCancelled
		default:
		}

		allowed, waitTime := p.tracker.TryConsume(ctx, 1, priority)
		if allowed {
			p.RecordSuccess()
			return nil
		}
		p.RecordFailure()

		delay := p.GetCurrentDelay()
		if waitTime > delay {
			delay = waitTime
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrContextCancelled
		case <-timer.C:
		}
	}
}

// RecordSuccess resets the backoff.
func (p *SubmissionPacer) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFails = 0
	p.currentDelay = p.baseDelay
}

// RecordFailure doubles the backoff up to the maximum.
func (p *SubmissionPacer) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFails++

	newDelay := p.baseDelay
	for i := 0; i < p.consecutiveFails; i++ {
		newDelay *= 2
		if newDelay > p.maxDelay {
			newDelay = p.maxDelay
			break
		}
	}
	p.currentDelay = newDelay
}

// GetCurrentDelay returns the current backoff delay.
func (p *SubmissionPacer) GetCurrentDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentDelay
}

// GetConsecutiveFailures returns the number of denied attempts since the last success.
func (p *SubmissionPacer) GetConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveFails
}

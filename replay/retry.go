package replay

import (
	"math"
	"time"

	durable "github.com/goliatone/go-durable"
)

// RetryPolicy governs automatic re-scheduling of failed activities and
// sub-orchestrations. Every attempt and every backoff timer is recorded in
// history, so replay reproduces the exact retry sequence without doing
// real work. The policy is immutable once the call is issued.
type RetryPolicy struct {
	// MaxAttempts bounds total attempts including the first one.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// BackoffCoefficient multiplies the delay after each failure.
	// Values below 1 are normalized to 1 (constant delay).
	BackoffCoefficient float64
	// MaxInterval caps the computed delay. Zero means uncapped.
	MaxInterval time.Duration
	// Timeout bounds the whole retry sequence measured from the first
	// attempt. Zero means no overall timeout.
	Timeout time.Duration
	// Handle decides whether a given failure is retryable. Nil retries
	// everything except failures marked non-retryable. The function must
	// be deterministic: it only sees data already recorded in history.
	Handle func(err error) bool
}

// Validate checks the policy for structural mistakes at registration time.
func (p *RetryPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.MaxAttempts < 1 {
		return durable.NewError(durable.ErrInvalidConfig, "retry policy max attempts must be >= 1", nil, nil)
	}
	if p.InitialInterval < 0 {
		return durable.NewError(durable.ErrInvalidConfig, "retry policy initial interval must not be negative", nil, nil)
	}
	if p.MaxInterval < 0 || p.Timeout < 0 {
		return durable.NewError(durable.ErrInvalidConfig, "retry policy intervals must not be negative", nil, nil)
	}
	return nil
}

// nextDelay computes the backoff before retry number attempt (0-based
// count of failures so far), or 0 to stop retrying.
func (p *RetryPolicy) nextDelay(now, firstAttempt time.Time, attempt int, err error) time.Duration {
	if p == nil {
		return 0
	}
	if durable.IsNonRetryable(err) {
		return 0
	}
	if tfe, ok := durable.AsTaskFailed(err); ok && tfe.Details != nil && tfe.Details.NonRetryable {
		return 0
	}
	if p.Handle != nil && !p.Handle(err) {
		return 0
	}
	if p.Timeout > 0 && now.After(firstAttempt.Add(p.Timeout)) {
		return 0
	}
	coefficient := p.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}
	delay := time.Duration(float64(p.InitialInterval) * math.Pow(coefficient, float64(attempt)))
	if p.MaxInterval > 0 && delay > p.MaxInterval {
		delay = p.MaxInterval
	}
	if delay <= 0 {
		// zero-delay retries still go through a timer event so the
		// attempt boundary is visible in history
		delay = time.Millisecond
	}
	return delay
}

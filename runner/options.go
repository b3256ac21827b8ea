package runner

import (
	"time"

	durable "github.com/goliatone/go-durable"
)

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		h.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(h *Handler) {
		h.deadline = d
	}
}

func WithRunOnce(once bool) Option {
	return func(h *Handler) {
		h.runOnce = once
	}
}

func WithMaxRetries(max int) Option {
	return func(h *Handler) {
		h.maxRetries = max
	}
}

func WithMaxRuns(max int) Option {
	return func(h *Handler) {
		h.maxRuns = max
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(error) {}
		}
		h.errorHandler = fn
	}
}

func WithLogger(l durable.Logger) Option {
	return func(h *Handler) {
		h.logger = durable.NormalizeLogger(l)
	}
}

func WithDoneHandler(fn func(*Handler)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(*Handler) {}
		}
		h.doneHandler = fn
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		h.retryStrategy = s
	}
}

// Package runner provides the infrastructure-level execution harness used
// by the worker runtime: bounded retries with pluggable backoff, timeouts,
// and cooperative pause/resume. This retry layer is for transient
// infrastructure failures (history appends, work dispatch); orchestration
// retry policies are a separate, history-recorded mechanism.
package runner

import (
	"context"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
)

type Handler struct {
	mu sync.Mutex

	logger        durable.Logger
	errorHandler  func(error)
	doneHandler   func(h *Handler)
	retryStrategy RetryStrategy

	runs           int
	successfulRuns int

	maxRuns    int
	maxRetries int
	timeout    time.Duration
	deadline   time.Time
	runOnce    bool
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		logger:        durable.NormalizeLogger(nil),
		errorHandler:  func(error) {},
		doneHandler:   func(*Handler) {},
		retryStrategy: NoDelayStrategy{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Run executes fn, retrying on failure per the configured strategy. The
// last error is returned when every attempt fails.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()

	if h.runOnce && h.successfulRuns >= 1 {
		h.mu.Unlock()
		return nil
	}
	if h.maxRuns > 0 && h.successfulRuns >= h.maxRuns {
		h.mu.Unlock()
		return nil
	}

	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < maxRetries {
			h.logger.Warn("run failed, attempt %d of %d: %v", attempt+1, maxRetries+1, err)
			if strategy != nil {
				if delay := strategy.SleepDuration(attempt, err); delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs++
	if err == nil {
		h.successfulRuns++
	} else {
		h.errorHandler(err)
	}

	if h.maxRuns > 0 && h.successfulRuns >= h.maxRuns {
		h.doneHandler(h)
	}
	return err
}

// Runs reports total and successful run counts.
func (h *Handler) Runs() (total, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}

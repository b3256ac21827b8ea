package replay

import (
	"context"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/history"
)

// TurnRequest carries one turn's worth of work: the persisted history and
// the batch of freshly delivered events that triggered the turn.
type TurnRequest struct {
	InstanceID string
	Epoch      int
	OldEvents  []*history.Event
	NewEvents  []*history.Event
}

// TurnResult is the outcome of one turn. Actions are dispatched by the
// worker after the corresponding *Scheduled events have been appended to
// history; a turn with no actions and no Complete is simply blocked.
type TurnResult struct {
	Actions      []Action
	CustomStatus []byte
	// Suspended reports the instance ended the turn in suspended state.
	Suspended bool
}

// Complete returns the turn's terminal action, nil while the instance is
// still in flight.
func (r *TurnResult) Complete() *CompleteAction {
	if r == nil {
		return nil
	}
	for _, action := range r.Actions {
		if complete, ok := action.(*CompleteAction); ok {
			return complete
		}
	}
	return nil
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(logger durable.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = durable.NormalizeLogger(logger) }
}

// Executor runs orchestrator turns. It is stateless between calls; all
// state lives in history.
type Executor struct {
	registry *Registry
	logger   durable.Logger
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		logger:   durable.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute runs exactly one turn: replay recorded history, apply the new
// events, run orchestrator code until it blocks or finishes, and return
// the scheduling decisions. It never performs IO itself.
//
// A missing orchestrator registration is returned as an error rather than
// failing the instance, so the caller's version router can decide between
// parking and failing.
func (e *Executor) Execute(ctx context.Context, req TurnRequest) (result *TurnResult, err error) {
	if e == nil || e.registry == nil {
		return nil, durable.NewError(durable.ErrNotRegistered, "executor registry not configured", nil, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	octx := newOrchestrationContext(req.InstanceID, req.Epoch, req.OldEvents, req.NewEvents, e.logger)

	// consume leading control events so name, input, and logical time are
	// set before orchestrator code observes them
	for octx.name == "" {
		ok, perr := octx.processNextEvent()
		if perr != nil {
			return e.finalize(octx, nil, perr), nil
		}
		if !ok {
			return nil, durable.NewError(durable.ErrInvalidConfig,
				"history has no execution started event", nil, map[string]any{
					"instance_id": req.InstanceID,
				})
		}
	}

	orchestrator, ok := e.registry.Orchestrator(octx.name)
	if !ok {
		return nil, durable.NewError(durable.ErrNotRegistered, "", nil, map[string]any{
			"orchestrator": octx.name,
			"instance_id":  req.InstanceID,
		})
	}

	output, runErr, blocked := e.runOrchestrator(octx, orchestrator)
	if blocked {
		return &TurnResult{
			Actions:      octx.pendingActionList(),
			CustomStatus: octx.customStatus,
			Suspended:    octx.suspended,
		}, nil
	}
	return e.finalize(octx, output, runErr), nil
}

// runOrchestrator invokes orchestrator code, translating the panic-based
// suspension protocol back into ordinary control flow.
func (e *Executor) runOrchestrator(octx *OrchestrationContext, orchestrator Orchestrator) (output any, err error, blocked bool) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		if te, ok := recovered.(turnError); ok {
			err = te.err
			return
		}
		switch recovered {
		case errTaskBlocked:
			blocked = true
		case errTurnHalted:
			// termination consumed mid-await; finalize handles status
		default:
			failure := durable.CapturePanic(recovered)
			err = durable.NewError(durable.ErrOrchestratorPanic,
				"orchestrator panicked: "+failure.ErrorMessage, nil, map[string]any{
					"instance_id": octx.instanceID,
					"stack":       failure.StackTrace,
				})
		}
	}()
	output, err = orchestrator(octx)
	return output, err, false
}

// finalize builds the terminal TurnResult for a finished turn: release any
// held locks, then emit the Complete action for the epoch.
func (e *Executor) finalize(octx *OrchestrationContext, output any, runErr error) *TurnResult {
	if len(octx.heldLocks) > 0 {
		held := append([]durable.EntityID(nil), octx.heldLocks...)
		octx.releaseLocks(held)
	}

	complete := &CompleteAction{CorrelationID: octx.nextCorrelationID()}
	switch {
	case octx.terminated:
		complete.Status = durable.StatusTerminated
		complete.Result = octx.terminationInput
	case runErr != nil:
		complete.Status = durable.StatusFailed
		complete.Failure = durable.FailureFromError(runErr)
		if durable.IsNondeterminism(runErr) {
			e.logger.Error("orchestration failed with nondeterminism instance_id=%s error=%v", octx.instanceID, runErr)
		}
	case octx.continuedAsNew:
		complete.Status = durable.StatusContinuedAsNew
		complete.NewInput = octx.continueInput
		complete.Carryover = octx.carryoverEvents()
	default:
		payload, merr := durable.MarshalPayload(output)
		if merr != nil {
			complete.Status = durable.StatusFailed
			complete.Failure = durable.FailureFromError(merr)
			break
		}
		complete.Status = durable.StatusCompleted
		complete.Result = payload
	}

	actions := octx.pendingActionList()
	actions = append(actions, complete)
	return &TurnResult{
		Actions:      actions,
		CustomStatus: octx.customStatus,
	}
}

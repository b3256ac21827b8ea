package replay

import (
	"errors"
	"fmt"
	"sort"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/history"
	"github.com/google/uuid"
)

// errTurnHalted unwinds the orchestrator when a terminal control event
// (termination) arrives mid-await. Recovered by the executor.
var errTurnHalted = errors.New("turn halted")

// OrchestrationContext is the deterministic facade orchestrator code runs
// against. Every operation either replays a recorded result from history or
// records a new scheduling decision; orchestrator code itself must never
// touch wall clocks, random sources, or outside IO directly.
type OrchestrationContext struct {
	instanceID string
	name       string
	version    string
	epoch      int
	rawInput   []byte

	logger durable.Logger

	events      []*history.Event
	oldEventLen int
	eventIndex  int

	currentTime time.Time
	sequence    int32
	guidCounter int

	pendingActions map[int32]Action
	pendingTasks   map[int32]*completableTask

	bufferedEvents    map[string][]*history.Event
	pendingEventTasks map[string][]*completableTask
	eventNames        []string

	heldLocks []durable.EntityID

	customStatus []byte

	continuedAsNew bool
	continueInput  []byte
	preserveEvents bool

	suspended       bool
	suspendedBuffer []*history.Event

	terminated       bool
	terminationInput []byte
}

func newOrchestrationContext(instanceID string, epoch int, old, fresh []*history.Event, logger durable.Logger) *OrchestrationContext {
	events := make([]*history.Event, 0, len(old)+len(fresh))
	events = append(events, old...)
	events = append(events, fresh...)
	return &OrchestrationContext{
		instanceID:        instanceID,
		epoch:             epoch,
		logger:            durable.NormalizeLogger(logger),
		events:            events,
		oldEventLen:       len(old),
		pendingActions:    make(map[int32]Action),
		pendingTasks:      make(map[int32]*completableTask),
		bufferedEvents:    make(map[string][]*history.Event),
		pendingEventTasks: make(map[string][]*completableTask),
	}
}

// InstanceID returns the orchestration instance id.
func (ctx *OrchestrationContext) InstanceID() string { return ctx.instanceID }

// Name returns the registered orchestration name.
func (ctx *OrchestrationContext) Name() string { return ctx.name }

// Version returns the instance's pinned version tag, "" for unversioned.
func (ctx *OrchestrationContext) Version() string { return ctx.version }

// Epoch returns the ContinueAsNew generation, starting at 1.
func (ctx *OrchestrationContext) Epoch() int { return ctx.epoch }

// IsReplaying reports whether execution is still inside recorded history.
// Use it to gate side channels like progress logging, never control flow.
func (ctx *OrchestrationContext) IsReplaying() bool {
	return ctx.eventIndex < ctx.oldEventLen
}

// CurrentTime returns the deterministic logical time: the timestamp of the
// turn-opening event, identical on every replay.
func (ctx *OrchestrationContext) CurrentTime() time.Time { return ctx.currentTime }

// Logger returns a logger scoped to the instance. Log lines emitted during
// replay repeat; callers that want one-shot logs gate on IsReplaying.
func (ctx *OrchestrationContext) Logger() durable.Logger {
	return durable.WithLoggerFields(ctx.logger, map[string]any{
		"instance_id": ctx.instanceID,
		"epoch":       ctx.epoch,
		"replaying":   ctx.IsReplaying(),
	})
}

// GetInput deserializes the orchestration input into v.
func (ctx *OrchestrationContext) GetInput(v any) error {
	if v == nil || len(ctx.rawInput) == 0 {
		return nil
	}
	return durable.UnmarshalPayload(ctx.rawInput, v)
}

// SetCustomStatus attaches an application-defined status payload visible to
// clients. The last value set before the turn ends wins.
func (ctx *OrchestrationContext) SetCustomStatus(v any) error {
	payload, err := durable.MarshalPayload(v)
	if err != nil {
		return err
	}
	ctx.customStatus = payload
	return nil
}

// NewGUID returns a deterministic UUID derived from the instance id, epoch,
// and an invocation counter. Replays yield the same sequence.
func (ctx *OrchestrationContext) NewGUID() uuid.UUID {
	seed := fmt.Sprintf("%s-%d-%d", ctx.instanceID, ctx.epoch, ctx.guidCounter)
	ctx.guidCounter++
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed))
}

// CallOption customizes a scheduling call.
type CallOption func(*callOptions)

type callOptions struct {
	rawInput   []byte
	inputErr   error
	retry      *RetryPolicy
	instanceID string
	version    string
}

// WithInput serializes v as the call input.
func WithInput(v any) CallOption {
	return func(o *callOptions) {
		o.rawInput, o.inputErr = durable.MarshalPayload(v)
	}
}

// WithRawInput passes a pre-serialized input payload.
func WithRawInput(input []byte) CallOption {
	return func(o *callOptions) {
		o.rawInput = append([]byte(nil), input...)
	}
}

// WithRetry attaches a retry policy to an activity or sub-orchestration call.
func WithRetry(policy *RetryPolicy) CallOption {
	return func(o *callOptions) { o.retry = policy }
}

// WithSubInstanceID pins the child orchestration's instance id. Without it
// the child id is derived deterministically from the parent.
func WithSubInstanceID(id string) CallOption {
	return func(o *callOptions) { o.instanceID = id }
}

// WithSubVersion pins the child orchestration's version tag.
func WithSubVersion(version string) CallOption {
	return func(o *callOptions) { o.version = version }
}

func applyCallOptions(opts []CallOption) *callOptions {
	options := &callOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	return options
}

// CallActivity schedules an activity invocation and returns its awaitable
// handle. With a retry policy attached, failed attempts re-schedule through
// a recorded backoff timer until the policy gives up.
func (ctx *OrchestrationContext) CallActivity(name string, opts ...CallOption) Task {
	options := applyCallOptions(opts)
	if options.inputErr != nil {
		return ctx.immediateFailure(name, options.inputErr)
	}
	if err := options.retry.Validate(); err != nil {
		return ctx.immediateFailure(name, err)
	}
	schedule := func() *completableTask {
		return ctx.scheduleTask(name, func(id int32) Action {
			return &ScheduleTaskAction{CorrelationID: id, Name: name, Input: options.rawInput}
		})
	}
	return ctx.withRetry(schedule(), schedule, options.retry)
}

// CallSubOrchestration schedules a child orchestration and returns its
// awaitable handle. The child's terminal result or failure resolves it.
func (ctx *OrchestrationContext) CallSubOrchestration(name string, opts ...CallOption) Task {
	options := applyCallOptions(opts)
	if options.inputErr != nil {
		return ctx.immediateFailure(name, options.inputErr)
	}
	if err := options.retry.Validate(); err != nil {
		return ctx.immediateFailure(name, err)
	}
	childID := options.instanceID
	schedule := func() *completableTask {
		return ctx.scheduleTask(name, func(id int32) Action {
			instanceID := childID
			if instanceID == "" {
				instanceID = ctx.NewGUID().String()
			}
			return &CreateSubOrchestrationAction{
				CorrelationID: id,
				Name:          name,
				InstanceID:    instanceID,
				Version:       options.version,
				Input:         options.rawInput,
			}
		})
	}
	return ctx.withRetry(schedule(), schedule, options.retry)
}

// CreateTimer schedules a durable timer that fires after delay, measured
// from the current logical time.
func (ctx *OrchestrationContext) CreateTimer(delay time.Duration) Task {
	fireAt := ctx.currentTime.Add(delay)
	return ctx.scheduleTask("timer", func(id int32) Action {
		return &CreateTimerAction{CorrelationID: id, FireAt: fireAt}
	})
}

// WaitForExternalEvent returns a task resolved by the next matching
// RaiseEvent delivery. Events and waiters pair up FIFO per name; events
// that arrive before anyone waits are buffered and never lost. A positive
// timeout cancels the wait with durable.ErrTaskCanceled when it expires.
func (ctx *OrchestrationContext) WaitForExternalEvent(name string, timeout time.Duration) Task {
	ctx.guardScheduling()
	task := newTask(ctx)
	task.name = name
	if buffered := ctx.bufferedEvents[name]; len(buffered) > 0 {
		event := buffered[0]
		ctx.bufferedEvents[name] = buffered[1:]
		task.complete(event.Input)
		return task
	}
	ctx.enqueueEventWaiter(name, task)
	if timeout <= 0 {
		return task
	}
	timer := ctx.CreateTimer(timeout).(*completableTask)
	timer.onCompleted(func() {
		if timer.failure == nil && !timer.canceled {
			task.cancel()
		}
	})
	task.onCompleted(func() {
		if !task.canceled {
			timer.cancel()
		}
	})
	return task
}

// SignalEntity delivers a fire-and-forget operation to an entity. Delivery
// is at-least-once; no completion is awaited and failures do not surface.
func (ctx *OrchestrationContext) SignalEntity(entity durable.EntityID, operation string, opts ...CallOption) error {
	if entity.IsZero() {
		return durable.NewError(durable.ErrInvalidConfig, "entity id required", nil, nil)
	}
	options := applyCallOptions(opts)
	if options.inputErr != nil {
		return options.inputErr
	}
	ctx.guardScheduling()
	id := ctx.nextCorrelationID()
	ctx.pendingActions[id] = &EntityOperationAction{
		CorrelationID: id,
		Entity:        entity,
		Operation:     operation,
		Input:         options.rawInput,
		Signal:        true,
	}
	return nil
}

// CallEntity invokes an entity operation and returns its awaitable handle
// carrying the operation's return value or failure.
func (ctx *OrchestrationContext) CallEntity(entity durable.EntityID, operation string, opts ...CallOption) Task {
	options := applyCallOptions(opts)
	if entity.IsZero() {
		return ctx.immediateFailure(operation, durable.NewError(durable.ErrInvalidConfig, "entity id required", nil, nil))
	}
	if options.inputErr != nil {
		return ctx.immediateFailure(operation, options.inputErr)
	}
	return ctx.scheduleTask(operation, func(id int32) Action {
		return &EntityOperationAction{
			CorrelationID: id,
			Entity:        entity,
			Operation:     operation,
			Input:         options.rawInput,
		}
	})
}

// LockScope is a granted multi-entity lock. Unlock releases it; locks not
// explicitly released are released when the instance reaches any terminal
// state, so a failed orchestration never strands its entities.
type LockScope struct {
	ctx      *OrchestrationContext
	entities []durable.EntityID
	released bool
}

// Entities lists the locked entities in acquisition order.
func (s *LockScope) Entities() []durable.EntityID {
	return append([]durable.EntityID(nil), s.entities...)
}

// Unlock releases the lock set. Safe to call more than once.
func (s *LockScope) Unlock() {
	if s == nil || s.released {
		return
	}
	s.released = true
	s.ctx.releaseLocks(s.entities)
}

// LockEntities acquires exclusive ownership of every entity in the set
// before returning. The set is deduplicated and sorted into the global
// (name, key) order, which keeps overlapping acquisitions deadlock free.
func (ctx *OrchestrationContext) LockEntities(entities ...durable.EntityID) (*LockScope, error) {
	if len(entities) == 0 {
		return nil, durable.NewError(durable.ErrInvalidConfig, "at least one entity required", nil, nil)
	}
	sorted := make([]durable.EntityID, 0, len(entities))
	seen := make(map[durable.EntityID]struct{}, len(entities))
	for _, entity := range entities {
		if entity.IsZero() {
			return nil, durable.NewError(durable.ErrInvalidConfig, "entity id required", nil, nil)
		}
		if _, dup := seen[entity]; dup {
			continue
		}
		seen[entity] = struct{}{}
		sorted = append(sorted, entity)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	task := ctx.scheduleTask("lock", func(id int32) Action {
		return &EntityLockAction{CorrelationID: id, Entities: sorted}
	})
	if err := task.Await(nil); err != nil {
		return nil, err
	}
	return &LockScope{ctx: ctx, entities: sorted}, nil
}

func (ctx *OrchestrationContext) releaseLocks(entities []durable.EntityID) {
	id := ctx.nextCorrelationID()
	ctx.pendingActions[id] = &EntityUnlockAction{CorrelationID: id, Entities: entities}
	remaining := ctx.heldLocks[:0]
	for _, held := range ctx.heldLocks {
		keep := true
		for _, released := range entities {
			if held == released {
				keep = false
				break
			}
		}
		if keep {
			remaining = append(remaining, held)
		}
	}
	ctx.heldLocks = remaining
}

// ContinueOption customizes a ContinueAsNew rollover.
type ContinueOption func(*continueOptions)

type continueOptions struct {
	preserveEvents bool
}

// WithPreserveUnprocessedEvents carries buffered and still-queued external
// events into the next epoch instead of discarding them.
func WithPreserveUnprocessedEvents() ContinueOption {
	return func(o *continueOptions) { o.preserveEvents = true }
}

// ContinueAsNew ends the current epoch and restarts the orchestration with
// a fresh history and the given input. It must be the last scheduling call
// of the turn; the orchestrator should return immediately after.
func (ctx *OrchestrationContext) ContinueAsNew(input any, opts ...ContinueOption) error {
	ctx.guardScheduling()
	payload, err := durable.MarshalPayload(input)
	if err != nil {
		return err
	}
	options := &continueOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	ctx.continuedAsNew = true
	ctx.continueInput = payload
	ctx.preserveEvents = options.preserveEvents
	return nil
}

func (ctx *OrchestrationContext) guardScheduling() {
	if ctx.continuedAsNew {
		panic(turnError{durable.NewError(durable.ErrNondeterminism,
			"scheduling after ContinueAsNew is not allowed", nil, map[string]any{
				"instance_id": ctx.instanceID,
			})})
	}
}

func (ctx *OrchestrationContext) nextCorrelationID() int32 {
	ctx.sequence++
	return ctx.sequence
}

// scheduleTask assigns the next correlation id, records the pending action,
// and returns the task the matching completion event will resolve.
func (ctx *OrchestrationContext) scheduleTask(name string, build func(id int32) Action) *completableTask {
	ctx.guardScheduling()
	id := ctx.nextCorrelationID()
	ctx.pendingActions[id] = build(id)
	task := newTask(ctx)
	task.id = id
	task.name = name
	ctx.pendingTasks[id] = task
	return task
}

// withRetry chains task through a recorded backoff state machine: a failed
// attempt schedules a backoff timer, the fired timer schedules the next
// attempt. Every retry and every delay lands in history, so replay walks
// the identical sequence. The returned task resolves with the final
// attempt's outcome and is driven by completion callbacks, which keeps it
// composable with WhenAll and WhenAny.
func (ctx *OrchestrationContext) withRetry(task *completableTask, schedule func() *completableTask, policy *RetryPolicy) Task {
	if policy == nil {
		return task
	}
	outer := newTask(ctx)
	outer.name = task.name
	firstAttempt := ctx.currentTime
	attempt := 1

	var arm func(delegate *completableTask)
	arm = func(delegate *completableTask) {
		delegate.onCompleted(func() {
			if delegate.canceled && !delegate.completed {
				outer.cancel()
				return
			}
			if delegate.failure == nil {
				outer.complete(delegate.result)
				return
			}
			failure := delegate.failure
			if attempt >= policy.MaxAttempts {
				outer.fail(failure)
				return
			}
			err := &durable.TaskFailedError{TaskName: delegate.name, Details: failure}
			delay := policy.nextDelay(ctx.currentTime, firstAttempt, attempt-1, err)
			if delay <= 0 {
				outer.fail(failure)
				return
			}
			attempt++
			timer := ctx.CreateTimer(delay).(*completableTask)
			timer.onCompleted(func() {
				if timer.failure != nil || (timer.canceled && !timer.completed) {
					outer.fail(failure)
					return
				}
				arm(schedule())
			})
		})
	}
	arm(task)
	return outer
}

func (ctx *OrchestrationContext) immediateFailure(name string, err error) Task {
	task := newTask(ctx)
	task.name = name
	task.fail(durable.FailureFromError(err))
	return task
}

func (ctx *OrchestrationContext) enqueueEventWaiter(name string, task *completableTask) {
	if _, known := ctx.pendingEventTasks[name]; !known {
		ctx.eventNames = append(ctx.eventNames, name)
	}
	ctx.pendingEventTasks[name] = append(ctx.pendingEventTasks[name], task)
}

// processNextEvent consumes one history event and applies it. Returns false
// when the history is exhausted, which ends the turn.
func (ctx *OrchestrationContext) processNextEvent() (bool, error) {
	if ctx.eventIndex >= len(ctx.events) {
		return false, nil
	}
	event := ctx.events[ctx.eventIndex]
	ctx.eventIndex++
	if err := ctx.applyEvent(event); err != nil {
		return false, err
	}
	return true, nil
}

func (ctx *OrchestrationContext) applyEvent(event *history.Event) error {
	if event == nil {
		return nil
	}
	if ctx.suspended && ctx.bufferWhileSuspended(event) {
		return nil
	}
	switch event.Kind {
	case history.KindOrchestratorStarted:
		ctx.currentTime = event.Timestamp
	case history.KindExecutionStarted:
		ctx.name = event.Name
		ctx.version = event.Version
		ctx.rawInput = event.Input
	case history.KindTaskScheduled:
		return ctx.validateScheduled(event, func(action Action) bool {
			scheduled, ok := action.(*ScheduleTaskAction)
			return ok && scheduled.Name == event.Name
		})
	case history.KindTimerCreated:
		return ctx.validateScheduled(event, func(action Action) bool {
			_, ok := action.(*CreateTimerAction)
			return ok
		})
	case history.KindSubOrchestrationScheduled:
		return ctx.validateScheduled(event, func(action Action) bool {
			scheduled, ok := action.(*CreateSubOrchestrationAction)
			return ok && scheduled.Name == event.Name
		})
	case history.KindEntityOperationScheduled:
		return ctx.validateScheduled(event, func(action Action) bool {
			scheduled, ok := action.(*EntityOperationAction)
			return ok && scheduled.Operation == event.Name && scheduled.Entity.String() == event.TargetID
		})
	case history.KindEntityLockRequested:
		return ctx.validateScheduled(event, func(action Action) bool {
			_, ok := action.(*EntityLockAction)
			return ok
		})
	case history.KindEntityLockReleased:
		return ctx.validateScheduled(event, func(action Action) bool {
			_, ok := action.(*EntityUnlockAction)
			return ok
		})
	case history.KindTaskCompleted, history.KindSubOrchestrationCompleted, history.KindEntityOperationCompleted:
		ctx.completePending(event.CorrelationID, event.Result, nil, event.Kind)
	case history.KindTaskFailed, history.KindSubOrchestrationFailed, history.KindEntityOperationFailed:
		ctx.completePending(event.CorrelationID, nil, event.Failure, event.Kind)
	case history.KindTimerFired:
		ctx.completePending(event.CorrelationID, nil, nil, event.Kind)
	case history.KindEntityLockGranted:
		for _, raw := range event.LockSet {
			if entity, err := durable.ParseEntityID(raw); err == nil {
				ctx.heldLocks = append(ctx.heldLocks, entity)
			}
		}
		ctx.completePending(event.CorrelationID, nil, nil, event.Kind)
	case history.KindEventRaised:
		ctx.deliverExternalEvent(event)
	case history.KindExecutionSuspended:
		ctx.suspended = true
	case history.KindExecutionResumed:
		ctx.suspended = false
		buffered := ctx.suspendedBuffer
		ctx.suspendedBuffer = nil
		for _, deferred := range buffered {
			if err := ctx.applyEvent(deferred); err != nil {
				return err
			}
		}
	case history.KindExecutionTerminated:
		ctx.terminated = true
		ctx.terminationInput = event.Input
		panic(errTurnHalted)
	case history.KindExecutionCompleted, history.KindExecutionFailed, history.KindExecutionContinuedAsNew:
		// terminal markers from a prior turn carry no replay work
	default:
		return durable.NewError(durable.ErrNondeterminism,
			"unknown history event kind", nil, map[string]any{
				"instance_id": ctx.instanceID,
				"kind":        string(event.Kind),
				"sequence":    event.Sequence,
			})
	}
	return nil
}

// bufferWhileSuspended defers completion-like events while the instance is
// suspended. Control events still apply immediately.
func (ctx *OrchestrationContext) bufferWhileSuspended(event *history.Event) bool {
	switch event.Kind {
	case history.KindExecutionResumed, history.KindExecutionTerminated, history.KindExecutionSuspended:
		return false
	case history.KindOrchestratorStarted, history.KindExecutionStarted:
		return false
	}
	if event.IsCompletion() || event.Kind == history.KindEventRaised {
		ctx.suspendedBuffer = append(ctx.suspendedBuffer, event)
		return true
	}
	return false
}

// validateScheduled checks a replayed *Scheduled event against the action
// the orchestrator re-issued at the same position. A mismatch means the
// code diverged from the recorded decisions.
func (ctx *OrchestrationContext) validateScheduled(event *history.Event, matches func(Action) bool) error {
	action, ok := ctx.pendingActions[event.CorrelationID]
	if !ok || !matches(action) {
		return durable.NewError(durable.ErrNondeterminism, "", nil, map[string]any{
			"instance_id":    ctx.instanceID,
			"kind":           string(event.Kind),
			"name":           event.Name,
			"correlation_id": event.CorrelationID,
		})
	}
	// already dispatched in the turn that recorded this event
	delete(ctx.pendingActions, event.CorrelationID)
	return nil
}

func (ctx *OrchestrationContext) completePending(id int32, result []byte, failure *durable.FailureDetails, kind history.Kind) {
	task, ok := ctx.pendingTasks[id]
	if !ok {
		// completion for a canceled or duplicate delivery; consumed and dropped
		ctx.Logger().Debug("dropping completion with no pending task correlation_id=%d kind=%s", id, kind)
		return
	}
	delete(ctx.pendingTasks, id)
	if failure != nil {
		task.fail(failure)
		return
	}
	task.complete(result)
}

// deliverExternalEvent hands a raised event to the oldest live waiter for
// its name, or buffers it until someone waits.
func (ctx *OrchestrationContext) deliverExternalEvent(event *history.Event) {
	waiters := ctx.pendingEventTasks[event.Name]
	for len(waiters) > 0 {
		waiter := waiters[0]
		waiters = waiters[1:]
		ctx.pendingEventTasks[event.Name] = waiters
		if waiter.canceled || waiter.completed {
			continue
		}
		waiter.complete(event.Input)
		return
	}
	ctx.bufferedEvents[event.Name] = append(ctx.bufferedEvents[event.Name], event)
	if _, known := ctx.pendingEventTasks[event.Name]; !known {
		ctx.eventNames = append(ctx.eventNames, event.Name)
		ctx.pendingEventTasks[event.Name] = nil
	}
}

// carryoverEvents collects external events to hand to the next epoch:
// buffered deliveries plus any still unconsumed in this turn's batch.
func (ctx *OrchestrationContext) carryoverEvents() []*history.Event {
	if !ctx.preserveEvents {
		return nil
	}
	var out []*history.Event
	for _, name := range ctx.eventNames {
		for _, event := range ctx.bufferedEvents[name] {
			out = append(out, event.Clone())
		}
	}
	for i := ctx.eventIndex; i < len(ctx.events); i++ {
		if ctx.events[i].Kind == history.KindEventRaised {
			out = append(out, ctx.events[i].Clone())
		}
	}
	for _, event := range ctx.suspendedBuffer {
		if event.Kind == history.KindEventRaised {
			out = append(out, event.Clone())
		}
	}
	return out
}

// pendingActionList returns actions not yet matched by history, in the
// deterministic order they were issued.
func (ctx *OrchestrationContext) pendingActionList() []Action {
	if len(ctx.pendingActions) == 0 {
		return nil
	}
	ids := make([]int32, 0, len(ctx.pendingActions))
	for id := range ctx.pendingActions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	actions := make([]Action, 0, len(ids))
	for _, id := range ids {
		actions = append(actions, ctx.pendingActions[id])
	}
	return actions
}

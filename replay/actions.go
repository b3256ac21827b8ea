package replay

import (
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/history"
)

// Action is a scheduling decision produced by one turn. Actions are only
// emitted for calls with no matching *Scheduled event in history; replayed
// calls produce no actions, which is what makes a second replay free of
// external side effects.
type Action interface {
	isAction()
}

// ScheduleTaskAction requests an activity invocation.
type ScheduleTaskAction struct {
	CorrelationID int32
	Name          string
	Input         []byte
}

// CreateTimerAction requests a durable timer.
type CreateTimerAction struct {
	CorrelationID int32
	Name          string
	FireAt        time.Time
}

// CreateSubOrchestrationAction requests a child orchestration.
type CreateSubOrchestrationAction struct {
	CorrelationID int32
	Name          string
	InstanceID    string
	Version       string
	Input         []byte
}

// EntityOperationAction requests a Signal or Call against one entity.
type EntityOperationAction struct {
	CorrelationID int32
	Entity        durable.EntityID
	Operation     string
	Input         []byte
	// Signal operations are fire-and-forget: no completion event is
	// awaited and delivery failures are logged, not surfaced.
	Signal bool
}

// EntityLockAction requests exclusive ownership of the entity set.
// Entities are already sorted into the global acquisition order.
type EntityLockAction struct {
	CorrelationID int32
	Entities      []durable.EntityID
}

// EntityUnlockAction releases a previously granted lock set.
type EntityUnlockAction struct {
	CorrelationID int32
	Entities      []durable.EntityID
}

// CompleteAction finishes the epoch: normal completion, failure,
// termination, or ContinueAsNew rollover with optional carried-over
// external events.
type CompleteAction struct {
	CorrelationID int32
	Status        durable.Status
	Result        []byte
	Failure       *durable.FailureDetails
	NewInput      []byte
	Carryover     []*history.Event
}

func (ScheduleTaskAction) isAction()           {}
func (CreateTimerAction) isAction()            {}
func (CreateSubOrchestrationAction) isAction() {}
func (EntityOperationAction) isAction()        {}
func (EntityLockAction) isAction()             {}
func (EntityUnlockAction) isAction()           {}
func (CompleteAction) isAction()               {}

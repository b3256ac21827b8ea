// Package history defines the append-only event log that makes
// orchestrations durable: typed history events, per-instance ordered
// storage, and the instance metadata records the client surface queries.
package history

import (
	"time"

	durable "github.com/goliatone/go-durable"
)

// Kind tags a history event variant.
type Kind string

const (
	// KindOrchestratorStarted opens every turn and carries the logical
	// timestamp orchestrator code observes as its current time.
	KindOrchestratorStarted Kind = "orchestrator_started"
	// KindExecutionStarted seeds an epoch with the orchestration name,
	// input, and version tag.
	KindExecutionStarted Kind = "execution_started"

	KindTaskScheduled Kind = "task_scheduled"
	KindTaskCompleted Kind = "task_completed"
	KindTaskFailed    Kind = "task_failed"

	KindTimerCreated Kind = "timer_created"
	KindTimerFired   Kind = "timer_fired"

	KindEventRaised Kind = "event_raised"

	KindSubOrchestrationScheduled Kind = "sub_orchestration_scheduled"
	KindSubOrchestrationCompleted Kind = "sub_orchestration_completed"
	KindSubOrchestrationFailed    Kind = "sub_orchestration_failed"

	KindEntityOperationScheduled Kind = "entity_operation_scheduled"
	KindEntityOperationCompleted Kind = "entity_operation_completed"
	KindEntityOperationFailed    Kind = "entity_operation_failed"

	KindEntityLockRequested Kind = "entity_lock_requested"
	KindEntityLockGranted   Kind = "entity_lock_granted"
	KindEntityLockReleased  Kind = "entity_lock_released"

	KindExecutionCompleted      Kind = "execution_completed"
	KindExecutionFailed         Kind = "execution_failed"
	KindExecutionTerminated     Kind = "execution_terminated"
	KindExecutionSuspended      Kind = "execution_suspended"
	KindExecutionResumed        Kind = "execution_resumed"
	KindExecutionContinuedAsNew Kind = "execution_continued_as_new"
)

// Event is one immutable history record. Sequence numbers are assigned by
// the store on append, strictly increasing per instance, never reused.
// Epoch tags which ContinueAsNew generation the event belongs to; late
// completions from an older epoch are detected by tag mismatch and dropped.
type Event struct {
	Sequence  int64     `json:"sequence"`
	Epoch     int       `json:"epoch"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID binds a *Scheduled event to its *Completed/*Failed
	// counterpart. Assigned deterministically in orchestrator call order.
	CorrelationID int32 `json:"correlation_id,omitempty"`

	// Name is the activity/orchestration/timer/event/entity-operation name.
	Name string `json:"name,omitempty"`

	Input   []byte                  `json:"input,omitempty"`
	Result  []byte                  `json:"result,omitempty"`
	Failure *durable.FailureDetails `json:"failure,omitempty"`

	// TargetID holds the sub-orchestration instance id or the serialized
	// entity id the event addresses.
	TargetID string `json:"target_id,omitempty"`

	// FireAt is the timer due time for timer events.
	FireAt time.Time `json:"fire_at,omitempty"`

	// Version is the instance version tag on KindExecutionStarted events.
	Version string `json:"version,omitempty"`

	// LockSet lists serialized entity ids on lock protocol events.
	LockSet []string `json:"lock_set,omitempty"`
}

// Clone returns a deep copy so stored events stay immutable.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Input = append([]byte(nil), e.Input...)
	cp.Result = append([]byte(nil), e.Result...)
	cp.Failure = e.Failure.Clone()
	cp.LockSet = append([]string(nil), e.LockSet...)
	return &cp
}

// IsCompletion reports whether the event resolves a pending correlation id.
func (e *Event) IsCompletion() bool {
	switch e.Kind {
	case KindTaskCompleted, KindTaskFailed,
		KindTimerFired,
		KindSubOrchestrationCompleted, KindSubOrchestrationFailed,
		KindEntityOperationCompleted, KindEntityOperationFailed,
		KindEntityLockGranted:
		return true
	default:
		return false
	}
}

// CloneEvents deep-copies a slice of events.
func CloneEvents(events []*Event) []*Event {
	if len(events) == 0 {
		return nil
	}
	out := make([]*Event, 0, len(events))
	for _, e := range events {
		out = append(out, e.Clone())
	}
	return out
}

package replay

import (
	"context"

	durable "github.com/goliatone/go-durable"
)

// ActivityContext is the execution context handed to activity code.
// Activities run outside replay: they may do real IO and observe real time,
// and they execute at-least-once, so they should be idempotent where the
// side effect matters.
type ActivityContext struct {
	ctx        context.Context
	instanceID string
	name       string
	taskID     int32
	rawInput   []byte
	logger     durable.Logger
}

// NewActivityContext builds the context for one activity invocation.
func NewActivityContext(ctx context.Context, instanceID, name string, taskID int32, input []byte, logger durable.Logger) *ActivityContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ActivityContext{
		ctx:        ctx,
		instanceID: instanceID,
		name:       name,
		taskID:     taskID,
		rawInput:   input,
		logger:     durable.NormalizeLogger(logger),
	}
}

// Context returns the cancellation context for the invocation.
func (a *ActivityContext) Context() context.Context { return a.ctx }

// InstanceID returns the calling orchestration instance id.
func (a *ActivityContext) InstanceID() string { return a.instanceID }

// Name returns the activity name.
func (a *ActivityContext) Name() string { return a.name }

// TaskID returns the correlation id binding this invocation to history.
func (a *ActivityContext) TaskID() int32 { return a.taskID }

// GetInput deserializes the activity input into v.
func (a *ActivityContext) GetInput(v any) error {
	return durable.UnmarshalPayload(a.rawInput, v)
}

// Logger returns a logger scoped to the invocation.
func (a *ActivityContext) Logger() durable.Logger {
	return durable.WithLoggerFields(a.logger, map[string]any{
		"instance_id": a.instanceID,
		"activity":    a.name,
		"task_id":     a.taskID,
	})
}

// Package client is the application-facing surface for scheduling and
// managing orchestrations and entities hosted by a worker runtime.
package client

import (
	"context"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/history"
	"github.com/goliatone/go-durable/worker"
)

// Client wraps a worker runtime with a management API.
type Client struct {
	runtime *worker.Runtime
}

// New returns a client bound to the given runtime.
func New(runtime *worker.Runtime) *Client {
	return &Client{runtime: runtime}
}

// Schedule creates a new orchestration instance and returns its id. The
// id is generated unless pinned with worker.WithInstanceID; scheduling a
// duplicate id fails with ErrDuplicateInstance.
func (c *Client) Schedule(ctx context.Context, name string, opts ...worker.StartOption) (string, error) {
	return c.runtime.CreateInstance(ctx, name, "", opts...)
}

// RaiseEvent delivers a named external event to a running instance.
func (c *Client) RaiseEvent(ctx context.Context, instanceID, eventName string, payload any) error {
	data, err := durable.MarshalPayload(payload)
	if err != nil {
		return err
	}
	return c.runtime.RaiseEvent(ctx, instanceID, eventName, data)
}

// Terminate forcibly ends an instance, recording output as its result.
func (c *Client) Terminate(ctx context.Context, instanceID string, output any) error {
	data, err := durable.MarshalPayload(output)
	if err != nil {
		return err
	}
	return c.runtime.Terminate(ctx, instanceID, data)
}

// Suspend pauses an instance; events buffer until Resume.
func (c *Client) Suspend(ctx context.Context, instanceID, reason string) error {
	return c.runtime.Suspend(ctx, instanceID, reason)
}

// Resume lifts a suspension.
func (c *Client) Resume(ctx context.Context, instanceID, reason string) error {
	return c.runtime.Resume(ctx, instanceID, reason)
}

// Get returns the instance record, nil when unknown.
func (c *Client) Get(ctx context.Context, instanceID string) (*history.InstanceRecord, error) {
	return c.runtime.GetInstance(ctx, instanceID)
}

// Wait blocks until the instance reaches a terminal status or ctx expires.
func (c *Client) Wait(ctx context.Context, instanceID string) (*history.InstanceRecord, error) {
	return c.runtime.WaitForInstance(ctx, instanceID)
}

// WaitInto waits for completion and unmarshals the output into v.
func (c *Client) WaitInto(ctx context.Context, instanceID string, v any) (*history.InstanceRecord, error) {
	rec, err := c.runtime.WaitForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if rec.Status == durable.StatusCompleted && v != nil {
		if err := durable.UnmarshalPayload(rec.Output, v); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Query pages through instances matching the filter.
func (c *Client) Query(ctx context.Context, filter history.Filter) (history.Page, error) {
	return c.runtime.QueryInstances(ctx, filter)
}

// Purge removes matching terminal instances and their histories,
// returning how many were removed.
func (c *Client) Purge(ctx context.Context, filter history.Filter) (int, error) {
	return c.runtime.PurgeInstances(ctx, filter)
}

// SignalEntity sends a fire-and-forget operation to an entity.
func (c *Client) SignalEntity(ctx context.Context, id durable.EntityID, operation string, input any) error {
	data, err := durable.MarshalPayload(input)
	if err != nil {
		return err
	}
	return c.runtime.Entities().Signal(ctx, id, operation, data, "")
}

// CallEntity invokes an entity operation and unmarshals its result into
// out when non-nil.
func (c *Client) CallEntity(ctx context.Context, id durable.EntityID, operation string, input, out any) error {
	data, err := durable.MarshalPayload(input)
	if err != nil {
		return err
	}
	result, err := c.runtime.Entities().Call(ctx, id, operation, data, "")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return durable.UnmarshalPayload(result, out)
}

// GetEntity reads entity state without dispatching an operation. Returns
// false when the entity has no state.
func (c *Client) GetEntity(ctx context.Context, id durable.EntityID, v any) (bool, error) {
	state, err := c.runtime.Entities().GetState(ctx, id)
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}
	if v != nil {
		if err := durable.UnmarshalPayload(state, v); err != nil {
			return true, err
		}
	}
	return true, nil
}

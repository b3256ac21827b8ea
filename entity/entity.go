// Package entity implements the stateful actor layer: named entities with
// an opaque state blob, strictly serialized operation processing per
// entity, and a deadlock-free multi-entity locking protocol used by
// orchestrations that need exclusive access to a set of entities.
package entity

import (
	"context"
	"strings"
	"sync"

	durable "github.com/goliatone/go-durable"
)

// Handler processes one operation against an entity. The engine guarantees
// at most one invocation runs per entity at a time; handlers read and write
// state only through the Context.
type Handler func(ctx *Context) (any, error)

// Registry maps entity names to handlers. Registration happens at startup
// and fails fast on duplicates.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Add registers a handler for the entity name.
func (r *Registry) Add(name string, fn Handler) error {
	if r == nil {
		return durable.NewError(durable.ErrNotRegistered, "entity registry not configured", nil, nil)
	}
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return durable.NewError(durable.ErrInvalidConfig, "entity name and handler required", nil, nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return durable.NewError(durable.ErrDuplicateHandler, "", nil, map[string]any{
			"entity": name,
		})
	}
	r.handlers[name] = fn
	return nil
}

// Handler returns the registered handler for name.
func (r *Registry) Handler(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[strings.TrimSpace(name)]
	return fn, ok
}

// OrchestrationStarter schedules a new orchestration on behalf of an
// entity. Wired by the worker runtime; entities may start orchestrations
// but must never call other entities, which keeps cross-entity deadlock
// impossible outside the lock protocol.
type OrchestrationStarter func(ctx context.Context, name, instanceID string, input []byte) error

// Context is the execution context for one entity operation.
type Context struct {
	ctx       context.Context
	id        durable.EntityID
	operation string
	caller    string
	rawInput  []byte

	state        []byte
	stateLoaded  bool
	stateChanged bool
	stateDeleted bool

	starter OrchestrationStarter
	logger  durable.Logger
}

// Context returns the cancellation context for the operation.
func (c *Context) Context() context.Context { return c.ctx }

// ID returns the entity identity.
func (c *Context) ID() durable.EntityID { return c.id }

// Operation returns the operation name being applied.
func (c *Context) Operation() string { return c.operation }

// Caller returns the orchestration instance id that issued the operation,
// or "" for client-originated operations.
func (c *Context) Caller() string { return c.caller }

// GetInput deserializes the operation input into v.
func (c *Context) GetInput(v any) error {
	return durable.UnmarshalPayload(c.rawInput, v)
}

// GetState deserializes the entity's current state into v. Reports whether
// any state existed.
func (c *Context) GetState(v any) (bool, error) {
	if !c.stateLoaded || c.stateDeleted || len(c.state) == 0 {
		return false, nil
	}
	if v == nil {
		return true, nil
	}
	return true, durable.UnmarshalPayload(c.state, v)
}

// SetState replaces the entity's state. Persisted after the handler
// returns without error; a failed operation leaves state untouched.
func (c *Context) SetState(v any) error {
	payload, err := durable.MarshalPayload(v)
	if err != nil {
		return err
	}
	c.state = payload
	c.stateChanged = true
	c.stateDeleted = false
	return nil
}

// DeleteState removes the entity's state on successful completion.
func (c *Context) DeleteState() {
	c.state = nil
	c.stateChanged = true
	c.stateDeleted = true
}

// StartOrchestration schedules a new orchestration from entity code.
func (c *Context) StartOrchestration(name, instanceID string, input any) error {
	if c.starter == nil {
		return durable.NewError(durable.ErrInvalidConfig, "orchestration starter not configured", nil, nil)
	}
	payload, err := durable.MarshalPayload(input)
	if err != nil {
		return err
	}
	return c.starter(c.ctx, name, instanceID, payload)
}

// Logger returns a logger scoped to the entity operation.
func (c *Context) Logger() durable.Logger {
	return durable.WithLoggerFields(c.logger, map[string]any{
		"entity":    c.id.String(),
		"operation": c.operation,
	})
}

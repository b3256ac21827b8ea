package entity

import (
	"context"
	"sync"

	durable "github.com/goliatone/go-durable"
)

type opResult struct {
	payload []byte
	err     error
}

type operation struct {
	ctx       context.Context
	name      string
	input     []byte
	caller    string
	signal    bool
	done      chan opResult
}

// mailbox is one entity's FIFO operation queue plus its pump state.
type mailbox struct {
	queue   []*operation
	running bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the state store. Defaults to an in-memory store.
func WithStore(store Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithLockManager shares a lock manager with the worker runtime.
func WithLockManager(locks *LockManager) Option {
	return func(e *Engine) {
		if locks != nil {
			e.locks = locks
		}
	}
}

// WithOrchestrationStarter wires the entity-to-orchestration bridge.
func WithOrchestrationStarter(starter OrchestrationStarter) Option {
	return func(e *Engine) { e.starter = starter }
}

// WithLogger sets the engine logger.
func WithLogger(logger durable.Logger) Option {
	return func(e *Engine) { e.logger = durable.NormalizeLogger(logger) }
}

// Engine applies entity operations one at a time per entity, in arrival
// order, while entities run in parallel with each other. A locked entity
// only processes operations issued by the lock holder; everyone else
// queues behind the lock.
type Engine struct {
	registry *Registry
	store    Store
	locks    *LockManager
	starter  OrchestrationStarter
	logger   durable.Logger

	mu        sync.Mutex
	mailboxes map[durable.EntityID]*mailbox
}

// NewEngine creates an engine over the given handler registry.
func NewEngine(registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		store:     NewInMemoryStore(),
		locks:     NewLockManager(),
		logger:    durable.NormalizeLogger(nil),
		mailboxes: make(map[durable.EntityID]*mailbox),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Locks exposes the engine's lock manager.
func (e *Engine) Locks() *LockManager { return e.locks }

// SetOrchestrationStarter wires the entity-to-orchestration bridge after
// construction. A starter set via option wins.
func (e *Engine) SetOrchestrationStarter(starter OrchestrationStarter) {
	if e == nil || e.starter != nil {
		return
	}
	e.starter = starter
}

// Signal enqueues a fire-and-forget operation. It returns once the
// operation is queued; handler failures are logged, never surfaced.
func (e *Engine) Signal(ctx context.Context, id durable.EntityID, name string, input []byte, caller string) error {
	return e.enqueue(ctx, id, &operation{
		ctx:    context.WithoutCancel(ctx),
		name:   name,
		input:  input,
		caller: caller,
		signal: true,
	})
}

// Call enqueues an operation and waits for its result. Handler failures
// propagate to the caller as errors.
func (e *Engine) Call(ctx context.Context, id durable.EntityID, name string, input []byte, caller string) ([]byte, error) {
	op := &operation{
		ctx:    ctx,
		name:   name,
		input:  input,
		caller: caller,
		done:   make(chan opResult, 1),
	}
	if err := e.enqueue(ctx, id, op); err != nil {
		return nil, err
	}
	select {
	case result := <-op.done:
		return result.payload, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetState returns the entity's raw state blob, nil when no state exists.
func (e *Engine) GetState(ctx context.Context, id durable.EntityID) ([]byte, error) {
	if e == nil || e.store == nil {
		return nil, durable.NewError(durable.ErrInvalidConfig, "entity engine not configured", nil, nil)
	}
	record, err := e.store.Load(ctx, id)
	if err != nil || record == nil {
		return nil, err
	}
	return record.State, nil
}

// Lock acquires the entity set for owner through the shared lock manager.
func (e *Engine) Lock(ctx context.Context, owner string, entities []durable.EntityID) error {
	if e == nil || e.locks == nil {
		return durable.NewError(durable.ErrInvalidConfig, "entity engine not configured", nil, nil)
	}
	return e.locks.Acquire(ctx, owner, entities)
}

// Unlock releases owner's locks and restarts any parked entity queues.
func (e *Engine) Unlock(owner string, entities []durable.EntityID) {
	if e == nil || e.locks == nil {
		return
	}
	e.locks.Release(owner, entities)
	for _, entity := range entities {
		e.kick(entity)
	}
}

func (e *Engine) enqueue(ctx context.Context, id durable.EntityID, op *operation) error {
	if e == nil || e.registry == nil {
		return durable.NewError(durable.ErrInvalidConfig, "entity engine not configured", nil, nil)
	}
	if id.IsZero() {
		return durable.NewError(durable.ErrInvalidConfig, "entity id required", nil, nil)
	}
	if _, ok := e.registry.Handler(id.Name); !ok {
		return durable.NewError(durable.ErrNotRegistered, "", nil, map[string]any{
			"entity": id.Name,
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	box, ok := e.mailboxes[id]
	if !ok {
		box = &mailbox{}
		e.mailboxes[id] = box
	}
	box.queue = append(box.queue, op)
	start := !box.running
	if start {
		box.running = true
	}
	e.mu.Unlock()
	if start {
		go e.pump(id)
	}
	return nil
}

// kick restarts the pump after a lock release may have unblocked the queue.
func (e *Engine) kick(id durable.EntityID) {
	e.mu.Lock()
	box, ok := e.mailboxes[id]
	start := ok && !box.running && len(box.queue) > 0
	if start {
		box.running = true
	}
	e.mu.Unlock()
	if start {
		go e.pump(id)
	}
}

// pump drains one entity's queue. While the entity is locked, only the
// holder's operations are dispatchable; the pump parks when nothing at the
// front of the queue may run and is kicked again on lock release.
func (e *Engine) pump(id durable.EntityID) {
	for {
		op := e.dequeue(id)
		if op == nil {
			return
		}
		e.apply(id, op)
	}
}

func (e *Engine) dequeue(id durable.EntityID) *operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, ok := e.mailboxes[id]
	if !ok {
		return nil
	}
	owner := e.locks.Owner(id)
	for i, op := range box.queue {
		if owner != "" && op.caller != owner {
			continue
		}
		box.queue = append(box.queue[:i], box.queue[i+1:]...)
		return op
	}
	box.running = false
	return nil
}

// apply runs one operation against current state, persisting state changes
// only when the handler succeeds.
func (e *Engine) apply(id durable.EntityID, op *operation) {
	payload, err := e.invoke(id, op)
	if op.signal {
		if err != nil {
			e.logger.Warn("entity signal failed entity=%s operation=%s error=%v", id.String(), op.name, err)
		}
		return
	}
	op.done <- opResult{payload: payload, err: err}
}

func (e *Engine) invoke(id durable.EntityID, op *operation) (payload []byte, err error) {
	handler, ok := e.registry.Handler(id.Name)
	if !ok {
		return nil, durable.NewError(durable.ErrNotRegistered, "", nil, map[string]any{
			"entity": id.Name,
		})
	}
	record, err := e.store.Load(op.ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &Record{ID: id}
	}

	ectx := &Context{
		ctx:         op.ctx,
		id:          id,
		operation:   op.name,
		caller:      op.caller,
		rawInput:    op.input,
		state:       record.State,
		stateLoaded: true,
		starter:     e.starter,
		logger:      e.logger,
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			failure := durable.CapturePanic(recovered)
			err = durable.NewError(durable.ErrEntityOperation, failure.String(), nil, map[string]any{
				"entity":    id.String(),
				"operation": op.name,
			})
			payload = nil
		}
	}()

	output, err := handler(ectx)
	if err != nil {
		return nil, durable.NewError(durable.ErrEntityOperation, "", err, map[string]any{
			"entity":    id.String(),
			"operation": op.name,
		})
	}

	if ectx.stateChanged {
		if ectx.stateDeleted {
			if derr := e.store.Delete(op.ctx, id); derr != nil {
				return nil, derr
			}
		} else {
			record.State = ectx.state
			if serr := e.store.Save(op.ctx, record); serr != nil {
				return nil, serr
			}
		}
	}
	return durable.MarshalPayload(output)
}

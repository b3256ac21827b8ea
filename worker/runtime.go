// Package worker hosts the runtime that drives orchestrations: it owns the
// history backend, schedules turns through the replay executor, dispatches
// activities, timers, entity operations, and sub-orchestrations, applies
// ContinueAsNew epoch rollover, and routes work by version policy.
package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/cron"
	"github.com/goliatone/go-durable/entity"
	"github.com/goliatone/go-durable/history"
	"github.com/goliatone/go-durable/replay"
	"github.com/goliatone/go-durable/runner"
)

// inbox buffers events delivered to one instance between turns. Turns for
// one instance never overlap; across instances they run in parallel up to
// the configured concurrency.
type inbox struct {
	events  []*history.Event
	running bool
	rerun   bool
}

// parentLink routes a sub-orchestration's terminal result back to the
// awaiting parent.
type parentLink struct {
	parentID      string
	correlationID int32
	epoch         int
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithBackend sets the history backend. Defaults to in-memory.
func WithBackend(backend history.Backend) RuntimeOption {
	return func(r *Runtime) {
		if backend != nil {
			r.backend = backend
		}
	}
}

// WithRegistry sets the orchestrator/activity registry.
func WithRegistry(registry *replay.Registry) RuntimeOption {
	return func(r *Runtime) {
		if registry != nil {
			r.registry = registry
		}
	}
}

// WithEntityEngine sets the entity engine.
func WithEntityEngine(engine *entity.Engine) RuntimeOption {
	return func(r *Runtime) {
		if engine != nil {
			r.entities = engine
		}
	}
}

// WithTimerScheduler sets the timer service. Defaults to a cron scheduler
// with the runtime's logger.
func WithTimerScheduler(timers *cron.Scheduler) RuntimeOption {
	return func(r *Runtime) {
		if timers != nil {
			r.timers = timers
		}
	}
}

// WithRuntimeLogger sets the runtime logger.
func WithRuntimeLogger(logger durable.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = durable.NormalizeLogger(logger) }
}

// Runtime is the single-process durable execution engine.
type Runtime struct {
	cfg      Config
	backend  history.Backend
	registry *replay.Registry
	executor *replay.Executor
	entities *entity.Engine
	timers   *cron.Scheduler
	logger   durable.Logger
	control  *runner.ManualExecutionControl

	turnSem     chan struct{}
	activitySem chan struct{}

	mu      sync.Mutex
	inboxes map[string]*inbox
	parents map[string]parentLink
	waiters map[string][]chan *history.InstanceRecord

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRuntime builds a runtime from config and options.
func NewRuntime(cfg Config, opts ...RuntimeOption) *Runtime {
	cfg = cfg.Normalize()
	baseCtx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:         cfg,
		backend:     history.NewInMemoryStore(),
		registry:    replay.NewRegistry(),
		logger:      durable.NormalizeLogger(nil),
		control:     runner.NewManualExecutionControl(),
		turnSem:     make(chan struct{}, cfg.Concurrency),
		activitySem: make(chan struct{}, cfg.ActivityConcurrency),
		inboxes:     make(map[string]*inbox),
		parents:     make(map[string]parentLink),
		waiters:     make(map[string][]chan *history.InstanceRecord),
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.entities == nil {
		r.entities = entity.NewEngine(entity.NewRegistry(), entity.WithLogger(r.logger))
	}
	r.entities.SetOrchestrationStarter(func(ctx context.Context, name, instanceID string, input []byte) error {
		_, err := r.CreateInstance(ctx, name, instanceID, WithStartRawInput(input))
		return err
	})
	if r.timers == nil {
		r.timers = cron.NewScheduler(
			cron.WithLogger(r.logger),
			cron.WithErrorHandler(func(err error) {
				r.logger.Error("timer job failed: %v", err)
			}),
		)
	}
	r.executor = replay.NewExecutor(r.registry, replay.WithExecutorLogger(r.logger))
	return r
}

// Registry exposes the orchestrator/activity registry for registration.
func (r *Runtime) Registry() *replay.Registry { return r.registry }

// Entities exposes the entity engine.
func (r *Runtime) Entities() *entity.Engine { return r.entities }

// Start launches the timer service and resumes in-flight instances.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	if err := r.timers.Start(ctx); err != nil {
		return err
	}
	return r.rehydrate(ctx)
}

// Stop pauses dispatch, stops the timer service, and waits for in-flight
// turns to drain or ctx to expire.
func (r *Runtime) Stop(ctx context.Context) error {
	r.control.Cancel(context.Canceled)
	r.cancel()
	_ = r.timers.Stop(ctx)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PauseDispatch stops picking up new turns; the turn in flight finishes.
func (r *Runtime) PauseDispatch() { r.control.Pause() }

// ResumeDispatch continues dispatch after PauseDispatch.
func (r *Runtime) ResumeDispatch() { r.control.Resume() }

// StartOption customizes orchestration creation.
type StartOption func(*startOptions)

type startOptions struct {
	instanceID string
	version    string
	rawInput   []byte
	inputErr   error
	startAt    time.Time
}

// WithStartInput serializes v as the orchestration input.
func WithStartInput(v any) StartOption {
	return func(o *startOptions) {
		o.rawInput, o.inputErr = durable.MarshalPayload(v)
	}
}

// WithStartRawInput passes a pre-serialized input payload.
func WithStartRawInput(input []byte) StartOption {
	return func(o *startOptions) { o.rawInput = append([]byte(nil), input...) }
}

// WithInstanceID pins the instance id instead of generating one.
func WithInstanceID(id string) StartOption {
	return func(o *startOptions) { o.instanceID = strings.TrimSpace(id) }
}

// WithVersion tags the instance with a version. Immutable afterwards.
func WithVersion(version string) StartOption {
	return func(o *startOptions) { o.version = strings.TrimSpace(version) }
}

// WithStartAt delays the first turn until the given time.
func WithStartAt(at time.Time) StartOption {
	return func(o *startOptions) { o.startAt = at }
}

// CreateInstance creates a new orchestration instance and schedules its
// first turn, returning the instance id.
func (r *Runtime) CreateInstance(ctx context.Context, name string, id string, opts ...StartOption) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", durable.NewError(durable.ErrInvalidConfig, "orchestration name required", nil, nil)
	}
	options := &startOptions{instanceID: strings.TrimSpace(id)}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	if options.inputErr != nil {
		return "", options.inputErr
	}
	if options.instanceID == "" {
		options.instanceID = uuid.NewString()
	}

	rec := &history.InstanceRecord{
		ID:      options.instanceID,
		Name:    name,
		Version: options.version,
		Status:  durable.StatusPending,
		Epoch:   1,
		Input:   options.rawInput,
	}
	if err := r.backend.Create(ctx, rec); err != nil {
		return "", err
	}
	seed := &history.Event{
		Epoch:     1,
		Kind:      history.KindExecutionStarted,
		Timestamp: time.Now().UTC(),
		Name:      name,
		Input:     options.rawInput,
		Version:   options.version,
	}
	if err := r.appendWithRetry(ctx, rec.ID, seed); err != nil {
		return "", err
	}

	if !options.startAt.IsZero() && options.startAt.After(time.Now()) {
		instanceID := rec.ID
		_, err := r.timers.ScheduleAt(options.startAt, cron.HandlerOptions{}, func(context.Context) error {
			r.scheduleTurn(instanceID)
			return nil
		})
		if err != nil {
			return "", err
		}
		return rec.ID, nil
	}
	r.scheduleTurn(rec.ID)
	return rec.ID, nil
}

// RaiseEvent delivers an external event to a running instance. Events
// raised before anyone waits are buffered FIFO by name and never lost.
func (r *Runtime) RaiseEvent(ctx context.Context, instanceID, eventName string, payload []byte) error {
	rec, err := r.requireLive(ctx, instanceID)
	if err != nil {
		return err
	}
	r.deliver(rec, &history.Event{
		Epoch:     rec.Epoch,
		Kind:      history.KindEventRaised,
		Timestamp: time.Now().UTC(),
		Name:      strings.TrimSpace(eventName),
		Input:     payload,
	})
	return nil
}

// Terminate forcibly ends an instance, recording output as its result.
func (r *Runtime) Terminate(ctx context.Context, instanceID string, output []byte) error {
	rec, err := r.requireLive(ctx, instanceID)
	if err != nil {
		return err
	}
	r.deliver(rec, &history.Event{
		Epoch:     rec.Epoch,
		Kind:      history.KindExecutionTerminated,
		Timestamp: time.Now().UTC(),
		Input:     output,
	})
	return nil
}

// Suspend pauses event application for the instance; deliveries buffer
// until Resume.
func (r *Runtime) Suspend(ctx context.Context, instanceID, reason string) error {
	rec, err := r.requireLive(ctx, instanceID)
	if err != nil {
		return err
	}
	rec.Status = durable.StatusSuspended
	if err := r.backend.Update(ctx, rec); err != nil {
		return err
	}
	r.deliver(rec, &history.Event{
		Epoch:     rec.Epoch,
		Kind:      history.KindExecutionSuspended,
		Timestamp: time.Now().UTC(),
		Input:     []byte(reason),
	})
	return nil
}

// Resume lifts a suspension and applies buffered deliveries in order.
func (r *Runtime) Resume(ctx context.Context, instanceID, reason string) error {
	rec, err := r.requireLive(ctx, instanceID)
	if err != nil {
		return err
	}
	rec.Status = durable.StatusRunning
	if err := r.backend.Update(ctx, rec); err != nil {
		return err
	}
	r.deliver(rec, &history.Event{
		Epoch:     rec.Epoch,
		Kind:      history.KindExecutionResumed,
		Timestamp: time.Now().UTC(),
		Input:     []byte(reason),
	})
	return nil
}

// GetInstance returns the instance record, nil when unknown.
func (r *Runtime) GetInstance(ctx context.Context, instanceID string) (*history.InstanceRecord, error) {
	return r.backend.Load(ctx, instanceID)
}

// QueryInstances pages through instances matching the filter.
func (r *Runtime) QueryInstances(ctx context.Context, filter history.Filter) (history.Page, error) {
	return r.backend.Query(ctx, filter)
}

// PurgeInstances removes matching instances and their histories.
func (r *Runtime) PurgeInstances(ctx context.Context, filter history.Filter) (int, error) {
	return r.backend.Purge(ctx, filter)
}

// WaitForInstance blocks until the instance reaches a terminal status.
func (r *Runtime) WaitForInstance(ctx context.Context, instanceID string) (*history.InstanceRecord, error) {
	rec, err := r.backend.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, durable.NewError(durable.ErrInstanceNotFound, "", nil, map[string]any{
			"instance_id": instanceID,
		})
	}
	if rec.Status.IsTerminal() {
		return rec, nil
	}

	ch := make(chan *history.InstanceRecord, 1)
	r.mu.Lock()
	r.waiters[instanceID] = append(r.waiters[instanceID], ch)
	r.mu.Unlock()

	// The instance may have finished between the terminal check above and
	// the waiter registration, in which case its waiter list was already
	// drained and this channel never fires. Re-load to close the window.
	rec, err = r.backend.Load(ctx, instanceID)
	if err == nil && rec != nil && rec.Status.IsTerminal() {
		r.removeWaiter(instanceID, ch)
		return rec, nil
	}

	select {
	case rec := <-ch:
		return rec, nil
	case <-ctx.Done():
		r.removeWaiter(instanceID, ch)
		return nil, ctx.Err()
	}
}

func (r *Runtime) removeWaiter(instanceID string, ch chan *history.InstanceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[instanceID]
	for i, waiter := range waiters {
		if waiter == ch {
			r.waiters[instanceID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[instanceID]) == 0 {
		delete(r.waiters, instanceID)
	}
}

func (r *Runtime) requireLive(ctx context.Context, instanceID string) (*history.InstanceRecord, error) {
	rec, err := r.backend.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, durable.NewError(durable.ErrInstanceNotFound, "", nil, map[string]any{
			"instance_id": instanceID,
		})
	}
	if rec.Status.IsTerminal() {
		return nil, durable.NewError(durable.ErrInvalidConfig, "instance already reached a terminal status", nil, map[string]any{
			"instance_id": instanceID,
			"status":      string(rec.Status),
		})
	}
	return rec, nil
}

// deliver queues an event for the instance's next turn. Completions tagged
// with a stale epoch are duplicates from before a ContinueAsNew rollover
// and are dropped.
func (r *Runtime) deliver(rec *history.InstanceRecord, event *history.Event) {
	if rec == nil || event == nil {
		return
	}
	if event.IsCompletion() && event.Epoch != rec.Epoch {
		r.logger.Debug("dropping stale completion instance_id=%s kind=%s epoch=%d current=%d",
			rec.ID, event.Kind, event.Epoch, rec.Epoch)
		return
	}
	r.mu.Lock()
	box, ok := r.inboxes[rec.ID]
	if !ok {
		box = &inbox{}
		r.inboxes[rec.ID] = box
	}
	box.events = append(box.events, event)
	r.mu.Unlock()
	r.scheduleTurn(rec.ID)
}

// deliverCompletion re-reads the record so the epoch check sees rollovers
// that happened while the work ran.
func (r *Runtime) deliverCompletion(instanceID string, event *history.Event) {
	rec, err := r.backend.Load(r.baseCtx, instanceID)
	if err != nil || rec == nil {
		return
	}
	if rec.Status.IsTerminal() {
		return
	}
	r.deliver(rec, event)
}

func (r *Runtime) scheduleTurn(instanceID string) {
	r.mu.Lock()
	box, ok := r.inboxes[instanceID]
	if !ok {
		box = &inbox{}
		r.inboxes[instanceID] = box
	}
	if box.running {
		box.rerun = true
		r.mu.Unlock()
		return
	}
	box.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			r.turnSem <- struct{}{}
			r.runTurn(instanceID)
			<-r.turnSem

			r.mu.Lock()
			box := r.inboxes[instanceID]
			if box == nil || !box.rerun {
				if box != nil {
					box.running = false
				}
				r.mu.Unlock()
				return
			}
			box.rerun = false
			r.mu.Unlock()
		}
	}()
}

// runTurn executes one turn for the instance: version routing, replay,
// history append, then action dispatch. Events are durably appended before
// any externally visible dispatch happens.
func (r *Runtime) runTurn(instanceID string) {
	ctx := r.baseCtx
	if err := r.control.WaitIfPaused(ctx); err != nil {
		return
	}

	rec, err := r.backend.Load(ctx, instanceID)
	if err != nil || rec == nil {
		if err != nil {
			r.logger.Error("cannot load instance instance_id=%s error=%v", instanceID, err)
		}
		return
	}
	if rec.Status.IsTerminal() || rec.Status == durable.StatusStuck {
		r.drainInbox(instanceID)
		return
	}

	if !r.cfg.Version.Accepts(rec.Version) {
		if r.cfg.Version.OnMismatch == FailureStrategySucceed {
			r.logger.Warn("version mismatch, dispatching anyway instance_id=%s instance_version=%q worker_version=%q",
				rec.ID, rec.Version, r.cfg.Version.Version)
		} else {
			r.logger.Error("no compatible worker for instance instance_id=%s instance_version=%q worker_version=%q",
				rec.ID, rec.Version, r.cfg.Version.Version)
			rec.Status = durable.StatusStuck
			if uerr := r.backend.Update(ctx, rec); uerr != nil {
				r.logger.Error("cannot mark instance stuck instance_id=%s error=%v", rec.ID, uerr)
			}
			return
		}
	}

	fresh := append([]*history.Event{{
		Epoch:     rec.Epoch,
		Kind:      history.KindOrchestratorStarted,
		Timestamp: time.Now().UTC(),
	}}, r.drainInbox(instanceID)...)

	old, err := r.backend.Read(ctx, instanceID, 1)
	if err != nil {
		r.logger.Error("cannot read history instance_id=%s error=%v", instanceID, err)
		r.requeue(instanceID, fresh[1:])
		return
	}

	result, err := r.executor.Execute(ctx, replay.TurnRequest{
		InstanceID: instanceID,
		Epoch:      rec.Epoch,
		OldEvents:  old,
		NewEvents:  fresh,
	})
	if err != nil {
		if durable.ErrorCode(err) == durable.ErrCodeNotRegistered {
			r.logger.Error("orchestrator not registered, parking instance instance_id=%s name=%s", rec.ID, rec.Name)
			rec.Status = durable.StatusStuck
		} else {
			r.logger.Error("turn execution failed instance_id=%s error=%v", rec.ID, err)
			rec.Status = durable.StatusFailed
			rec.Failure = durable.FailureFromError(err)
		}
		if uerr := r.backend.Update(ctx, rec); uerr != nil {
			r.logger.Error("cannot update instance instance_id=%s error=%v", rec.ID, uerr)
		}
		if rec.Status.IsTerminal() {
			r.finalizeInstance(rec)
		}
		return
	}

	toAppend := append([]*history.Event(nil), fresh...)
	complete := result.Complete()
	for _, action := range result.Actions {
		if event := r.actionEvent(rec, action); event != nil {
			toAppend = append(toAppend, event)
		}
	}
	if err := r.appendWithRetry(ctx, instanceID, toAppend...); err != nil {
		r.logger.Error("history append failed, turn abandoned instance_id=%s error=%v", instanceID, err)
		r.requeue(instanceID, fresh[1:])
		return
	}

	if rec.Status == durable.StatusPending {
		rec.Status = durable.StatusRunning
	}
	if result.Suspended {
		rec.Status = durable.StatusSuspended
	}
	if len(result.CustomStatus) > 0 {
		rec.CustomStatus = string(result.CustomStatus)
	}
	if complete == nil {
		if err := r.backend.Update(ctx, rec); err != nil {
			r.logger.Error("cannot update instance instance_id=%s error=%v", rec.ID, err)
		}
	}

	for _, action := range result.Actions {
		r.dispatch(rec, action)
	}
}

// actionEvent maps a scheduling action to the history event recording it.
func (r *Runtime) actionEvent(rec *history.InstanceRecord, action replay.Action) *history.Event {
	now := time.Now().UTC()
	switch a := action.(type) {
	case *replay.ScheduleTaskAction:
		return &history.Event{
			Epoch: rec.Epoch, Kind: history.KindTaskScheduled, Timestamp: now,
			CorrelationID: a.CorrelationID, Name: a.Name, Input: a.Input,
		}
	case *replay.CreateTimerAction:
		return &history.Event{
			Epoch: rec.Epoch, Kind: history.KindTimerCreated, Timestamp: now,
			CorrelationID: a.CorrelationID, FireAt: a.FireAt,
		}
	case *replay.CreateSubOrchestrationAction:
		return &history.Event{
			Epoch: rec.Epoch, Kind: history.KindSubOrchestrationScheduled, Timestamp: now,
			CorrelationID: a.CorrelationID, Name: a.Name, TargetID: a.InstanceID,
			Version: a.Version, Input: a.Input,
		}
	case *replay.EntityOperationAction:
		return &history.Event{
			Epoch: rec.Epoch, Kind: history.KindEntityOperationScheduled, Timestamp: now,
			CorrelationID: a.CorrelationID, Name: a.Operation, TargetID: a.Entity.String(),
			Input: a.Input,
		}
	case *replay.EntityLockAction:
		return &history.Event{
			Epoch: rec.Epoch, Kind: history.KindEntityLockRequested, Timestamp: now,
			CorrelationID: a.CorrelationID, LockSet: entityIDStrings(a.Entities),
		}
	case *replay.EntityUnlockAction:
		return &history.Event{
			Epoch: rec.Epoch, Kind: history.KindEntityLockReleased, Timestamp: now,
			CorrelationID: a.CorrelationID, LockSet: entityIDStrings(a.Entities),
		}
	case *replay.CompleteAction:
		event := &history.Event{
			Epoch: rec.Epoch, Timestamp: now, CorrelationID: a.CorrelationID,
			Result: a.Result, Failure: a.Failure,
		}
		switch a.Status {
		case durable.StatusCompleted:
			event.Kind = history.KindExecutionCompleted
		case durable.StatusFailed:
			event.Kind = history.KindExecutionFailed
		case durable.StatusTerminated:
			event.Kind = history.KindExecutionTerminated
			// termination already recorded by the delivered event
			return nil
		case durable.StatusContinuedAsNew:
			event.Kind = history.KindExecutionContinuedAsNew
			event.Input = a.NewInput
		}
		return event
	}
	return nil
}

// dispatch performs the externally visible side of one action. Runs only
// after the matching *Scheduled event is durably appended.
func (r *Runtime) dispatch(rec *history.InstanceRecord, action replay.Action) {
	switch a := action.(type) {
	case *replay.ScheduleTaskAction:
		r.dispatchActivity(rec, a)
	case *replay.CreateTimerAction:
		r.dispatchTimer(rec, a)
	case *replay.CreateSubOrchestrationAction:
		r.dispatchSubOrchestration(rec, a)
	case *replay.EntityOperationAction:
		r.dispatchEntityOperation(rec, a)
	case *replay.EntityLockAction:
		r.dispatchLock(rec, a)
	case *replay.EntityUnlockAction:
		r.entities.Unlock(rec.ID, a.Entities)
	case *replay.CompleteAction:
		r.completeEpoch(rec, a)
	}
}

func (r *Runtime) dispatchActivity(rec *history.InstanceRecord, a *replay.ScheduleTaskAction) {
	instanceID, epoch := rec.ID, rec.Epoch
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.activitySem <- struct{}{}
		defer func() { <-r.activitySem }()

		result, failure := r.runActivity(instanceID, a)
		event := &history.Event{
			Epoch:         epoch,
			Timestamp:     time.Now().UTC(),
			CorrelationID: a.CorrelationID,
			Name:          a.Name,
		}
		if failure != nil {
			event.Kind = history.KindTaskFailed
			event.Failure = failure
		} else {
			event.Kind = history.KindTaskCompleted
			event.Result = result
		}
		r.deliverCompletion(instanceID, event)
	}()
}

// runActivity invokes activity code with panic capture. Activities run
// at-least-once; a crash here surfaces as a recorded TaskFailed.
func (r *Runtime) runActivity(instanceID string, a *replay.ScheduleTaskAction) (result []byte, failure *durable.FailureDetails) {
	fn, ok := r.registry.Activity(a.Name)
	if !ok {
		return nil, durable.FailureFromError(durable.NewError(durable.ErrNotRegistered, "", nil, map[string]any{
			"activity": a.Name,
		}))
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			failure = durable.CapturePanic(recovered)
			result = nil
		}
	}()
	actx := replay.NewActivityContext(r.baseCtx, instanceID, a.Name, a.CorrelationID, a.Input, r.logger)
	output, err := fn(actx)
	if err != nil {
		return nil, durable.FailureFromError(err)
	}
	payload, err := durable.MarshalPayload(output)
	if err != nil {
		return nil, durable.FailureFromError(err)
	}
	return payload, nil
}

func (r *Runtime) dispatchTimer(rec *history.InstanceRecord, a *replay.CreateTimerAction) {
	instanceID, epoch := rec.ID, rec.Epoch
	correlationID, fireAt := a.CorrelationID, a.FireAt
	_, err := r.timers.ScheduleAt(fireAt, cron.HandlerOptions{}, func(context.Context) error {
		r.deliverCompletion(instanceID, &history.Event{
			Epoch:         epoch,
			Kind:          history.KindTimerFired,
			Timestamp:     time.Now().UTC(),
			CorrelationID: correlationID,
			FireAt:        fireAt,
		})
		return nil
	})
	if err != nil {
		r.logger.Error("cannot schedule timer instance_id=%s error=%v", instanceID, err)
	}
}

func (r *Runtime) dispatchSubOrchestration(rec *history.InstanceRecord, a *replay.CreateSubOrchestrationAction) {
	r.mu.Lock()
	r.parents[a.InstanceID] = parentLink{
		parentID:      rec.ID,
		correlationID: a.CorrelationID,
		epoch:         rec.Epoch,
	}
	r.mu.Unlock()

	_, err := r.CreateInstance(r.baseCtx, a.Name, a.InstanceID,
		WithStartRawInput(a.Input),
		WithVersion(a.Version),
	)
	if err != nil {
		r.mu.Lock()
		delete(r.parents, a.InstanceID)
		r.mu.Unlock()
		r.deliverCompletion(rec.ID, &history.Event{
			Epoch:         rec.Epoch,
			Kind:          history.KindSubOrchestrationFailed,
			Timestamp:     time.Now().UTC(),
			CorrelationID: a.CorrelationID,
			Name:          a.Name,
			Failure:       durable.FailureFromError(err),
		})
	}
}

func (r *Runtime) dispatchEntityOperation(rec *history.InstanceRecord, a *replay.EntityOperationAction) {
	if a.Signal {
		if err := r.entities.Signal(r.baseCtx, a.Entity, a.Operation, a.Input, rec.ID); err != nil {
			r.logger.Warn("entity signal dropped entity=%s operation=%s error=%v", a.Entity.String(), a.Operation, err)
		}
		return
	}
	instanceID, epoch := rec.ID, rec.Epoch
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		payload, err := r.entities.Call(r.baseCtx, a.Entity, a.Operation, a.Input, instanceID)
		event := &history.Event{
			Epoch:         epoch,
			Timestamp:     time.Now().UTC(),
			CorrelationID: a.CorrelationID,
			Name:          a.Operation,
			TargetID:      a.Entity.String(),
		}
		if err != nil {
			event.Kind = history.KindEntityOperationFailed
			event.Failure = durable.FailureFromError(err)
		} else {
			event.Kind = history.KindEntityOperationCompleted
			event.Result = payload
		}
		r.deliverCompletion(instanceID, event)
	}()
}

func (r *Runtime) dispatchLock(rec *history.InstanceRecord, a *replay.EntityLockAction) {
	instanceID, epoch := rec.ID, rec.Epoch
	entities := a.Entities
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := r.baseCtx
		cancel := context.CancelFunc(func() {})
		if r.cfg.LockTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, r.cfg.LockTimeout.Std())
		}
		defer cancel()

		err := r.entities.Lock(ctx, instanceID, entities)
		event := &history.Event{
			Epoch:         epoch,
			Timestamp:     time.Now().UTC(),
			CorrelationID: a.CorrelationID,
			LockSet:       entityIDStrings(entities),
		}
		if err != nil {
			event.Kind = history.KindEntityOperationFailed
			event.Failure = durable.FailureFromError(err)
		} else {
			event.Kind = history.KindEntityLockGranted
		}
		r.deliverCompletion(instanceID, event)
	}()
}

// completeEpoch applies a turn's terminal action: record update plus, for
// ContinueAsNew, atomic history truncation and a fresh seed event.
func (r *Runtime) completeEpoch(rec *history.InstanceRecord, complete *replay.CompleteAction) {
	ctx := r.baseCtx
	switch complete.Status {
	case durable.StatusContinuedAsNew:
		nextEpoch := rec.Epoch + 1
		keep := []*history.Event{{
			Epoch:     nextEpoch,
			Kind:      history.KindExecutionStarted,
			Timestamp: time.Now().UTC(),
			Name:      rec.Name,
			Input:     complete.NewInput,
			Version:   rec.Version,
		}}
		for _, carried := range complete.Carryover {
			cp := carried.Clone()
			cp.Epoch = nextEpoch
			cp.Sequence = 0
			keep = append(keep, cp)
		}
		if err := r.backend.Truncate(ctx, rec.ID, keep); err != nil {
			r.logger.Error("epoch rollover truncate failed instance_id=%s error=%v", rec.ID, err)
			return
		}
		rec.Epoch = nextEpoch
		rec.Status = durable.StatusPending
		rec.Input = complete.NewInput
		rec.Output = nil
		rec.Failure = nil
		if err := r.backend.Update(ctx, rec); err != nil {
			r.logger.Error("cannot update instance instance_id=%s error=%v", rec.ID, err)
			return
		}
		r.scheduleTurn(rec.ID)

	case durable.StatusCompleted, durable.StatusFailed, durable.StatusTerminated:
		rec.Status = complete.Status
		rec.Output = complete.Result
		rec.Failure = complete.Failure
		if err := r.backend.Update(ctx, rec); err != nil {
			r.logger.Error("cannot update instance instance_id=%s error=%v", rec.ID, err)
			return
		}
		r.finalizeInstance(rec)
	}
}

// finalizeInstance notifies completion waiters and the parent, if this
// instance was a sub-orchestration.
func (r *Runtime) finalizeInstance(rec *history.InstanceRecord) {
	r.mu.Lock()
	waiters := r.waiters[rec.ID]
	delete(r.waiters, rec.ID)
	link, hasParent := r.parents[rec.ID]
	delete(r.parents, rec.ID)
	delete(r.inboxes, rec.ID)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- rec.Clone()
	}

	if !hasParent {
		return
	}
	event := &history.Event{
		Epoch:         link.epoch,
		Timestamp:     time.Now().UTC(),
		CorrelationID: link.correlationID,
		Name:          rec.Name,
		TargetID:      rec.ID,
	}
	switch rec.Status {
	case durable.StatusCompleted:
		event.Kind = history.KindSubOrchestrationCompleted
		event.Result = rec.Output
	default:
		event.Kind = history.KindSubOrchestrationFailed
		failure := rec.Failure
		if failure == nil {
			failure = &durable.FailureDetails{
				ErrorType:    string(rec.Status),
				ErrorMessage: "sub-orchestration ended without a result",
			}
		}
		event.Failure = failure
	}
	r.deliverCompletion(link.parentID, event)
}

// rehydrate resumes non-terminal instances after a restart: unresolved
// scheduled events are re-dispatched, so at-least-once delivery holds
// across process boundaries.
func (r *Runtime) rehydrate(ctx context.Context) error {
	token := ""
	for {
		page, err := r.backend.Query(ctx, history.Filter{
			Statuses:  []durable.Status{durable.StatusPending, durable.StatusRunning},
			PageToken: token,
		})
		if err != nil {
			return err
		}
		for _, rec := range page.Instances {
			if err := r.redispatchPending(ctx, rec); err != nil {
				r.logger.Error("rehydrate failed instance_id=%s error=%v", rec.ID, err)
			}
		}
		if page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}

func (r *Runtime) redispatchPending(ctx context.Context, rec *history.InstanceRecord) error {
	events, err := r.backend.Read(ctx, rec.ID, 1)
	if err != nil {
		return err
	}
	resolved := make(map[int32]bool)
	for _, e := range events {
		if e.IsCompletion() {
			resolved[e.CorrelationID] = true
		}
	}
	scheduled := false
	for _, e := range events {
		if resolved[e.CorrelationID] && e.CorrelationID != 0 {
			continue
		}
		switch e.Kind {
		case history.KindTaskScheduled:
			r.dispatchActivity(rec, &replay.ScheduleTaskAction{
				CorrelationID: e.CorrelationID, Name: e.Name, Input: e.Input,
			})
			scheduled = true
		case history.KindTimerCreated:
			r.dispatchTimer(rec, &replay.CreateTimerAction{
				CorrelationID: e.CorrelationID, FireAt: e.FireAt,
			})
			scheduled = true
		case history.KindEntityOperationScheduled:
			entityID, perr := durable.ParseEntityID(e.TargetID)
			if perr != nil {
				continue
			}
			r.dispatchEntityOperation(rec, &replay.EntityOperationAction{
				CorrelationID: e.CorrelationID, Entity: entityID, Operation: e.Name, Input: e.Input,
			})
			scheduled = true
		case history.KindEntityLockRequested:
			r.dispatchLock(rec, &replay.EntityLockAction{
				CorrelationID: e.CorrelationID, Entities: parseEntityIDs(e.LockSet),
			})
			scheduled = true
		}
	}
	if !scheduled {
		// nothing outstanding; run a turn so a pending instance starts
		r.scheduleTurn(rec.ID)
	}
	return nil
}

func (r *Runtime) drainInbox(instanceID string) []*history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	box, ok := r.inboxes[instanceID]
	if !ok || len(box.events) == 0 {
		return nil
	}
	events := box.events
	box.events = nil
	return events
}

func (r *Runtime) requeue(instanceID string, events []*history.Event) {
	if len(events) == 0 {
		return
	}
	r.mu.Lock()
	box, ok := r.inboxes[instanceID]
	if !ok {
		box = &inbox{}
		r.inboxes[instanceID] = box
	}
	box.events = append(events, box.events...)
	box.rerun = true
	r.mu.Unlock()
}

func (r *Runtime) appendWithRetry(ctx context.Context, instanceID string, events ...*history.Event) error {
	h := runner.NewHandler(
		runner.WithMaxRetries(r.cfg.AppendRetries),
		runner.WithRetryStrategy(runner.ExponentialBackoffStrategy{
			Base:   50 * time.Millisecond,
			Factor: 2,
			Max:    time.Second,
		}),
		runner.WithLogger(r.logger),
	)
	return h.Run(ctx, func(ctx context.Context) error {
		_, err := r.backend.Append(ctx, instanceID, events...)
		return err
	})
}

func entityIDStrings(entities []durable.EntityID) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.String())
	}
	return out
}

func parseEntityIDs(raw []string) []durable.EntityID {
	out := make([]durable.EntityID, 0, len(raw))
	for _, s := range raw {
		if id, err := durable.ParseEntityID(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}

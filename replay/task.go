package replay

import (
	"errors"

	durable "github.com/goliatone/go-durable"
)

// errTaskBlocked ends a turn: the orchestrator reached a scheduling call
// with no completion in history. Recovered by the turn loop, never
// visible to callers.
var errTaskBlocked = errors.New("task blocked: no completion in history")

// turnError carries a fatal turn failure (nondeterminism, unknown event)
// out of orchestrator code via panic, recovered by the turn loop.
type turnError struct{ err error }

// Task is an awaitable handle to a scheduled operation.
type Task interface {
	// Await blocks the orchestrator until the operation completes,
	// deserializing the result into v when non-nil. Failed operations
	// return a *durable.TaskFailedError; canceled ones return
	// durable.ErrTaskCanceled.
	Await(v any) error
}

type completableTask struct {
	ctx       *OrchestrationContext
	id        int32
	name      string
	completed bool
	canceled  bool
	result    []byte
	failure   *durable.FailureDetails
	callbacks []func()
}

func newTask(ctx *OrchestrationContext) *completableTask {
	return &completableTask{ctx: ctx}
}

func (t *completableTask) Await(v any) error {
	for {
		if t.completed || t.canceled {
			break
		}
		ok, err := t.ctx.processNextEvent()
		if err != nil {
			panic(turnError{err})
		}
		if !ok {
			panic(errTaskBlocked)
		}
	}
	if t.canceled && !t.completed {
		return durable.ErrTaskCanceled
	}
	if t.failure != nil {
		return &durable.TaskFailedError{TaskName: t.name, Details: t.failure}
	}
	if v != nil && len(t.result) > 0 {
		return durable.UnmarshalPayload(t.result, v)
	}
	return nil
}

func (t *completableTask) complete(result []byte) {
	if t.completed {
		return
	}
	t.completed = true
	t.result = result
	t.notify()
}

func (t *completableTask) fail(failure *durable.FailureDetails) {
	if t.completed {
		return
	}
	t.completed = true
	t.failure = failure
	t.notify()
}

// cancel marks the task abandoned. A completion that still arrives for a
// canceled task is consumed from history and ignored.
func (t *completableTask) cancel() {
	if t.completed || t.canceled {
		return
	}
	t.canceled = true
	t.notify()
}

func (t *completableTask) onCompleted(cb func()) {
	if cb == nil {
		return
	}
	if t.completed || t.canceled {
		cb()
		return
	}
	t.callbacks = append(t.callbacks, cb)
}

func (t *completableTask) notify() {
	callbacks := t.callbacks
	t.callbacks = nil
	for _, cb := range callbacks {
		cb()
	}
}

// WhenAll resolves when every task has completed, failing fast with the
// first failure encountered in history order. All tasks created by an
// OrchestrationContext participate, retry-wrapped ones included: they all
// resolve through the completion callback path. Callers that want to
// tolerate individual failures wrap each Await in their own error handling
// instead.
func WhenAll(ctx *OrchestrationContext, tasks ...Task) Task {
	all := newTask(ctx)
	remaining := 0
	for _, task := range tasks {
		if _, ok := task.(*completableTask); ok {
			remaining++
		}
	}
	if remaining == 0 {
		all.complete(nil)
		return all
	}
	for _, task := range tasks {
		ct, ok := task.(*completableTask)
		if !ok {
			continue
		}
		ct.onCompleted(func() {
			if all.completed {
				return
			}
			if ct.failure != nil {
				all.fail(ct.failure)
				return
			}
			remaining--
			if remaining == 0 {
				all.complete(nil)
			}
		})
	}
	return all
}

// WhenAny resolves with the index of the first task to complete or fail.
// The remaining siblings are canceled best-effort; their completions, if
// they still arrive, are recorded in history and ignored.
func WhenAny(ctx *OrchestrationContext, tasks ...Task) Task {
	any := newTask(ctx)
	if len(tasks) == 0 {
		any.complete(nil)
		return any
	}
	for i, task := range tasks {
		ct, ok := task.(*completableTask)
		if !ok {
			continue
		}
		index := i
		ct.onCompleted(func() {
			if any.completed {
				return
			}
			payload, _ := durable.MarshalPayload(index)
			any.complete(payload)
			for j, sibling := range tasks {
				if j == index {
					continue
				}
				if sct, ok := sibling.(*completableTask); ok {
					sct.cancel()
				}
			}
		})
	}
	return any
}

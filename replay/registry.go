// Package replay implements the deterministic replay engine: it re-executes
// orchestrator code against recorded history, feeding each scheduling call
// its cached result, and suspends execution at the first call that has no
// completion yet. One Execute call runs exactly one turn.
package replay

import (
	"strings"
	"sync"

	durable "github.com/goliatone/go-durable"
)

// Orchestrator is the functional contract for orchestrator code. It must be
// deterministic: all IO goes through the OrchestrationContext operations.
type Orchestrator func(ctx *OrchestrationContext) (any, error)

// Activity is the functional contract for activity code. Activities run
// at-least-once and may perform arbitrary side effects.
type Activity func(ctx *ActivityContext) (any, error)

// Registry maps names to orchestrators and activities. Registration happens
// at startup and fails fast on duplicates; lookups never scan.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]Orchestrator
	activities    map[string]Activity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[string]Orchestrator),
		activities:    make(map[string]Activity),
	}
}

// AddOrchestrator registers orchestrator code under name.
func (r *Registry) AddOrchestrator(name string, fn Orchestrator) error {
	if r == nil {
		return durable.NewError(durable.ErrNotRegistered, "registry not configured", nil, nil)
	}
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return durable.NewError(durable.ErrInvalidConfig, "orchestrator name and function required", nil, nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orchestrators[name]; exists {
		return durable.NewError(durable.ErrDuplicateHandler, "", nil, map[string]any{
			"orchestrator": name,
		})
	}
	r.orchestrators[name] = fn
	return nil
}

// AddActivity registers activity code under name.
func (r *Registry) AddActivity(name string, fn Activity) error {
	if r == nil {
		return durable.NewError(durable.ErrNotRegistered, "registry not configured", nil, nil)
	}
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return durable.NewError(durable.ErrInvalidConfig, "activity name and function required", nil, nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[name]; exists {
		return durable.NewError(durable.ErrDuplicateHandler, "", nil, map[string]any{
			"activity": name,
		})
	}
	r.activities[name] = fn
	return nil
}

// Orchestrator returns the registered orchestrator for name.
func (r *Registry) Orchestrator(name string) (Orchestrator, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.orchestrators[strings.TrimSpace(name)]
	return fn, ok
}

// Activity returns the registered activity for name.
func (r *Registry) Activity(name string) (Activity, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[strings.TrimSpace(name)]
	return fn, ok
}

package entity

import (
	"context"
	"sort"
	"sync"

	durable "github.com/goliatone/go-durable"
)

type lockWaiter struct {
	owner string
	grant chan struct{}
}

type lockState struct {
	owner   string
	waiters []*lockWaiter
}

// LockManager hands out exclusive per-entity locks to orchestration
// instances. Acquisition walks the requested set in the global (name, key)
// order, one entity at a time; because every caller walks the same order,
// overlapping sets block but never deadlock. Waiters queue FIFO per entity.
type LockManager struct {
	mu    sync.Mutex
	locks map[durable.EntityID]*lockState
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[durable.EntityID]*lockState)}
}

// Acquire takes every entity lock in the set for owner, blocking on each
// contended entity until it frees up or ctx expires. On expiry all locks
// acquired so far are released and ErrLockTimeout is returned, so a timed
// out caller never strands a partial acquisition.
func (m *LockManager) Acquire(ctx context.Context, owner string, entities []durable.EntityID) error {
	if m == nil || owner == "" || len(entities) == 0 {
		return durable.NewError(durable.ErrInvalidConfig, "lock owner and entities required", nil, nil)
	}
	sorted := append([]durable.EntityID(nil), entities...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	acquired := make([]durable.EntityID, 0, len(sorted))
	for _, entity := range sorted {
		if err := m.acquireOne(ctx, owner, entity); err != nil {
			m.Release(owner, acquired)
			return durable.NewError(durable.ErrLockTimeout, "", err, map[string]any{
				"owner":  owner,
				"entity": entity.String(),
			})
		}
		acquired = append(acquired, entity)
	}
	return nil
}

func (m *LockManager) acquireOne(ctx context.Context, owner string, entity durable.EntityID) error {
	m.mu.Lock()
	state, ok := m.locks[entity]
	if !ok {
		state = &lockState{}
		m.locks[entity] = state
	}
	if state.owner == "" || state.owner == owner {
		state.owner = owner
		m.mu.Unlock()
		return nil
	}
	waiter := &lockWaiter{owner: owner, grant: make(chan struct{})}
	state.waiters = append(state.waiters, waiter)
	m.mu.Unlock()

	select {
	case <-waiter.grant:
		return nil
	case <-ctx.Done():
		m.abandon(entity, waiter)
		return ctx.Err()
	}
}

// abandon removes a timed-out waiter, or releases the lock if the grant
// raced with the timeout.
func (m *LockManager) abandon(entity durable.EntityID, waiter *lockWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.locks[entity]
	if !ok {
		return
	}
	select {
	case <-waiter.grant:
		m.releaseLocked(entity, state, waiter.owner)
		return
	default:
	}
	for i, w := range state.waiters {
		if w == waiter {
			state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
			break
		}
	}
}

// Release frees owner's locks on the given entities, handing each to its
// oldest waiter. Releasing an entity the owner does not hold is a no-op.
func (m *LockManager) Release(owner string, entities []durable.EntityID) {
	if m == nil || owner == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entity := range entities {
		if state, ok := m.locks[entity]; ok {
			m.releaseLocked(entity, state, owner)
		}
	}
}

func (m *LockManager) releaseLocked(entity durable.EntityID, state *lockState, owner string) {
	if state.owner != owner {
		return
	}
	if len(state.waiters) == 0 {
		delete(m.locks, entity)
		return
	}
	next := state.waiters[0]
	state.waiters = state.waiters[1:]
	state.owner = next.owner
	close(next.grant)
}

// Owner returns the instance currently holding the entity's lock, "" when
// unlocked.
func (m *LockManager) Owner(entity durable.EntityID) string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.locks[entity]; ok {
		return state.owner
	}
	return ""
}

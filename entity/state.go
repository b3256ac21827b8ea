package entity

import (
	"context"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
)

// Record is one entity's persisted state. Version increments on every
// successful save and guards against lost updates; the engine's per-entity
// serialization makes conflicts unexpected, so a version mismatch is
// reported rather than merged.
type Record struct {
	ID        durable.EntityID `json:"id"`
	State     []byte           `json:"state,omitempty"`
	Version   int64            `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.State = append([]byte(nil), r.State...)
	return &cp
}

// Store persists entity state blobs.
type Store interface {
	// Load returns the entity's record, or nil when no state exists.
	Load(ctx context.Context, id durable.EntityID) (*Record, error)
	// Save writes the record if its Version matches the stored version
	// (0 for a new entity), then increments it.
	Save(ctx context.Context, record *Record) error
	// Delete removes the entity's state. Deleting an absent entity is
	// not an error.
	Delete(ctx context.Context, id durable.EntityID) error
}

// InMemoryStore is the Store used by tests and single-process setups.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[durable.EntityID]*Record
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[durable.EntityID]*Record)}
}

func (s *InMemoryStore) Load(ctx context.Context, id durable.EntityID) (*Record, error) {
	if s == nil {
		return nil, durable.NewError(durable.ErrInvalidConfig, "entity store not configured", nil, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id].Clone(), nil
}

func (s *InMemoryStore) Save(ctx context.Context, record *Record) error {
	if s == nil || record == nil {
		return durable.NewError(durable.ErrInvalidConfig, "entity store and record required", nil, nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if existing, ok := s.records[record.ID]; ok {
		current = existing.Version
	}
	if record.Version != current {
		return durable.NewError(durable.ErrAppendConflict, "entity state version conflict", nil, map[string]any{
			"entity":   record.ID.String(),
			"expected": record.Version,
			"actual":   current,
		})
	}
	stored := record.Clone()
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	s.records[record.ID] = stored
	record.Version = stored.Version
	record.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id durable.EntityID) error {
	if s == nil {
		return durable.NewError(durable.ErrInvalidConfig, "entity store not configured", nil, nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

package durable

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an orchestration instance.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
	StatusSuspended  Status = "suspended"
	// StatusStuck marks instances parked by the version router when no
	// compatible worker exists and the mismatch policy is FailureStrategyFail.
	StatusStuck Status = "stuck"
	// StatusContinuedAsNew is a transient status observed between epoch
	// rollover and the first turn of the new epoch.
	StatusContinuedAsNew Status = "continued_as_new"
)

// IsTerminal reports whether no further turns will run for this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// EntityID identifies a stateful entity by (name, key).
type EntityID struct {
	Name string `json:"name" yaml:"name"`
	Key  string `json:"key" yaml:"key"`
}

// NewEntityID normalizes name/key into an EntityID.
func NewEntityID(name, key string) EntityID {
	return EntityID{Name: strings.TrimSpace(name), Key: strings.TrimSpace(key)}
}

// ParseEntityID parses the "name@key" wire form produced by String.
func ParseEntityID(s string) (EntityID, error) {
	name, key, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || strings.TrimSpace(name) == "" {
		return EntityID{}, fmt.Errorf("invalid entity id %q: want name@key", s)
	}
	return NewEntityID(name, key), nil
}

func (id EntityID) String() string {
	return id.Name + "@" + id.Key
}

// IsZero reports whether the id carries no name.
func (id EntityID) IsZero() bool {
	return strings.TrimSpace(id.Name) == ""
}

// Less orders entity ids lexicographically by (name, key). The lock
// manager acquires multi-entity locks in this order, which is what keeps
// overlapping lock sets deadlock free.
func (id EntityID) Less(other EntityID) bool {
	if id.Name != other.Name {
		return id.Name < other.Name
	}
	return id.Key < other.Key
}

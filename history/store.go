package history

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
)

// Store is the append-only event log contract. Appends must be durable
// before the caller acknowledges a turn; an append failure is fatal to the
// turn and the caller retries the whole turn without side effects.
type Store interface {
	// Append assigns sequence numbers and persists events in order,
	// returning the last assigned sequence.
	Append(ctx context.Context, instanceID string, events ...*Event) (int64, error)
	// Read returns the ordered events with Sequence >= fromSeq.
	Read(ctx context.Context, instanceID string, fromSeq int64) ([]*Event, error)
	// Truncate replaces the instance's history wholesale with keep,
	// re-sequencing from 1. Used only by ContinueAsNew epoch rollover.
	Truncate(ctx context.Context, instanceID string, keep []*Event) error
}

// InstanceRecord is the queryable metadata row for one orchestration
// instance. History owns the event stream; this record owns status and IO.
type InstanceRecord struct {
	ID           string
	Name         string
	Version      string
	Status       durable.Status
	Epoch        int
	Input        []byte
	Output       []byte
	CustomStatus string
	Failure      *durable.FailureDetails
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy.
func (r *InstanceRecord) Clone() *InstanceRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Input = append([]byte(nil), r.Input...)
	cp.Output = append([]byte(nil), r.Output...)
	cp.Failure = r.Failure.Clone()
	return &cp
}

// Filter selects instances for queries and purges.
type Filter struct {
	Statuses    []durable.Status
	CreatedFrom time.Time
	CreatedTo   time.Time
	IDPrefix    string
	Limit       int
	PageToken   string
}

// Page is one page of query results with an opaque continuation token.
type Page struct {
	Instances []*InstanceRecord
	NextToken string
}

// InstanceStore persists instance metadata records.
type InstanceStore interface {
	Create(ctx context.Context, rec *InstanceRecord) error
	Load(ctx context.Context, instanceID string) (*InstanceRecord, error)
	Update(ctx context.Context, rec *InstanceRecord) error
	Query(ctx context.Context, filter Filter) (Page, error)
	Purge(ctx context.Context, filter Filter) (int, error)
}

// Backend bundles the two stores an engine needs from one storage layer.
type Backend interface {
	Store
	InstanceStore
}

const defaultQueryLimit = 100

// InMemoryStore keeps event logs and instance records in process memory.
type InMemoryStore struct {
	mu        sync.RWMutex
	events    map[string][]*Event
	instances map[string]*InstanceRecord
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:    make(map[string][]*Event),
		instances: make(map[string]*InstanceRecord),
	}
}

func (s *InMemoryStore) Append(_ context.Context, instanceID string, events ...*Event) (int64, error) {
	if s == nil {
		return 0, errors.New("in-memory history store not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return 0, errors.New("instance id required")
	}
	if len(events) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[instanceID]
	next := int64(1)
	if n := len(log); n > 0 {
		next = log[n-1].Sequence + 1
	}
	for _, e := range events {
		if e == nil {
			continue
		}
		cp := e.Clone()
		cp.Sequence = next
		if cp.Timestamp.IsZero() {
			cp.Timestamp = time.Now().UTC()
		}
		log = append(log, cp)
		next++
	}
	s.events[instanceID] = log
	return next - 1, nil
}

func (s *InMemoryStore) Read(_ context.Context, instanceID string, fromSeq int64) ([]*Event, error) {
	if s == nil {
		return nil, errors.New("in-memory history store not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, errors.New("instance id required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.events[instanceID]
	out := make([]*Event, 0, len(log))
	for _, e := range log {
		if e.Sequence >= fromSeq {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) Truncate(_ context.Context, instanceID string, keep []*Event) error {
	if s == nil {
		return errors.New("in-memory history store not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return errors.New("instance id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := make([]*Event, 0, len(keep))
	for i, e := range keep {
		if e == nil {
			continue
		}
		cp := e.Clone()
		cp.Sequence = int64(i + 1)
		if cp.Timestamp.IsZero() {
			cp.Timestamp = time.Now().UTC()
		}
		log = append(log, cp)
	}
	s.events[instanceID] = log
	return nil
}

func (s *InMemoryStore) Create(_ context.Context, rec *InstanceRecord) error {
	if s == nil {
		return errors.New("in-memory history store not configured")
	}
	rec = rec.Clone()
	if rec == nil {
		return errors.New("instance record required")
	}
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return errors.New("instance id required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[rec.ID]; exists {
		return durable.NewError(durable.ErrDuplicateInstance, "", nil, map[string]any{
			"instance_id": rec.ID,
		})
	}
	s.instances[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) Load(_ context.Context, instanceID string) (*InstanceRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory history store not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.instances[instanceID]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) Update(_ context.Context, rec *InstanceRecord) error {
	if s == nil {
		return errors.New("in-memory history store not configured")
	}
	rec = rec.Clone()
	if rec == nil {
		return errors.New("instance record required")
	}
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return errors.New("instance id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[rec.ID]
	if !ok {
		return durable.NewError(durable.ErrInstanceNotFound, "", nil, map[string]any{
			"instance_id": rec.ID,
		})
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = current.CreatedAt
	}
	rec.UpdatedAt = time.Now().UTC()
	s.instances[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) Query(_ context.Context, filter Filter) (Page, error) {
	if s == nil {
		return Page{}, errors.New("in-memory history store not configured")
	}
	filter = normalizeFilter(filter)
	after, err := decodePageToken(filter.PageToken)
	if err != nil {
		return Page{}, err
	}

	s.mu.RLock()
	matched := make([]*InstanceRecord, 0, len(s.instances))
	for _, rec := range s.instances {
		if filterMatches(filter, rec) {
			matched = append(matched, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	page := Page{}
	for _, rec := range matched {
		if after != "" && rec.ID <= after {
			continue
		}
		page.Instances = append(page.Instances, rec)
		if len(page.Instances) >= filter.Limit {
			break
		}
	}
	if n := len(page.Instances); n == filter.Limit && n < len(matched) {
		page.NextToken = encodePageToken(page.Instances[n-1].ID)
	}
	return page, nil
}

func (s *InMemoryStore) Purge(_ context.Context, filter Filter) (int, error) {
	if s == nil {
		return 0, errors.New("in-memory history store not configured")
	}
	filter = normalizeFilter(filter)
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, rec := range s.instances {
		if !filterMatches(filter, rec) {
			continue
		}
		delete(s.instances, id)
		delete(s.events, id)
		purged++
	}
	return purged, nil
}

func normalizeFilter(filter Filter) Filter {
	filter.IDPrefix = strings.TrimSpace(filter.IDPrefix)
	filter.PageToken = strings.TrimSpace(filter.PageToken)
	if filter.Limit <= 0 {
		filter.Limit = defaultQueryLimit
	}
	return filter
}

func filterMatches(filter Filter, rec *InstanceRecord) bool {
	if rec == nil {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, status := range filter.Statuses {
			if rec.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !filter.CreatedFrom.IsZero() && rec.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	if !filter.CreatedTo.IsZero() && rec.CreatedAt.After(filter.CreatedTo) {
		return false
	}
	if filter.IDPrefix != "" && !strings.HasPrefix(rec.ID, filter.IDPrefix) {
		return false
	}
	return true
}

func encodePageToken(lastID string) string {
	if lastID == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(lastID))
}

func decodePageToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", errors.New("invalid page token")
	}
	return string(raw), nil
}

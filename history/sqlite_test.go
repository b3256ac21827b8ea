package history

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	durable "github.com/goliatone/go-durable"
)

func newSQLiteBackend(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db, "test")
}

func TestSQLiteAppendAndRead(t *testing.T) {
	store := newSQLiteBackend(t)
	ctx := context.Background()

	last, err := store.Append(ctx, "inst-1",
		&Event{Epoch: 1, Kind: KindExecutionStarted, Name: "flow"},
		&Event{Epoch: 1, Kind: KindTaskScheduled, CorrelationID: 1, Name: "work", Input: []byte(`"in"`)},
	)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if last != 2 {
		t.Fatalf("last sequence = %d, want 2", last)
	}
	last, err = store.Append(ctx, "inst-1", &Event{Epoch: 1, Kind: KindTaskCompleted, CorrelationID: 1})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if last != 3 {
		t.Fatalf("last sequence = %d, want 3", last)
	}

	events, err := store.Read(ctx, "inst-1", 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("read %d events, want 2", len(events))
	}
	if events[0].Kind != KindTaskScheduled || string(events[0].Input) != `"in"` {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].Sequence != 3 {
		t.Fatalf("sequence = %d, want 3", events[1].Sequence)
	}
}

func TestSQLiteTruncateResequences(t *testing.T) {
	store := newSQLiteBackend(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := store.Append(ctx, "inst-1", &Event{Epoch: 1, Kind: KindEventRaised, Name: fmt.Sprintf("e%d", i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	keep := []*Event{
		{Epoch: 2, Kind: KindExecutionStarted, Name: "flow"},
		{Epoch: 2, Kind: KindEventRaised, Name: "carried"},
	}
	if err := store.Truncate(ctx, "inst-1", keep); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	events, err := store.Read(ctx, "inst-1", 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("kept %d events, want 2", len(events))
	}
	if events[0].Sequence != 1 || events[1].Sequence != 2 || events[1].Name != "carried" {
		t.Fatalf("unexpected kept events %+v %+v", events[0], events[1])
	}
}

func TestSQLiteInstanceLifecycle(t *testing.T) {
	store := newSQLiteBackend(t)
	ctx := context.Background()

	rec, err := store.Load(ctx, "missing")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil for unknown instance")
	}

	if err := store.Create(ctx, &InstanceRecord{ID: "inst-1", Name: "flow", Status: durable.StatusPending, Epoch: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err = store.Create(ctx, &InstanceRecord{ID: "inst-1", Name: "flow", Status: durable.StatusPending, Epoch: 1})
	if durable.ErrorCode(err) != durable.ErrCodeDuplicateInstance {
		t.Fatalf("duplicate create: %v", err)
	}

	rec, _ = store.Load(ctx, "inst-1")
	created := rec.CreatedAt
	rec.Status = durable.StatusFailed
	rec.Failure = &durable.FailureDetails{ErrorType: "BOOM", ErrorMessage: "it broke"}
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ = store.Load(ctx, "inst-1")
	if rec.Status != durable.StatusFailed {
		t.Fatalf("status = %q", rec.Status)
	}
	if rec.Failure == nil || rec.Failure.ErrorMessage != "it broke" {
		t.Fatalf("failure did not round trip: %+v", rec.Failure)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Fatalf("update changed created_at: %v -> %v", created, rec.CreatedAt)
	}

	err = store.Update(ctx, &InstanceRecord{ID: "ghost", Status: durable.StatusRunning})
	if durable.ErrorCode(err) != durable.ErrCodeInstanceNotFound {
		t.Fatalf("update missing: %v", err)
	}
}

func TestSQLiteQueryPaginates(t *testing.T) {
	store := newSQLiteBackend(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Create(ctx, &InstanceRecord{
			ID: fmt.Sprintf("inst-%d", i), Name: "flow", Status: durable.StatusCompleted, Epoch: 1,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	seen := 0
	token := ""
	for {
		page, err := store.Query(ctx, Filter{Limit: 2, PageToken: token})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		seen += len(page.Instances)
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	if seen != 5 {
		t.Fatalf("pagination saw %d instances, want 5", seen)
	}

	page, err := store.Query(ctx, Filter{IDPrefix: "inst-3"})
	if err != nil {
		t.Fatalf("query prefix: %v", err)
	}
	if len(page.Instances) != 1 || page.Instances[0].ID != "inst-3" {
		t.Fatalf("prefix filter returned %+v", page.Instances)
	}
}

func TestSQLitePurgeRemovesHistory(t *testing.T) {
	store := newSQLiteBackend(t)
	ctx := context.Background()

	if err := store.Create(ctx, &InstanceRecord{ID: "done-1", Name: "flow", Status: durable.StatusCompleted, Epoch: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &InstanceRecord{ID: "live-1", Name: "flow", Status: durable.StatusRunning, Epoch: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Append(ctx, "done-1", &Event{Epoch: 1, Kind: KindExecutionStarted}); err != nil {
		t.Fatalf("append: %v", err)
	}

	purged, err := store.Purge(ctx, Filter{Statuses: []durable.Status{durable.StatusCompleted}})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d, want 1", purged)
	}
	events, _ := store.Read(ctx, "done-1", 1)
	if len(events) != 0 {
		t.Fatal("purge left the event log behind")
	}
	rec, _ := store.Load(ctx, "live-1")
	if rec == nil {
		t.Fatal("purge removed a non-matching instance")
	}
}

package durable

import (
	"sort"
	"testing"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusTerminated}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	live := []Status{StatusPending, StatusRunning, StatusSuspended, StatusStuck, StatusContinuedAsNew}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestEntityIDRoundTrip(t *testing.T) {
	id := NewEntityID(" counter ", " user-7 ")
	if id.Name != "counter" || id.Key != "user-7" {
		t.Fatalf("normalization failed: %+v", id)
	}
	if id.String() != "counter@user-7" {
		t.Fatalf("String() = %q", id.String())
	}

	parsed, err := ParseEntityID("counter@user-7")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("parsed %+v, want %+v", parsed, id)
	}

	for _, bad := range []string{"", "no-separator", "@key-only"} {
		if _, err := ParseEntityID(bad); err == nil {
			t.Errorf("ParseEntityID(%q) should fail", bad)
		}
	}
}

func TestEntityIDIsZero(t *testing.T) {
	if !(EntityID{}).IsZero() {
		t.Error("empty id should be zero")
	}
	if NewEntityID("counter", "").IsZero() {
		t.Error("named id should not be zero")
	}
}

func TestEntityIDLessOrdersByNameThenKey(t *testing.T) {
	ids := []EntityID{
		NewEntityID("vault", "a"),
		NewEntityID("account", "z"),
		NewEntityID("account", "a"),
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	want := []string{"account@a", "account@z", "vault@a"}
	for i, id := range ids {
		if id.String() != want[i] {
			t.Fatalf("order[%d] = %q, want %q", i, id.String(), want[i])
		}
	}
}

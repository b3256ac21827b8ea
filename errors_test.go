package durable

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewErrorClonesSentinel(t *testing.T) {
	source := errors.New("disk full")
	err := NewError(ErrAppendConflict, "could not persist turn", source, map[string]any{
		"instance_id": "inst-1",
	})

	if ErrorCode(err) != ErrCodeAppendConflict {
		t.Fatalf("code = %q", ErrorCode(err))
	}
	if err.Message != "could not persist turn" {
		t.Fatalf("message = %q", err.Message)
	}
	if !errors.Is(err.Source, source) {
		t.Fatal("source not attached")
	}
	// sentinel must stay pristine
	if ErrAppendConflict.Message != "history append sequence conflict" {
		t.Fatalf("sentinel mutated: %q", ErrAppendConflict.Message)
	}
	if ErrAppendConflict.Source != nil {
		t.Fatal("sentinel gained a source")
	}
}

func TestNewErrorKeepsSentinelMessageWhenBlank(t *testing.T) {
	err := NewError(ErrLockTimeout, "   ", nil, nil)
	if err.Message != ErrLockTimeout.Message {
		t.Fatalf("message = %q", err.Message)
	}
}

func TestErrorCodeSeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("starting instance: %w", NewError(ErrDuplicateInstance, "", nil, nil))
	if ErrorCode(err) != ErrCodeDuplicateInstance {
		t.Fatalf("code = %q", ErrorCode(err))
	}
	if ErrorCode(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no code")
	}
	if ErrorCode(nil) != "" {
		t.Fatal("nil carries no code")
	}
}

func TestIsNondeterminism(t *testing.T) {
	err := NewError(ErrNondeterminism, "expected activity \"a\", history has \"b\"", nil, nil)
	if !IsNondeterminism(fmt.Errorf("turn failed: %w", err)) {
		t.Fatal("wrapped nondeterminism not detected")
	}
	if IsNondeterminism(NewError(ErrTaskCanceled, "", nil, nil)) {
		t.Fatal("unrelated code detected as nondeterminism")
	}
}

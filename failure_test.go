package durable

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFailureFromError(t *testing.T) {
	if FailureFromError(nil) != nil {
		t.Fatal("nil error should produce nil details")
	}

	fd := FailureFromError(errors.New("boom"))
	if fd.ErrorMessage != "boom" || fd.ErrorType == "" {
		t.Fatalf("unexpected details %+v", fd)
	}
	if fd.NonRetryable {
		t.Fatal("plain errors are retryable")
	}
}

func TestFailureFromErrorUsesTextCode(t *testing.T) {
	source := errors.New("row locked")
	err := NewError(ErrAppendConflict, "append lost the race", source, nil)

	fd := FailureFromError(err)
	if fd.ErrorType != ErrCodeAppendConflict {
		t.Fatalf("ErrorType = %q, want %q", fd.ErrorType, ErrCodeAppendConflict)
	}
	if fd.ErrorMessage != "append lost the race" {
		t.Fatalf("ErrorMessage = %q", fd.ErrorMessage)
	}
	if fd.Inner == nil || fd.Inner.ErrorMessage != "row locked" {
		t.Fatalf("source not captured: %+v", fd.Inner)
	}
}

func TestFailureFromErrorMarksNonRetryable(t *testing.T) {
	err := fmt.Errorf("activity: %w", &NonRetryableError{Message: "bad request", Cause: errors.New("422")})
	fd := FailureFromError(err)
	if !fd.NonRetryable {
		t.Fatal("wrapped NonRetryableError should mark details non-retryable")
	}
	if !IsNonRetryable(err) {
		t.Fatal("IsNonRetryable should see through wrapping")
	}
	if IsNonRetryable(errors.New("boom")) {
		t.Fatal("plain error is not non-retryable")
	}
}

func TestFailureDetailsClone(t *testing.T) {
	orig := &FailureDetails{
		ErrorType:    "OUTER",
		ErrorMessage: "outer",
		Inner:        &FailureDetails{ErrorType: "INNER", ErrorMessage: "inner"},
	}
	cp := orig.Clone()
	cp.Inner.ErrorMessage = "mutated"
	if orig.Inner.ErrorMessage != "inner" {
		t.Fatal("clone shares inner details")
	}
	if (*FailureDetails)(nil).Clone() != nil {
		t.Fatal("nil clone should stay nil")
	}
}

func TestFailureDetailsString(t *testing.T) {
	fd := &FailureDetails{
		ErrorType:    "OUTER",
		ErrorMessage: "outer",
		Inner:        &FailureDetails{ErrorType: "INNER", ErrorMessage: "inner"},
	}
	s := fd.String()
	if !strings.Contains(s, "OUTER: outer") || !strings.Contains(s, "INNER: inner") {
		t.Fatalf("String() = %q", s)
	}
}

func TestTaskFailedError(t *testing.T) {
	tfe := &TaskFailedError{
		TaskName: "charge_card",
		Details:  &FailureDetails{ErrorType: "DECLINED", ErrorMessage: "card declined"},
	}
	wrapped := fmt.Errorf("turn: %w", tfe)

	got, ok := AsTaskFailed(wrapped)
	if !ok || got.TaskName != "charge_card" {
		t.Fatalf("AsTaskFailed = %+v, %v", got, ok)
	}
	if !strings.Contains(tfe.Error(), "charge_card failed") {
		t.Fatalf("Error() = %q", tfe.Error())
	}
	if _, ok := AsTaskFailed(errors.New("boom")); ok {
		t.Fatal("plain error should not extract")
	}
}

func TestCapturePanicRecordsStack(t *testing.T) {
	if CapturePanic(nil) != nil {
		t.Fatal("nil recovery should produce nil details")
	}

	fd := func() (fd *FailureDetails) {
		defer func() { fd = CapturePanic(recover()) }()
		panic("went sideways")
	}()
	if fd == nil {
		t.Fatal("expected details")
	}
	if fd.ErrorMessage != "went sideways" {
		t.Fatalf("ErrorMessage = %q", fd.ErrorMessage)
	}
	if !strings.HasPrefix(fd.ErrorType, "panic:") {
		t.Fatalf("ErrorType = %q", fd.ErrorType)
	}
	if fd.StackTrace == "" {
		t.Fatal("expected a stack trace")
	}

	withErr := func() (fd *FailureDetails) {
		defer func() { fd = CapturePanic(recover()) }()
		panic(errors.New("typed"))
	}()
	if withErr.Inner == nil || withErr.Inner.ErrorMessage != "typed" {
		t.Fatalf("error panics should capture the cause: %+v", withErr.Inner)
	}
}

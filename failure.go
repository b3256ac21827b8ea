package durable

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// FailureDetails is the structured, serializable record of a failed
// activity, sub-orchestration, or entity operation. It survives in history,
// so replayed turns observe identical failures without re-running anything.
type FailureDetails struct {
	ErrorType    string          `json:"error_type"`
	ErrorMessage string          `json:"error_message"`
	StackTrace   string          `json:"stack_trace,omitempty"`
	Inner        *FailureDetails `json:"inner,omitempty"`
	NonRetryable bool            `json:"non_retryable,omitempty"`
}

// FailureFromError captures err into FailureDetails, unwrapping one level
// of cause into Inner.
func FailureFromError(err error) *FailureDetails {
	if err == nil {
		return nil
	}
	fd := &FailureDetails{
		ErrorType:    reflect.TypeOf(err).String(),
		ErrorMessage: err.Error(),
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		fd.ErrorType = ge.TextCode
		fd.ErrorMessage = ge.Message
		if ge.Source != nil {
			fd.Inner = &FailureDetails{
				ErrorType:    reflect.TypeOf(ge.Source).String(),
				ErrorMessage: ge.Source.Error(),
			}
		}
	}
	var nre *NonRetryableError
	if stderrors.As(err, &nre) {
		fd.NonRetryable = true
	}
	return fd
}

// Clone returns a deep copy.
func (f *FailureDetails) Clone() *FailureDetails {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Inner = f.Inner.Clone()
	return &cp
}

func (f *FailureDetails) String() string {
	if f == nil {
		return ""
	}
	if f.Inner != nil {
		return fmt.Sprintf("%s: %s: %s", f.ErrorType, f.ErrorMessage, f.Inner.String())
	}
	return fmt.Sprintf("%s: %s", f.ErrorType, f.ErrorMessage)
}

// TaskFailedError surfaces a recorded failure to orchestrator code as a
// catchable error. Orchestrator code decides whether to recover or let it
// escape and fail the instance.
type TaskFailedError struct {
	TaskName string
	Details  *FailureDetails
}

func (e *TaskFailedError) Error() string {
	name := strings.TrimSpace(e.TaskName)
	if name == "" {
		name = "task"
	}
	if e.Details == nil {
		return fmt.Sprintf("%s failed", name)
	}
	return fmt.Sprintf("%s failed: %s", name, e.Details.String())
}

// AsTaskFailed extracts a TaskFailedError if err carries one.
func AsTaskFailed(err error) (*TaskFailedError, bool) {
	var tfe *TaskFailedError
	if stderrors.As(err, &tfe) {
		return tfe, true
	}
	return nil, false
}

// NonRetryableError marks a failure that retry policies must not retry.
type NonRetryableError struct {
	Message string
	Cause   error
}

func (e *NonRetryableError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "non-retryable error"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *NonRetryableError) Unwrap() error { return e.Cause }

// IsNonRetryable reports whether err is marked terminal for retries.
func IsNonRetryable(err error) bool {
	var target *NonRetryableError
	return stderrors.As(err, &target)
}

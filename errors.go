package durable

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeNondeterminism    = "DURABLE_NONDETERMINISM"
	ErrCodeOrchestratorPanic = "DURABLE_ORCHESTRATOR_PANIC"
	ErrCodeTaskFailed        = "DURABLE_TASK_FAILED"
	ErrCodeTaskCanceled      = "DURABLE_TASK_CANCELED"
	ErrCodeInstanceNotFound  = "DURABLE_INSTANCE_NOT_FOUND"
	ErrCodeDuplicateInstance = "DURABLE_DUPLICATE_INSTANCE"
	ErrCodeNotRegistered     = "DURABLE_NOT_REGISTERED"
	ErrCodeDuplicateHandler  = "DURABLE_DUPLICATE_HANDLER"
	ErrCodeLockTimeout       = "DURABLE_LOCK_TIMEOUT"
	ErrCodeAppendConflict    = "DURABLE_APPEND_CONFLICT"
	ErrCodeInvalidConfig     = "DURABLE_INVALID_CONFIG"
	ErrCodeEntityOperation   = "DURABLE_ENTITY_OPERATION"
)

var (
	// ErrNondeterminism marks a replay whose call sequence diverged from
	// recorded history. Fatal for the instance; not recoverable by
	// application code.
	ErrNondeterminism = apperrors.New("orchestrator code diverged from recorded history", apperrors.CategoryInternal).
				WithTextCode(ErrCodeNondeterminism)
	// ErrOrchestratorPanic marks an orchestrator that panicked during a
	// turn. An application bug, not a replay divergence: history and code
	// still agree, the code itself crashed.
	ErrOrchestratorPanic = apperrors.New("orchestrator code panicked", apperrors.CategoryInternal).
				WithTextCode(ErrCodeOrchestratorPanic)
	ErrTaskCanceled = apperrors.New("task canceled", apperrors.CategoryOperation).
			WithTextCode(ErrCodeTaskCanceled)
	ErrInstanceNotFound = apperrors.New("orchestration instance not found", apperrors.CategoryNotFound).
				WithTextCode(ErrCodeInstanceNotFound)
	ErrDuplicateInstance = apperrors.New("orchestration instance already exists", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateInstance)
	ErrNotRegistered = apperrors.New("handler not registered", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeNotRegistered)
	ErrDuplicateHandler = apperrors.New("handler already registered", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateHandler)
	ErrLockTimeout = apperrors.New("entity lock acquisition timed out", apperrors.CategoryOperation).
			WithTextCode(ErrCodeLockTimeout)
	ErrAppendConflict = apperrors.New("history append sequence conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAppendConflict)
	ErrInvalidConfig = apperrors.New("invalid configuration", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidConfig)
	ErrEntityOperation = apperrors.New("entity operation failed", apperrors.CategoryOperation).
				WithTextCode(ErrCodeEntityOperation)
)

// NewError clones a sentinel with a more specific message and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrNotRegistered
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode extracts the text code from a wrapped go-errors error, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsNondeterminism reports whether err carries the nondeterminism code.
func IsNondeterminism(err error) bool {
	return ErrorCode(err) == ErrCodeNondeterminism
}

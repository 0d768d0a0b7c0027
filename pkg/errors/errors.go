package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeProcess          ErrorType = "process"
	ErrorTypeIO               ErrorType = "io"
	ErrorTypeInternal         ErrorType = "internal"
	ErrorTypeCancelled        ErrorType = "cancelled"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeInit             ErrorType = "init"
	ErrorTypeExitHook         ErrorType = "exit_hook"
	ErrorTypeHealthWrite      ErrorType = "health_write"
	ErrorTypeWorkerCrash      ErrorType = "worker_crash"
	ErrorTypeRespawnExhausted ErrorType = "respawn_exhausted"
	ErrorTypeMessage          ErrorType = "message"
	ErrorTypeUnhandled        ErrorType = "unhandled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

// Lifecycle errors
func NewInitError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInit, message, cause)
}

func NewExitHookError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeExitHook, message, cause)
}

func NewUnhandledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeUnhandled, message, cause)
}

func NewHealthWriteError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeHealthWrite, message, cause)
}

// Cluster errors
func NewWorkerCrashError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeWorkerCrash, message, cause)
}

func NewRespawnExhaustedError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeRespawnExhausted, message, cause)
}

func NewMessageError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeMessage, message, cause)
}

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

// Error checking helpers
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

func IsProcessError(err error) bool { return isType(err, ErrorTypeProcess) }

func IsIOError(err error) bool { return isType(err, ErrorTypeIO) }

func IsInternalError(err error) bool { return isType(err, ErrorTypeInternal) }

func IsCancelledError(err error) bool { return isType(err, ErrorTypeCancelled) }

func IsTimeoutError(err error) bool { return isType(err, ErrorTypeTimeout) }

func IsInitError(err error) bool { return isType(err, ErrorTypeInit) }

func IsExitHookError(err error) bool { return isType(err, ErrorTypeExitHook) }

func IsUnhandledError(err error) bool { return isType(err, ErrorTypeUnhandled) }

func IsHealthWriteError(err error) bool { return isType(err, ErrorTypeHealthWrite) }

func IsWorkerCrashError(err error) bool { return isType(err, ErrorTypeWorkerCrash) }

func IsRespawnExhaustedError(err error) bool { return isType(err, ErrorTypeRespawnExhausted) }

func IsMessageError(err error) bool { return isType(err, ErrorTypeMessage) }

// FromPanic converts a recovered panic value into an error
func FromPanic(recovered interface{}) error {
	if err, ok := recovered.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", recovered)
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}

package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatConfig      ErrorCategory = "config"      // Bad configuration (e.g. oversized panic action)
	ErrCatPermission  ErrorCategory = "permission"  // Unsafe file permissions
	ErrCatSyscall     ErrorCategory = "syscall"     // OS primitive failed
	ErrCatUnsupported ErrorCategory = "unsupported" // Platform lacks the facility
	ErrCatFatal       ErrorCategory = "fatal"       // Process must terminate
	ErrCatNotFound    ErrorCategory = "not_found"   // Resource not found
	ErrCatInternal    ErrorCategory = "internal"    // Unexpected internal error
)

// DomainError represents a structured error from the fault subsystem.
type DomainError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Cause    error
	Details  map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrConfig creates a configuration error.
func ErrConfig(code, message string) *DomainError {
	return &DomainError{Category: ErrCatConfig, Code: code, Message: message}
}

// ErrPermission creates a permission error.
func ErrPermission(code, message string) *DomainError {
	return &DomainError{Category: ErrCatPermission, Code: code, Message: message}
}

// ErrSyscall creates an error for a failed OS primitive. The cause is the
// errno (or wrapped error) returned by the call.
func ErrSyscall(code, message string, cause error) *DomainError {
	return &DomainError{Category: ErrCatSyscall, Code: code, Message: message, Cause: cause}
}

// ErrUnsupported creates an error for a facility missing on this platform.
func ErrUnsupported(code, message string) *DomainError {
	return &DomainError{Category: ErrCatUnsupported, Code: code, Message: message}
}

// ErrFatal creates an error describing a process-terminating condition.
func ErrFatal(code, message string) *DomainError {
	return &DomainError{Category: ErrCatFatal, Code: code, Message: message}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodePanicActionTooLong   = "PANIC_ACTION_TOO_LONG"
	CodePanicActionWritable  = "PANIC_ACTION_WORLD_WRITABLE"
	CodePanicActionTruncated = "PANIC_ACTION_TRUNCATED"
	CodeSignalsUnsupported   = "SIGNALS_UNSUPPORTED"

	CodeCoreLimitRead  = "CORE_LIMIT_READ"
	CodeCoreLimitWrite = "CORE_LIMIT_WRITE"
	CodeDumpableGet    = "DUMPABLE_GET"
	CodeDumpableSet    = "DUMPABLE_SET"
	CodeDumpableUnsup  = "DUMPABLE_UNSUPPORTED"
	CodeCoreLimitUnsup = "CORE_LIMIT_UNSUPPORTED"
	CodeNoBaseline     = "CORE_LIMIT_NO_BASELINE"

	CodeLogDup       = "LOG_FD_DUP"
	CodeInsecureExit = "INSECURE_PROCESS_STATE"
	CodeBacktraceOff = "BACKTRACE_UNSUPPORTED"
)

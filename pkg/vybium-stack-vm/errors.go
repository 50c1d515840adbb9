package vybiumstackvm

import "fmt"

// ErrorCode represents a Vybium Stack VM error code
type ErrorCode int

const (
	// ErrUnknown represents an unknown error
	ErrUnknown ErrorCode = iota

	// ErrInvalidConfig represents an invalid configuration error
	ErrInvalidConfig

	// ErrResolution represents an assembly or name resolution error
	ErrResolution

	// ErrVMExecution represents a VM execution fault
	ErrVMExecution

	// ErrTraceVerification represents a rejected execution trace
	ErrTraceVerification

	// ErrInvalidInput represents an invalid input error
	ErrInvalidInput
)

func (c ErrorCode) String() string {
	switch c {
	case ErrInvalidConfig:
		return "invalid config"
	case ErrResolution:
		return "resolution"
	case ErrVMExecution:
		return "execution"
	case ErrTraceVerification:
		return "trace verification"
	case ErrInvalidInput:
		return "invalid input"
	}
	return "unknown"
}

// VMError represents a Vybium Stack VM error
type VMError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error returns the error message
func (e *VMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("vybium-stack-vm %s error: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("vybium-stack-vm %s error: %s", e.Code, e.Message)
}

// Unwrap returns the cause of the error
func (e *VMError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error
func (e *VMError) Is(target error) bool {
	t, ok := target.(*VMError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newError(code ErrorCode, cause error, format string, args ...any) *VMError {
	return &VMError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

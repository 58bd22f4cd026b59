// Package errors provides typed error handling with rich context for Famulus.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Famulus errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input failed validation.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeInvalidTransition indicates a disallowed run state transition.
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// CodeToolFailure indicates a tool execution attempt failed.
	CodeToolFailure ErrorCode = "TOOL_FAILURE"

	// CodeBudgetExceeded indicates a run exceeded one of its budgets.
	CodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"

	// CodeStepFailed indicates a step exhausted its attempts.
	CodeStepFailed ErrorCode = "STEP_FAILED"

	// CodeTransport indicates an A2A network delivery failed.
	CodeTransport ErrorCode = "TRANSPORT_ERROR"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnauthorized indicates authentication or authorization failed.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeMemoryError indicates a memory store error.
	CodeMemoryError ErrorCode = "MEMORY_ERROR"

	// CodeLLMError indicates an LLM provider error.
	CodeLLMError ErrorCode = "LLM_ERROR"
)

// FamulusError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type FamulusError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *FamulusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *FamulusError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *FamulusError) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Recoverable: e.Recoverable,
		Context:     e.Context,
	})
}

// New creates a new FamulusError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *FamulusError {
	return &FamulusError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// Newf creates a new FamulusError with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...interface{}) *FamulusError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *FamulusError) WithContext(key string, value interface{}) *FamulusError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *FamulusError) WithRecoverable(recoverable bool) *FamulusError {
	e.Recoverable = recoverable
	return e
}

// AsFamulusError attempts to convert an error to a FamulusError.
// Returns the error as FamulusError if it is one, or wraps it otherwise.
func AsFamulusError(err error) *FamulusError {
	if err == nil {
		return nil
	}
	if fe, ok := err.(*FamulusError); ok {
		return fe
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether err is a FamulusError carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	fe, ok := err.(*FamulusError)
	return ok && fe.Code == code
}

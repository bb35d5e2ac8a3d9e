package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeExecution    = "EXECUTION_ERROR"
	ErrCodeTimeout      = "TIMEOUT_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeRPC          = "RPC_ERROR"
	ErrCodeStore        = "STORE_ERROR"
	ErrCodeCancelled    = "CANCELLED"
	ErrCodeUnauthorized = "UNAUTHORIZED"
)

// PunchlineError is the structured error type for all pipeline operations.
type PunchlineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	ItemID  string         `json:"item_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PunchlineError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("[%s] item %s: %s", e.Code, e.ItemID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PunchlineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PunchlineError.
func NewError(code, message string) *PunchlineError {
	return &PunchlineError{Code: code, Message: message}
}

// NewErrorf creates a new PunchlineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PunchlineError {
	return &PunchlineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithItem attaches an item ID to the error.
func (e *PunchlineError) WithItem(itemID string) *PunchlineError {
	e.ItemID = itemID
	return e
}

// WithCause attaches an underlying cause.
func (e *PunchlineError) WithCause(err error) *PunchlineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PunchlineError) WithDetails(details map[string]any) *PunchlineError {
	e.Details = details
	return e
}

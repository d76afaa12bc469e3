package errors

import (
	stderrors "errors"
	"fmt"
)

// Error types for tlm-get operations
var (
	// ErrUnsupportedFormat is returned when a TLM segment, index blob or tile-part
	// does not match the single-marker, sequential layout this module handles
	ErrUnsupportedFormat = &TLMError{Code: "UNSUPPORTED_FORMAT", Message: "unsupported JPEG2000 layout"}

	// ErrInvalidLocator is returned when a locator is not in a byte-range-fetchable form
	ErrInvalidLocator = &TLMError{Code: "INVALID_LOCATOR", Message: "invalid locator"}

	// ErrNotFound is returned when a catalog entry, partition or remote object does not exist
	ErrNotFound = &TLMError{Code: "NOT_FOUND", Message: "not found"}

	// ErrInvalidArgument is returned for out-of-range tiles, empty windows and similar caller mistakes
	ErrInvalidArgument = &TLMError{Code: "INVALID_ARGUMENT", Message: "invalid argument"}

	// ErrRangeRead is returned when a byte-range read fails in the storage layer
	ErrRangeRead = &TLMError{Code: "RANGE_READ_FAILED", Message: "range read failed"}

	// ErrCatalogLoad is returned when a catalog table cannot be fetched or decoded
	ErrCatalogLoad = &TLMError{Code: "CATALOG_LOAD_FAILED", Message: "failed to load catalog"}

	// ErrWriteFailed is returned when an extracted tile cannot be written
	ErrWriteFailed = &TLMError{Code: "WRITE_FAILED", Message: "failed to write output"}
)

// TLMError represents a structured error in tlm-get operations
type TLMError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable error message
	Cause   error                  // Underlying error, if any
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *TLMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("[%s] %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *TLMError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a TLMError with the same code, so that
// errors.Is(err, ErrNotFound) holds for any derived copy.
func (e *TLMError) Is(target error) bool {
	t, ok := target.(*TLMError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause adds a cause to the error
func (e *TLMError) WithCause(cause error) *TLMError {
	return &TLMError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
		Details: e.Details,
	}
}

// WithDetail adds a detail key-value pair to the error
func (e *TLMError) WithDetail(key string, value interface{}) *TLMError {
	details := make(map[string]interface{})
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &TLMError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// WithMessage overrides the error message
func (e *TLMError) WithMessage(message string) *TLMError {
	return &TLMError{
		Code:    e.Code,
		Message: message,
		Cause:   e.Cause,
		Details: e.Details,
	}
}

// Errorf is a shorthand for WithMessage(fmt.Sprintf(...))
func (e *TLMError) Errorf(format string, args ...interface{}) *TLMError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// IsTLMError checks if an error is, or wraps, a TLMError
func IsTLMError(err error) bool {
	var tlmErr *TLMError
	return stderrors.As(err, &tlmErr)
}

// GetErrorCode extracts the error code from a TLMError anywhere in the chain
func GetErrorCode(err error) string {
	var tlmErr *TLMError
	if stderrors.As(err, &tlmErr) {
		return tlmErr.Code
	}
	return ""
}

package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for evidx.
// It carries enough context for logging, CLI presentation and errors.Is matching.
type Error struct {
	// Code is the unique error code (e.g., "ERR_207_EXTRACTION_FAILED").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// New creates a new Error with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is checks. Matching is by code, so any error built with
// the corresponding constructor matches its sentinel.
var (
	ErrExtraction   = &Error{Code: ErrCodeExtractionFailed}
	ErrIndexBuild   = &Error{Code: ErrCodeIndexFailed}
	ErrCorruptIndex = &Error{Code: ErrCodeCorruptIndex}
	ErrEmptyIndex   = &Error{Code: ErrCodeEmptyIndex}
	ErrNotFound     = &Error{Code: ErrCodeNotFound}
	ErrBusy         = &Error{Code: ErrCodeBusy}
	ErrUnsupported  = &Error{Code: ErrCodeUnsupportedKind}
)

// ExtractionError reports a per-file extraction failure. The batch continues.
func ExtractionError(path string, cause error) *Error {
	msg := fmt.Sprintf("extraction failed for %s", path)
	if cause != nil {
		msg = fmt.Sprintf("extraction failed for %s: %v", path, cause)
	}
	return New(ErrCodeExtractionFailed, msg, cause).WithDetail("path", path)
}

// UnsupportedKindError reports a file whose extension maps to no extractor.
func UnsupportedKindError(path string) *Error {
	cause := New(ErrCodeUnsupportedKind, fmt.Sprintf("unsupported file kind: %s", path), nil)
	return ExtractionError(path, cause)
}

// IndexBuildError aborts the current rebuild attempt.
func IndexBuildError(message string, cause error) *Error {
	return New(ErrCodeIndexFailed, message, cause).
		WithSuggestion("the previous snapshot is still serving queries; retry the rebuild")
}

// IndexCorruptionError is raised when persisted state fails integrity checks.
func IndexCorruptionError(message string, cause error) *Error {
	return New(ErrCodeCorruptIndex, message, cause).
		WithSuggestion("run 'evidx rebuild --force' to rebuild the index from the bank")
}

// EmptyIndexError is raised when a query runs against a snapshot with zero chunks.
func EmptyIndexError() *Error {
	return New(ErrCodeEmptyIndex, "index is empty: no chunks have been ingested", nil).
		WithSuggestion("ingest files or run 'evidx rebuild' first")
}

// NotFoundError reports an operation on an unknown path.
func NotFoundError(path string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("not found: %s", path), nil).WithDetail("path", path)
}

// BusyError reports that another rebuild is already in flight.
func BusyError(holder string) *Error {
	e := New(ErrCodeBusy, "another index build is in progress", nil)
	if holder != "" {
		e.WithDetail("holder", holder)
	}
	return e
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *Error {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *Error {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsFatal reports whether err carries an *Error of fatal severity.
func IsFatal(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code, or "" if err carries no *Error.
func GetCode(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetCategory extracts the category, or "" if err carries no *Error.
func GetCategory(err error) Category {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category
	}
	return ""
}

// Detail returns a detail value from the first *Error in err's chain.
func Detail(err error, key string) string {
	var e *Error
	if stderrors.As(err, &e) && e.Details != nil {
		return e.Details[key]
	}
	return ""
}

// Package errors provides structured error types for chansplit.
// Every error carries a category, a code and a message so the CLI can map
// failures to a single exit status while tests match on category+code.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage.
type ErrorCategory string

const (
	ErrCategoryMapping  ErrorCategory = "MAPPING"
	ErrCategoryInput    ErrorCategory = "INPUT"
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryRouting  ErrorCategory = "ROUTING"
	ErrCategoryOutput   ErrorCategory = "OUTPUT"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Mapping codes
	CodeMappingLoadFailed = "MAPPING_LOAD_FAILED"
	CodeMalformedRow      = "MALFORMED_ROW"
	CodeDuplicateKey      = "DUPLICATE_KEY"
	CodeDuplicateID       = "DUPLICATE_ID"
	CodeEmptyMapping      = "EMPTY_MAPPING"
	CodeReservedKey       = "RESERVED_KEY"

	// Input codes
	CodeInputOpenFailed = "INPUT_OPEN_FAILED"
	CodeInputReadFailed = "INPUT_READ_FAILED"

	// Schema codes
	CodeTableNotFound      = "TABLE_NOT_FOUND"
	CodeColumnMissing      = "COLUMN_MISSING"
	CodeValueOutOfRange    = "VALUE_OUT_OF_RANGE"
	CodeEntryCountMismatch = "ENTRY_COUNT_MISMATCH"

	// Routing codes
	CodeUnmappedChannel  = "UNMAPPED_CHANNEL"
	CodeChannelNotMapped = "CHANNEL_NOT_MAPPED"
	CodePartitionSealed  = "PARTITION_SEALED"
	CodeSpillFailed      = "SPILL_FAILED"

	// Output codes
	CodeOutputCreateFailed = "OUTPUT_CREATE_FAILED"
	CodeOutputWriteFailed  = "OUTPUT_WRITE_FAILED"
	CodeVerifyFailed       = "VERIFY_FAILED"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeStatFailed     = "STAT_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeInvalidState = "INVALID_STATE"
	CodeUnexpected   = "UNEXPECTED"
)

// Error is the structured error type used throughout chansplit.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// isRetryable reports whether a failure is worth retrying. Only object
// storage uploads qualify; every pipeline failure needs operator attention.
func isRetryable(category ErrorCategory, code string) bool {
	return category == ErrCategoryStorage && code == CodeUploadFailed
}

// Sentinels for errors.Is matching on category+code.
var (
	ErrMappingLoad     = New(ErrCategoryMapping, CodeMappingLoadFailed, "")
	ErrInputOpen       = New(ErrCategoryInput, CodeInputOpenFailed, "")
	ErrTableNotFound   = New(ErrCategorySchema, CodeTableNotFound, "")
	ErrUnmappedChannel = New(ErrCategoryRouting, CodeUnmappedChannel, "")
)

// Convenience constructors for common errors.

func NewMappingError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryMapping, code, message, cause)
}

func NewInputError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryInput, code, message, cause)
}

func NewSchemaError(code, message string) *Error {
	return New(ErrCategorySchema, code, message)
}

// NewUnmappedChannelError reports a record whose channel id has no partition.
func NewUnmappedChannelError(channelID uint32) *Error {
	return New(ErrCategoryRouting, CodeUnmappedChannel,
		fmt.Sprintf("channel %d has no registered partition", channelID)).
		WithDetails(map[string]interface{}{"channel_id": channelID})
}

func NewRoutingError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryRouting, code, message, cause)
}

func NewOutputError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryOutput, code, message, cause)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewConfigError(message string) *Error {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, code, message, cause)
}

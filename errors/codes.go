package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: store unreachable, write timeout.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed stored snapshot, unsupported value, bad config.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates contention or exhaustion.
	// Examples: key lease held by another owner, value too large.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors or bugs.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for mirror and store failures.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Store read or write failed

	// Permanent errors
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"          // Key does not exist
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"      // Bad configuration or argument
	ErrCodeMalformedSnapshot ErrorCode = "MALFORMED_SNAPSHOT" // Stored document is not a JSON object
	ErrCodeUnsupportedValue  ErrorCode = "UNSUPPORTED_VALUE"  // Value has no JSON form
	ErrCodeClosed            ErrorCode = "CLOSED"             // Mirror or store already closed
	ErrCodeCanceled          ErrorCode = "CANCELED"           // Operation was canceled

	// Resource errors
	ErrCodeResourceBusy  ErrorCode = "RESOURCE_BUSY"  // Lease held by another owner
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED" // Value exceeds store limits

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeMalformedSnapshot,
		ErrCodeUnsupportedValue, ErrCodeClosed, ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeResourceBusy, ErrCodeQuotaExceeded:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:           "operation timed out",
	ErrCodeUnavailable:       "store unavailable",
	ErrCodeNotFound:          "key not found",
	ErrCodeInvalidInput:      "invalid input provided",
	ErrCodeMalformedSnapshot: "stored snapshot is malformed",
	ErrCodeUnsupportedValue:  "value cannot be represented as JSON",
	ErrCodeClosed:            "already closed",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeResourceBusy:      "resource is busy",
	ErrCodeQuotaExceeded:     "quota exceeded",
	ErrCodeInternal:          "internal error",
	ErrCodePanic:             "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

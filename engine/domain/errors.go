package domain

import (
	"errors"
	"fmt"
)

// FailureKind classifies an error for retry/DLQ purposes.
type FailureKind string

const (
	FailureValidation       FailureKind = "Validation"
	FailureExtractionSchema FailureKind = "ExtractionSchema"
	FailureTimeout          FailureKind = "Timeout"
	FailureBackend5xx       FailureKind = "Backend5xx"
	FailureBreakerOpen      FailureKind = "BreakerOpen"
	FailureGraphLogic       FailureKind = "GraphLogic"
	FailureCancelled        FailureKind = "Cancelled"
	FailureUnknown          FailureKind = "Unknown"
)

// Retryable reports whether an error of this kind should ever be retried.
// Unknown is bounded-retryable; the bound is enforced by the DLQ, not here.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureValidation, FailureExtractionSchema, FailureGraphLogic, FailureCancelled:
		return false
	default:
		return true
	}
}

// ClassifiedError attaches a FailureKind to an underlying error so that
// adapters classify at their boundary and the orchestrator never has to.
type ClassifiedError struct {
	Kind    FailureKind
	Wrapped error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Wrapped)
}

func (e *ClassifiedError) Unwrap() error { return e.Wrapped }

// Classify wraps err with kind. A nil err returns nil.
func Classify(kind FailureKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Wrapped: err}
}

// KindOf extracts the FailureKind from err, defaulting to Unknown if err was
// never classified.
func KindOf(err error) FailureKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return FailureUnknown
}

// Sentinel errors surfaced directly to callers (never DLQ'd).
var (
	ErrValidation        = errors.New("validation failed")
	ErrUnsupportedFormat = errors.New("unsupported or mismatched format")
	ErrTooLarge          = errors.New("blob exceeds size cap for detected format")
	ErrEmptyBlob         = errors.New("blob is empty")
)

// ValidationError wraps a validation sentinel with the offending reason.
type ValidationError struct {
	Reason  string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Wrapped, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(reason string, wrapped error) *ValidationError {
	return &ValidationError{Reason: reason, Wrapped: wrapped}
}

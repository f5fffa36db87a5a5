package model

import (
	"errors"
	"fmt"
)

var (
	// ErrCollectionUnavailable is returned for writes against a collection
	// that was marked unavailable after a durability failure.
	ErrCollectionUnavailable = errors.New("collection unavailable for writes")

	// ErrClosed is returned when an operation is attempted on a closed
	// component.
	ErrClosed = errors.New("closed")
)

// ValidationError indicates a request that can never succeed as given:
// a dimension mismatch, or an exact zero vector under the cosine metric.
// It is rejected synchronously and never retried by the engine.
type ValidationError struct {
	Reason string
	cause  error
}

// NewValidationError creates a ValidationError with the given reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func (e *ValidationError) Unwrap() error { return e.cause }

// DurabilityError indicates a WAL write or fsync failure, or a replay
// that found corruption with no valid antecedent state. It is fatal for
// the affected collection: the collection is marked unavailable for
// writes until operator intervention.
type DurabilityError struct {
	Op    string
	cause error
}

// NewDurabilityError wraps cause as a DurabilityError for the given
// operation.
func NewDurabilityError(op string, cause error) *DurabilityError {
	return &DurabilityError{Op: op, cause: cause}
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("durability: %s: %v", e.Op, e.cause)
}

func (e *DurabilityError) Unwrap() error { return e.cause }

// IndexCorruptionError indicates that replay produced a state
// inconsistent with a sealed segment's checksum. The index must be
// rebuilt in full from segments plus WAL, never patched.
type IndexCorruptionError struct {
	Detail string
	cause  error
}

// NewIndexCorruptionError creates an IndexCorruptionError.
func NewIndexCorruptionError(detail string, cause error) *IndexCorruptionError {
	return &IndexCorruptionError{Detail: detail, cause: cause}
}

func (e *IndexCorruptionError) Error() string {
	return "index corruption: " + e.Detail
}

func (e *IndexCorruptionError) Unwrap() error { return e.cause }

// ConcurrencyError indicates a lock-acquisition timeout. The caller may
// retry with backoff.
type ConcurrencyError struct {
	Op string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency: %s: lock acquisition timed out", e.Op)
}

// NotFoundError indicates an unknown collection or document id.
type NotFoundError struct {
	Kind string // "collection", "document", "tenant", ...
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

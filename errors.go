package stratum

import "github.com/hupe1980/stratum/model"

// The error taxonomy lives in the model package so every layer can use
// it without import cycles; the aliases below keep the public surface
// on the root package.
type (
	// ValidationError reports rejected input (dimension mismatch,
	// non-finite components, bad parameters).
	ValidationError = model.ValidationError
	// DurabilityError reports a failed write to stable storage. Once
	// one occurs, the owning collection refuses further writes.
	DurabilityError = model.DurabilityError
	// IndexCorruptionError reports a checksum or structural failure in
	// persisted index state.
	IndexCorruptionError = model.IndexCorruptionError
	// ConcurrencyError reports a lock acquisition timeout.
	ConcurrencyError = model.ConcurrencyError
	// NotFoundError reports a missing tenant, collection, or document.
	NotFoundError = model.NotFoundError
)

var (
	// ErrCollectionUnavailable is wrapped by write errors after a
	// durability failure latched the collection read-only.
	ErrCollectionUnavailable = model.ErrCollectionUnavailable
	// ErrClosed is returned by operations on a closed database or
	// collection.
	ErrClosed = model.ErrClosed
)

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool { return model.IsNotFound(err) }

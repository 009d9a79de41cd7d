package model

import "errors"

// Domain errors returned by catalog operations. Callers classify with
// errors.Is; the wrapped message carries the offending identity.
var (
	// ErrNotFound — a DID, parent, child edge, or scope does not exist.
	ErrNotFound = errors.New("data identifier not found")

	// ErrAlreadyExists — the (scope, name) identity or edge is already
	// registered.
	ErrAlreadyExists = errors.New("data identifier already exists")

	// ErrScopeNotFound — the scope of a new DID is unknown.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrUnsupportedOperation — the operation is not legal for the DID's
	// kind or state (registering a file, closing a closed collection).
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrClosed — attach to a collection whose open flag is false.
	ErrClosed = errors.New("data identifier is closed")

	// ErrMonotonicViolation — detach from a monotonic collection.
	ErrMonotonicViolation = errors.New("monotonic collection cannot shrink")

	// ErrSelfReference — a DID attached to or detached from itself.
	ErrSelfReference = errors.New("self reference")

	// ErrMixedKind — children of one parent must share a kind.
	ErrMixedKind = errors.New("mixed collection is not allowed")

	// ErrConsistencyMismatch — size or checksum diverges from the
	// existing registration of a file.
	ErrConsistencyMismatch = errors.New("size or checksum mismatch")

	// ErrMissingAttribute — a required field (e.g. byte size) is absent.
	ErrMissingAttribute = errors.New("missing attribute")

	// ErrStoreFailure — an unclassified failure of the underlying store.
	ErrStoreFailure = errors.New("store failure")
)

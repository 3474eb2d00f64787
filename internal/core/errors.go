package core

import "errors"

var (
	// ErrNotFound is returned when a key, resource, index, node or dimension is unknown.
	ErrNotFound = errors.New("not found")

	// ErrReadOnly is returned when a write is attempted while the semaphore is read-only.
	ErrReadOnly = errors.New("topology is read-only")

	// ErrStaleMetadata is returned when the caller's revision no longer matches
	// the persisted semaphore revision.
	ErrStaleMetadata = errors.New("stale topology metadata")

	// ErrOrphanKey is returned when a resource id or secondary index key
	// references a primary key or resource id that does not exist.
	ErrOrphanKey = errors.New("orphan key")

	// ErrValidation is returned for malformed topology or key values.
	ErrValidation = errors.New("validation failed")

	// ErrConnectionFailure is returned when a node or the metadata store is unreachable.
	ErrConnectionFailure = errors.New("connection failure")
)

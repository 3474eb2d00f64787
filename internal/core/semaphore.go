package core

import "fmt"

// Status is the lock state of a dimension's semaphore.
type Status string

const (
	StatusWritable Status = "writable"
	StatusReadOnly Status = "read-only"
)

// Revision is the monotonically increasing semaphore counter.
type Revision uint64

// Semaphore guards all topology and directory mutation of one dimension.
type Semaphore struct {
	Status   Status   `json:"status"`
	Revision Revision `json:"revision"`
}

// ReadOnly reports whether the semaphore is locked.
func (s Semaphore) ReadOnly() bool {
	return s.Status == StatusReadOnly
}

// CheckCommit decides whether mutation m may commit against the current
// semaphore given the caller's expected revision. Every store calls it inside
// its atomic section before writing; on nil the store writes the change
// together with Next(current, m).
func CheckCommit(current Semaphore, expected Revision, m Mutation) error {
	if current.ReadOnly() && !m.Kind.AllowedWhileReadOnly() {
		return fmt.Errorf("%w: %s refused", ErrReadOnly, m.Kind)
	}
	if current.Revision != expected {
		return fmt.Errorf("%w: expected revision %d, store is at %d", ErrStaleMetadata, expected, current.Revision)
	}
	return nil
}

// Next returns the semaphore after m commits.
func Next(current Semaphore, m Mutation) Semaphore {
	next := Semaphore{Status: current.Status, Revision: current.Revision + 1}
	if m.Kind == MutationSetStatus {
		next.Status = m.Status
	}
	return next
}

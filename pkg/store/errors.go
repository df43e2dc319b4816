package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an event or entity is not visible to the
// caller. Rows the caller is not allowed to see produce the same error as
// rows that do not exist (empty-set semantics).
var ErrNotFound = errors.New("not found")

// ErrImmutability marks an attempted update or delete of a committed event.
// Always fatal and security-relevant, regardless of caller privilege.
var ErrImmutability = errors.New("immutability violation")

// ErrWriteDenied is returned when the caller's role may not append.
var ErrWriteDenied = errors.New("write denied")

// ErrSupersededParent is returned when a correction targets an event that a
// committed correction already supersedes. Per-entity chains stay acyclic.
var ErrSupersededParent = errors.New("parent already superseded")

// ErrDuplicateKey is returned when an append carries an idempotency key that
// a committed event already claimed. The key is reserved inside the append
// transaction, so concurrent retries of one upload commit exactly one event.
var ErrDuplicateKey = errors.New("idempotency key already claimed")

// ForkError reports that the submitted envelope's parent already has a
// committed child: two branches claim the same predecessor. The caller
// (the sync resolver) decides whether to merge or record a conflict.
type ForkError struct {
	EntityID      string
	ParentEventID string
	ExistingIDs   []string
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("fork detected: parent %s of entity %s already has %d committed child(ren)",
		e.ParentEventID, e.EntityID, len(e.ExistingIDs))
}

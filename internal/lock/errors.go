package lock

import "errors"

// Sentinel error kinds, per the error-kinds-not-exception-types design: all
// validation happens before any mutation, so a caller seeing one of these
// knows lock state was left untouched.
var (
	// ErrDuplicateLockRequest is returned when a transaction already holds
	// a lock on the resource it is trying to acquire fresh.
	ErrDuplicateLockRequest = errors.New("lock: duplicate lock request")

	// ErrNoLockHeld is returned when an operation names a resource the
	// transaction does not currently hold a lock on.
	ErrNoLockHeld = errors.New("lock: no lock held")

	// ErrInvalidLock covers invalid promotions, intent-hierarchy
	// violations, and releasing a context while descendant locks remain.
	ErrInvalidLock = errors.New("lock: invalid lock operation")

	// ErrReadonlyContext is returned when a mutating operation targets a
	// context with child-lock acquisition disabled.
	ErrReadonlyContext = errors.New("lock: context is readonly")
)

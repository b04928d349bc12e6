package reconcile

import "errors"

var (
	// ErrDuplicateEvent is returned by the event log when the same
	// (tenant, provider, external event id) is delivered again.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidEvent is returned for events that cannot be keyed into the log.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrTransactionNotFound is returned when a transaction group has no events.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrContactNotFound is returned when no contact exists for an email.
	ErrContactNotFound = errors.New("contact not found")

	// ErrStorageUnavailable is returned when storage is unavailable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrLockUnavailable is returned when a reconciliation key lock cannot be acquired.
	ErrLockUnavailable = errors.New("lock unavailable")
)

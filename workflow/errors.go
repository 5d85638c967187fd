package workflow

import "errors"

var (
	// ErrRecordRepositoryRequired is returned when no workflow repository is supplied.
	ErrRecordRepositoryRequired = errors.New("workflow repository is required")

	// ErrKeyManagerRequired is returned when no key manager is supplied.
	ErrKeyManagerRequired = errors.New("key manager is required")

	// ErrKeyRepositoryRequired is returned when a key manager has no key repository.
	ErrKeyRepositoryRequired = errors.New("key repository is required")

	// ErrMasterKeyInvalid is returned when the master secret is shorter than 32 bytes.
	ErrMasterKeyInvalid = errors.New("master key must be at least 32 bytes")

	// ErrTrackerRequired is returned when a scheduler has no tracker.
	ErrTrackerRequired = errors.New("tracker is required")
)

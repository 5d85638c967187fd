package index

import "errors"

var (
	// ErrVectorRepositoryRequired is returned when no vector repository is provided.
	ErrVectorRepositoryRequired = errors.New("vector repository required")

	// ErrOwnerRequired is returned when an owner-scoped operation gets an empty owner.
	ErrOwnerRequired = errors.New("owner required")
)

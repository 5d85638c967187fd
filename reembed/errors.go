package reembed

import "errors"

var (
	// ErrIndexRequired is returned when no index is given.
	ErrIndexRequired = errors.New("index is required")

	// ErrEmbedderRequired is returned when no embedder is given.
	ErrEmbedderRequired = errors.New("embedder is required")
)

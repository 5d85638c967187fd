package ingestion

import "errors"

var (
	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrIndexRequired is returned when a chunk index is not provided.
	ErrIndexRequired = errors.New("chunk index required")

	// ErrProcessorRequired is returned when a pipeline is built without a processor.
	ErrProcessorRequired = errors.New("regulation processor required")
)

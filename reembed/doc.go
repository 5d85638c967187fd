// Package reembed recomputes the embeddings of every record in an index
// partition, for use after the embedding model or its instruction prefixes
// change.
//
// Records are read from a stable snapshot, embedded in batches with retry and
// exponential backoff, and written back one vector at a time so content,
// metadata and ownership are untouched. Progress is reported to a writer.
package reembed

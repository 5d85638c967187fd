// Package ingestion turns regulation HTML into indexed chunks.
//
// The Processor handles one document at a time:
//   - Parsing the HTML and extracting text blocks and section headings
//   - Extracting source-specific metadata (FAR numbers and subparts,
//     DFARS numbers and supplements, cross references, effective dates)
//   - Chunking the text into bounded units at paragraph and sentence boundaries
//   - Embedding each chunk and storing it in the regulations partition
//
// A chunk whose embedding fails twice is marked degraded and left out of
// the index; the rest of the document is still processed.
//
// The Pipeline runs many documents concurrently on a worker pool.
package ingestion

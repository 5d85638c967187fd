package reembed

import (
	"context"
	"fmt"
	"time"

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/retry"
)

// BatchProcessor embeds batches of index records and writes the new vectors back.
type BatchProcessor struct {
	index          Index
	embedder       ai.Embedder
	domain         core.Domain
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewBatchProcessor creates a new batch processor.
// maxRetries: maximum number of attempts for each embedding call
// retryBaseDelay: base delay for exponential backoff
func NewBatchProcessor(idx Index, embedder ai.Embedder, domain core.Domain, maxRetries int, retryBaseDelay time.Duration) *BatchProcessor {
	return &BatchProcessor{
		index:          idx,
		embedder:       embedder,
		domain:         domain,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Process embeds the content of records and replaces their vectors.
// The index normalizes vectors on write.
func (bp *BatchProcessor) Process(ctx context.Context, records []*core.IndexRecord) error {
	if len(records) == 0 {
		return nil
	}

	texts := make([]string, len(records))
	for i, record := range records {
		texts[i] = record.Content
	}

	var embeddings []core.Embedding
	err := retry.Do(ctx, func() error {
		var err error
		embeddings, err = bp.embedder.EmbedTexts(ctx, texts, bp.domain)
		return err
	}, bp.maxRetries, bp.retryBaseDelay)
	if err != nil {
		return fmt.Errorf("failed to generate embeddings after %d attempts: %w", bp.maxRetries, err)
	}

	if len(embeddings) != len(records) {
		return fmt.Errorf("embedding count mismatch: expected %d, got %d", len(records), len(embeddings))
	}

	for i, record := range records {
		if err := bp.index.UpdateVector(ctx, bp.domain, record.ID, embeddings[i]); err != nil {
			return fmt.Errorf("failed to update record %s: %w", record.ID, err)
		}
	}
	return nil
}

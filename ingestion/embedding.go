package ingestion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/retry"
)

// chunkEmbedder generates embeddings for the chunks of one document.
type chunkEmbedder struct {
	embedder   ai.Embedder
	retryDelay time.Duration
	logger     *slog.Logger
}

func newChunkEmbedder(embedder ai.Embedder, retryDelay time.Duration, logger *slog.Logger) *chunkEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &chunkEmbedder{
		embedder:   embedder,
		retryDelay: retryDelay,
		logger:     logger.With("processor", "embeddings"),
	}
}

// embed fills in the embedding of every chunk. A chunk whose embedding
// fails twice is marked Degraded. It returns the number of degraded chunks,
// or an error only when ctx ends.
func (ce *chunkEmbedder) embed(ctx context.Context, chunks []*core.RegulationChunk) (int, error) {
	ce.logger.Debug("generating embeddings for chunks", "chunks", len(chunks))

	var wg sync.WaitGroup
	for _, c := range chunks {
		wg.Add(1)
		go func(c *core.RegulationChunk) {
			defer wg.Done()
			err := retry.Do(ctx, func() error {
				vec, err := ce.embedder.EmbedText(ctx, c.Content, core.DomainRegulations)
				if err != nil {
					return err
				}
				c.Embedding = vec
				return nil
			}, 2, ce.retryDelay)
			if err != nil {
				c.Degraded = true
				c.Embedding = nil
				ce.logger.Warn("chunk embedding failed after retry", "chunkIndex", c.ChunkIndex, "err", err)
			}
		}(c)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	degraded := 0
	for _, c := range chunks {
		if c.Degraded {
			degraded++
		}
	}
	if degraded == len(chunks) && degraded > 0 {
		ce.logger.Error("no chunk of the document could be embedded", "chunks", degraded)
	}
	return degraded, nil
}

// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/index"
	"github.com/poiesic/regsearch/telemetry"
)

// ChunkIndex is where processed chunks are stored. *index.Index implements it.
type ChunkIndex interface {
	Store(ctx context.Context, content string, embedding core.Embedding, metadata map[string]string, domain core.Domain, opts ...index.StoreOption) (core.ID, error)
}

// Processor turns one regulation HTML document into indexed chunks.
type Processor struct {
	embedder   *chunkEmbedder
	index      ChunkIndex
	chunker    *chunker
	metrics    *telemetry.Metrics
	retryDelay time.Duration
	logger     *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor) error

// WithProcessorLogger sets a custom logger.
// Default is slog.Default().
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithChunkerConfig overrides the chunk size bounds.
func WithChunkerConfig(cfg ChunkerConfig) ProcessorOption {
	return func(p *Processor) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		p.chunker = &chunker{config: cfg}
		return nil
	}
}

// WithProcessorMetrics records degraded chunk counts.
func WithProcessorMetrics(m *telemetry.Metrics) ProcessorOption {
	return func(p *Processor) error {
		if m != nil {
			p.metrics = m
		}
		return nil
	}
}

// WithEmbeddingRetryDelay sets the pause before a failed chunk embedding is retried.
func WithEmbeddingRetryDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) error {
		p.retryDelay = d
		return nil
	}
}

// NewProcessor creates a Processor. embedder is normally an *ai.Gateway so
// that calls are bounded and timed out.
func NewProcessor(embedder ai.Embedder, idx ChunkIndex, opts ...ProcessorOption) (*Processor, error) {
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if idx == nil {
		return nil, ErrIndexRequired
	}
	p := &Processor{
		index:      idx,
		chunker:    &chunker{config: DefaultChunkerConfig()},
		metrics:    telemetry.Noop(),
		retryDelay: 50 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "regulation-processor")
	p.embedder = newChunkEmbedder(embedder, p.retryDelay, p.logger)
	return p, nil
}

// ProcessHTMLRegulation parses html, chunks and embeds it, and stores every
// successfully embedded chunk in the regulations partition.
//
// It fails with core.ErrUnsupportedSource for an unknown source,
// core.ErrMalformedHTML when html has no usable content, and
// core.ErrIncompleteMetadata when no regulation number can be found.
// Chunks whose embedding failed are returned with Degraded set and are not
// stored.
func (p *Processor) ProcessHTMLRegulation(ctx context.Context, html string, source core.RegulationSource) (*core.ProcessedRegulation, error) {
	start := time.Now()
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedSource, source)
	}

	doc, err := parseHTML(html)
	if err != nil {
		return nil, err
	}
	md, err := extractMetadata(doc, source)
	if err != nil {
		return nil, err
	}
	pieces, truncated, err := p.chunker.split(doc.blocks, source)
	if err != nil {
		return nil, err
	}
	if truncated {
		p.logger.Warn("document exceeds chunk limit; trailing text dropped",
			"regulation", md.RegulationNumber, "maxChunks", p.chunker.config.MaxChunks)
	}

	chunks := make([]*core.RegulationChunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &core.RegulationChunk{
			Content:       piece.content,
			Metadata:      md,
			ChunkIndex:    i,
			SectionMarker: piece.section,
		}
	}

	degraded, err := p.embedder.embed(ctx, chunks)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordDegradedChunks(ctx, source.String(), degraded)

	base := md.Map()
	base[core.MetaSource] = source.String()
	for _, c := range chunks {
		if c.Degraded {
			continue
		}
		meta := make(map[string]string, len(base)+2)
		for k, v := range base {
			meta[k] = v
		}
		meta[core.MetaChunkIndex] = strconv.Itoa(c.ChunkIndex)
		if c.SectionMarker != "" {
			meta[core.MetaSectionHeading] = c.SectionMarker
		}
		id, err := p.index.Store(ctx, c.Content, c.Embedding, meta, core.DomainRegulations)
		if err != nil {
			p.logger.Error("failed to store chunk", "regulation", md.RegulationNumber, "chunkIndex", c.ChunkIndex, "err", err)
			return nil, err
		}
		c.ID = id
	}

	result := &core.ProcessedRegulation{
		Source:         source,
		Metadata:       md,
		Chunks:         chunks,
		DegradedChunks: degraded,
		Truncated:      truncated,
		ProcessingTime: time.Since(start),
	}
	p.logger.Info("processed regulation",
		"regulation", md.RegulationNumber,
		"chunks", len(chunks),
		"degraded", degraded,
		"duration", result.ProcessingTime)
	return result, nil
}

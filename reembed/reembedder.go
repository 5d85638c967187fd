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

package reembed

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/core"
)

// Index is the part of the vector index a reembedding needs. *index.Index implements it.
type Index interface {
	ForEach(ctx context.Context, domain core.Domain, fn func(*core.IndexRecord) error) error
	UpdateVector(ctx context.Context, domain core.Domain, id core.ID, embedding core.Embedding) error
}

// Config holds configuration for the reembedding operation.
type Config struct {
	// BatchSize is the number of records to process in each batch
	BatchSize int

	// ReportInterval is how often to report progress (number of records)
	ReportInterval int

	// MaxRetries is the maximum number of attempts for each embedding call
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      DefaultBatchSize,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
	}
}

// Summary describes a finished run.
type Summary struct {
	Domain     core.Domain
	Records    int
	Reembedded int
	Elapsed    time.Duration
}

// Reembedder recomputes the vectors of every record in an index domain.
type Reembedder struct {
	index    Index
	embedder ai.Embedder
	config   *Config
	progress io.Writer
}

// NewReembedder creates a new reembedder.
// progress: where to write progress output (typically os.Stderr); nil discards it
func NewReembedder(idx Index, embedder ai.Embedder, config *Config, progress io.Writer) (*Reembedder, error) {
	if idx == nil {
		return nil, ErrIndexRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if config == nil {
		config = DefaultConfig()
	}
	if progress == nil {
		progress = io.Discard
	}

	return &Reembedder{
		index:    idx,
		embedder: embedder,
		config:   config,
		progress: progress,
	}, nil
}

// Run reembeds every record of domain. Records are written back batch by
// batch, so a failed run leaves earlier batches updated and can simply be
// repeated.
func (r *Reembedder) Run(ctx context.Context, domain core.Domain) (*Summary, error) {
	if err := core.ValidateDomain(domain); err != nil {
		return nil, err
	}

	iterator := NewRecordIterator(r.index, domain, r.config.BatchSize)
	records, err := iterator.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s records: %w", domain, err)
	}

	summary := &Summary{Domain: domain, Records: len(records)}
	if len(records) == 0 {
		fmt.Fprintf(r.progress, "No %s records found (0 records)\n", domain)
		return summary, nil
	}

	fmt.Fprintf(r.progress, "Starting reembedding of %d %s records (batch size: %d)\n",
		len(records), domain, iterator.batchSize)

	tracker := NewProgressTracker(r.progress, domain.String(), len(records), r.config.ReportInterval)
	tracker.Start()

	processor := NewBatchProcessor(r.index, r.embedder, domain, r.config.MaxRetries, r.config.RetryDelay)
	err = iterator.ForEach(ctx, records, func(batch []*core.IndexRecord) error {
		if err := processor.Process(ctx, batch); err != nil {
			return fmt.Errorf("failed to process batch: %w", err)
		}
		tracker.Increment(len(batch))
		return nil
	})

	tracker.Finish()
	summary.Reembedded = tracker.Current()
	summary.Elapsed = tracker.Elapsed()
	if err != nil {
		return summary, err
	}

	fmt.Fprintf(r.progress, "Reembedding complete. Processed %d records in %v (%.1f records/sec)\n",
		summary.Records, summary.Elapsed.Round(time.Millisecond), float64(summary.Records)/summary.Elapsed.Seconds())
	return summary, nil
}

package ingestion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/regsearch/core"
)

// DefaultPoolSize is the number of documents processed at once.
const DefaultPoolSize = 25

// Document is one input of a batch.
type Document struct {
	Name   string // used in logs and results only
	HTML   string
	Source core.RegulationSource
}

// BatchResult is the outcome for one Document, in input order.
type BatchResult struct {
	Name       string
	Regulation *core.ProcessedRegulation
	Err        error
}

// Pipeline orchestrates the ingestion of many regulation documents.
// Documents are processed concurrently on a worker pool.
type Pipeline struct {
	processor *Processor
	pool      *ants.Pool
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the number of documents processed concurrently.
// Default is DefaultPoolSize, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}

		// Release old pool
		if p.pool != nil {
			p.pool.Release()
		}

		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		p.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline around processor.
func NewPipeline(processor *Processor, opts ...Option) (*Pipeline, error) {
	if processor == nil {
		return nil, ErrProcessorRequired
	}

	pool, err := ants.NewPool(DefaultPoolSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		processor: processor,
		pool:      pool,
		logger:    slog.Default(),
	}

	// Apply options (may override defaults)
	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.Release()
			return nil, optErr
		}
	}
	p.logger = p.logger.With("component", "ingestion-pipeline")
	return p, nil
}

// ProcessBatch processes every document and waits for all of them. A failed
// document does not stop the others; its error is reported in its result.
func (p *Pipeline) ProcessBatch(ctx context.Context, docs []Document) []BatchResult {
	start := time.Now()
	results := make([]BatchResult, len(docs))

	var wg sync.WaitGroup
	for i, doc := range docs {
		results[i].Name = doc.Name
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			reg, err := p.processor.ProcessHTMLRegulation(ctx, doc.HTML, doc.Source)
			if err != nil {
				p.logger.Warn("document failed", "document", doc.Name, "err", err)
			}
			results[i].Regulation = reg
			results[i].Err = err
		})
		if err != nil {
			wg.Done()
			results[i].Err = err
		}
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	p.logger.Info("batch processed", "documents", len(docs), "failed", failed, "duration", time.Since(start))
	return results
}

// Release releases the worker pool.
// The pipeline should not be used after calling Release.
func (p *Pipeline) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}

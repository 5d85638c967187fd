package openai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/core"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder implements ai.Embedder using OpenAI-compatible embedding APIs.
type Embedder struct {
	embedder embeddings.Embedder
	config   *ai.Config
	logger   *slog.Logger
}

var _ ai.Embedder = (*Embedder)(nil)

// newEmbedder is an internal constructor that returns the concrete type.
// Used by Provider to manage the instance.
func newEmbedder(config *ai.Config) (*Embedder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := openai.New(
		openai.WithBaseURL(config.EmbeddingHost),
		openai.WithToken(config.APIToken),
		openai.WithEmbeddingModel(config.EmbeddingModel),
	)
	if err != nil {
		return nil, err
	}

	// Wrap in langchaingo embedder
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, err
	}

	return &Embedder{
		embedder: embedder,
		config:   config,
		logger:   slog.Default().With("component", "openai-embedder"),
	}, nil
}

// NewEmbedder creates a new embedder using the provided configuration.
//
// Returns ai.Embedder interface to enforce abstraction.
func NewEmbedder(config *ai.Config) (ai.Embedder, error) {
	return newEmbedder(config)
}

// EmbedText generates a normalized embedding for a single text string.
func (e *Embedder) EmbedText(ctx context.Context, text string, domain core.Domain) (core.Embedding, error) {
	vectors, err := e.EmbedTexts(ctx, []string{text}, domain)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedTexts generates normalized embeddings for a batch, in input order.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string, domain core.Domain) ([]core.Embedding, error) {
	e.logger.Debug("generating embeddings for texts", "count", len(texts), "domain", domain)

	prefix := e.config.PrefixFor(domain)
	inputs := texts
	if prefix != "" {
		inputs = make([]string, len(texts))
		for i, t := range texts {
			inputs[i] = prefix + t
		}
	}

	raw, err := e.embedder.EmbedDocuments(ctx, inputs)
	if err != nil {
		e.logger.Error("failed to generate embeddings", "count", len(texts), "err", err)
		return nil, err
	}
	if len(raw) != len(texts) {
		e.logger.Warn("embedder returned unexpected result count", "want", len(texts), "got", len(raw))
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(raw))
	}

	out := make([]core.Embedding, len(raw))
	for i, v := range raw {
		out[i] = core.Normalize(v)
	}
	return out, nil
}

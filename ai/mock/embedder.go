package mock

import (
	"context"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/core"
)

// MockEmbedder is a test double for ai.Embedder.
// It allows custom behavior injection via function fields.
type MockEmbedder struct {
	// EmbedTextFunc is called by EmbedText if set.
	// If nil, uses default deterministic behavior.
	EmbedTextFunc func(ctx context.Context, text string, domain core.Domain) (core.Embedding, error)

	// EmbedTextsFunc is called by EmbedTexts if set.
	// If nil, uses default deterministic behavior.
	EmbedTextsFunc func(ctx context.Context, texts []string, domain core.Domain) ([]core.Embedding, error)

	// Dimension is the width of generated vectors. Default: core.DefaultDimension
	Dimension int

	callCount atomic.Int64
}

var _ ai.Embedder = (*MockEmbedder)(nil)

// NewMockEmbedder creates a mock embedder with default deterministic behavior.
// Note: Returns concrete type to allow test assertions via GetMockEmbedder().
func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{Dimension: core.DefaultDimension}
}

// EmbedText generates a deterministic embedding from the words of text.
func (m *MockEmbedder) EmbedText(ctx context.Context, text string, domain core.Domain) (core.Embedding, error) {
	m.callCount.Add(1)

	if m.EmbedTextFunc != nil {
		return m.EmbedTextFunc(ctx, text, domain)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Vector(text, m.dim()), nil
}

// EmbedTexts generates deterministic embeddings for multiple texts.
func (m *MockEmbedder) EmbedTexts(ctx context.Context, texts []string, domain core.Domain) ([]core.Embedding, error) {
	m.callCount.Add(1)

	if m.EmbedTextsFunc != nil {
		return m.EmbedTextsFunc(ctx, texts, domain)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]core.Embedding, len(texts))
	for i, text := range texts {
		out[i] = Vector(text, m.dim())
	}
	return out, nil
}

// CallCount returns the number of times any method was called.
func (m *MockEmbedder) CallCount() int {
	return int(m.callCount.Load())
}

// Reset clears the call count and injected behavior.
func (m *MockEmbedder) Reset() {
	m.callCount.Store(0)
	m.EmbedTextFunc = nil
	m.EmbedTextsFunc = nil
}

func (m *MockEmbedder) dim() int {
	if m.Dimension > 0 {
		return m.Dimension
	}
	return core.DefaultDimension
}

// Vector builds a unit-length hashed bag-of-words vector for text. Texts that
// share words get a positive cosine similarity; identical texts score 1.
func Vector(text string, dim int) core.Embedding {
	vec := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		words = []string{text}
	}
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		sum := h.Sum64()
		vec[sum%uint64(dim)] += 1
		// A second bucket keeps unrelated words from colliding as often.
		vec[(sum>>32)%uint64(dim)] += 0.5
	}
	return core.Normalize(vec)
}

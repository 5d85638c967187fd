package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/ai/mock"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/index"
	"github.com/poiesic/regsearch/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T, embedder ai.Embedder) (*Processor, *index.Index) {
	t.Helper()
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() { repos.Close() })
	idx, err := index.New(repos.Vectors)
	require.NoError(t, err)
	p, err := NewProcessor(embedder, idx, WithEmbeddingRetryDelay(time.Millisecond))
	require.NoError(t, err)
	return p, idx
}

func regulationCount(t *testing.T, idx *index.Index) int {
	t.Helper()
	stats, err := idx.StorageStats(context.Background())
	require.NoError(t, err)
	return stats.Records[core.DomainRegulations]
}

func TestNewProcessor_RequiresDependencies(t *testing.T) {
	_, err := NewProcessor(nil, nil)
	assert.ErrorIs(t, err, ErrEmbedderRequired)
	_, err = NewProcessor(mock.NewMockEmbedder(), nil)
	assert.ErrorIs(t, err, ErrIndexRequired)
}

func TestProcessHTMLRegulation_FAR(t *testing.T) {
	p, idx := newTestProcessor(t, mock.NewMockEmbedder())
	ctx := context.Background()

	reg, err := p.ProcessHTMLRegulation(ctx, farHTML(42, 24), core.SourceFAR)
	require.NoError(t, err)

	assert.Equal(t, core.SourceFAR, reg.Source)
	assert.True(t, strings.HasPrefix(reg.Metadata.RegulationNumber, "FAR"))
	assert.NotEmpty(t, reg.Metadata.Subpart)
	assert.False(t, reg.Truncated)
	assert.Zero(t, reg.DegradedChunks)
	require.NotEmpty(t, reg.Chunks)
	assert.LessOrEqual(t, len(reg.Chunks), 50)

	for i, c := range reg.Chunks {
		assert.Equal(t, i, c.ChunkIndex)
		n := utf8.RuneCountInString(c.Content)
		assert.GreaterOrEqual(t, n, 100)
		assert.LessOrEqual(t, n, 2048)
		assert.Len(t, c.Embedding, core.DefaultDimension)
		assert.NotZero(t, c.ID)
	}
	assert.Equal(t, len(reg.Chunks), regulationCount(t, idx))

	// Every stored chunk can be found again with its own embedding.
	first := reg.Chunks[0]
	hits, err := idx.Search(ctx, first.Embedding, core.DomainRegulations, 1, 0.99)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "FAR 52.227-1", hits[0].Metadata[core.MetaRegulationNumber])
	assert.Equal(t, "FAR", hits[0].Metadata[core.MetaSource])
	assert.Equal(t, "0", hits[0].Metadata[core.MetaChunkIndex])
}

func TestProcessHTMLRegulation_DFARS(t *testing.T) {
	p, _ := newTestProcessor(t, mock.NewMockEmbedder())

	reg, err := p.ProcessHTMLRegulation(context.Background(), dfarsHTML(42, 24), core.SourceDFARS)
	require.NoError(t, err)
	assert.Equal(t, core.SourceDFARS, reg.Source)
	assert.True(t, strings.HasPrefix(reg.Metadata.RegulationNumber, "DFARS"))
	assert.NotEmpty(t, reg.Metadata.Supplement)
}

func TestProcessHTMLRegulation_Errors(t *testing.T) {
	p, idx := newTestProcessor(t, mock.NewMockEmbedder())
	ctx := context.Background()

	_, err := p.ProcessHTMLRegulation(ctx, farHTML(1, 2), core.RegulationSource(99))
	assert.ErrorIs(t, err, core.ErrUnsupportedSource)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = p.ProcessHTMLRegulation(ctx, "not html at all", core.SourceFAR)
	assert.ErrorIs(t, err, core.ErrMalformedHTML)

	_, err = p.ProcessHTMLRegulation(ctx, "<html><body><p>FAR 52.227-1 short.</p></body></html>", core.SourceFAR)
	assert.ErrorIs(t, err, core.ErrInsufficientContent)

	assert.Zero(t, regulationCount(t, idx))
}

func TestProcessHTMLRegulation_DegradedChunks(t *testing.T) {
	m := mock.NewMockEmbedder()
	m.EmbedTextFunc = func(ctx context.Context, text string, d core.Domain) (core.Embedding, error) {
		if strings.Contains(text, "POISON") {
			return nil, fmt.Errorf("%w: model crashed", core.ErrEmbeddingFailed)
		}
		return mock.Vector(text, core.DefaultDimension), nil
	}
	p, idx := newTestProcessor(t, m)

	filler := strings.Repeat("The contractor shall retain records for audit. ", 12)
	html := `<html><body>
<h2>52.215-2 Audit and Records</h2><p>` + filler + `</p>
<h2>Subsection B</h2><p>POISON ` + filler + `</p>
<h2>Subsection C</h2><p>` + filler + `</p>
</body></html>`

	reg, err := p.ProcessHTMLRegulation(context.Background(), html, core.SourceFAR)
	require.NoError(t, err)
	require.Len(t, reg.Chunks, 3)
	assert.Equal(t, 1, reg.DegradedChunks)
	assert.True(t, reg.Chunks[1].Degraded)
	assert.Nil(t, reg.Chunks[1].Embedding)
	assert.False(t, reg.Chunks[0].Degraded)
	assert.False(t, reg.Chunks[2].Degraded)
	assert.Equal(t, 2, regulationCount(t, idx))
	// Two chunks embedded once each, the failing chunk tried twice.
	assert.Equal(t, 4, m.CallCount())
}

func TestProcessHTMLRegulation_RetriesOnce(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	m := mock.NewMockEmbedder()
	m.EmbedTextFunc = func(ctx context.Context, text string, d core.Domain) (core.Embedding, error) {
		mu.Lock()
		first := !seen[text]
		seen[text] = true
		mu.Unlock()
		if first {
			return nil, errors.New("transient")
		}
		return mock.Vector(text, core.DefaultDimension), nil
	}
	p, idx := newTestProcessor(t, m)

	reg, err := p.ProcessHTMLRegulation(context.Background(), farHTML(3, 8), core.SourceFAR)
	require.NoError(t, err)
	assert.Zero(t, reg.DegradedChunks)
	assert.Equal(t, 2*len(reg.Chunks), m.CallCount())
	assert.Equal(t, len(reg.Chunks), regulationCount(t, idx))
}

func TestProcessHTMLRegulation_Canceled(t *testing.T) {
	p, _ := newTestProcessor(t, mock.NewMockEmbedder())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ProcessHTMLRegulation(ctx, farHTML(1, 8), core.SourceFAR)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessHTMLRegulation_ThroughGateway(t *testing.T) {
	gw, err := ai.NewGateway(mock.NewMockEmbedder(), ai.NewConfig())
	require.NoError(t, err)
	defer gw.Release()
	p, idx := newTestProcessor(t, gw)

	reg, err := p.ProcessHTMLRegulation(context.Background(), dfarsHTML(8, 30), core.SourceDFARS)
	require.NoError(t, err)
	assert.Zero(t, reg.DegradedChunks)
	assert.Equal(t, len(reg.Chunks), regulationCount(t, idx))
}

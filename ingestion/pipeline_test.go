package ingestion

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/regsearch/ai/mock"
	"github.com/poiesic/regsearch/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipeline_RequiresProcessor(t *testing.T) {
	_, err := NewPipeline(nil)
	assert.ErrorIs(t, err, ErrProcessorRequired)
}

func TestPipeline_ProcessBatch(t *testing.T) {
	p, idx := newTestProcessor(t, mock.NewMockEmbedder())
	pipeline, err := NewPipeline(p)
	require.NoError(t, err)
	defer pipeline.Release()

	docs := []Document{
		{Name: "far", HTML: farHTML(1, 12), Source: core.SourceFAR},
		{Name: "bad", HTML: "no markup here", Source: core.SourceFAR},
		{Name: "dfars", HTML: dfarsHTML(2, 12), Source: core.SourceDFARS},
	}
	results := pipeline.ProcessBatch(context.Background(), docs)
	require.Len(t, results, 3)

	assert.Equal(t, "far", results[0].Name)
	require.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, core.ErrMalformedHTML)
	assert.Nil(t, results[1].Regulation)
	require.NoError(t, results[2].Err)

	want := len(results[0].Regulation.Chunks) + len(results[2].Regulation.Chunks)
	assert.Equal(t, want, regulationCount(t, idx))
}

func TestPipeline_ConcurrentDocuments(t *testing.T) {
	var inFlight, peak atomic.Int32
	m := mock.NewMockEmbedder()
	m.EmbedTextFunc = func(ctx context.Context, text string, d core.Domain) (core.Embedding, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return mock.Vector(text, core.DefaultDimension), nil
	}
	p, _ := newTestProcessor(t, m)
	pipeline, err := NewPipeline(p, WithPoolSize(25))
	require.NoError(t, err)
	defer pipeline.Release()

	const n = 25
	docs := make([]Document, n)
	for i := range docs {
		if i%2 == 0 {
			docs[i] = Document{Name: fmt.Sprintf("far-%d", i), HTML: farHTML(int64(i), 16), Source: core.SourceFAR}
		} else {
			docs[i] = Document{Name: fmt.Sprintf("dfars-%d", i), HTML: dfarsHTML(int64(i), 16), Source: core.SourceDFARS}
		}
	}

	start := time.Now()
	results := pipeline.ProcessBatch(context.Background(), docs)
	elapsed := time.Since(start)

	for i, r := range results {
		require.NoError(t, r.Err, docs[i].Name)
		// Processing under load matches processing the document alone.
		alone, err := p.ProcessHTMLRegulation(context.Background(), docs[i].HTML, docs[i].Source)
		require.NoError(t, err)
		assert.Equal(t, len(alone.Chunks), len(r.Regulation.Chunks), docs[i].Name)
		assert.Equal(t, alone.Metadata.RegulationNumber, r.Regulation.Metadata.RegulationNumber)
		assert.Zero(t, r.Regulation.DegradedChunks)
	}
	assert.Greater(t, peak.Load(), int32(1))
	assert.Less(t, elapsed/n, 500*time.Millisecond)
}

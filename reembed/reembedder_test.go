package reembed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/poiesic/regsearch/ai/mock"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/index"
	"github.com/poiesic/regsearch/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupIndex(t *testing.T) *index.Index {
	t.Helper()
	repos, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() { repos.Close() })
	idx, err := index.New(repos.Vectors)
	require.NoError(t, err)
	return idx
}

// storeStale stores n records whose vectors do not match their content.
func storeStale(t *testing.T, idx *index.Index, domain core.Domain, n int, opts ...index.StoreOption) []core.ID {
	t.Helper()
	stale := mock.Vector("stale model output", core.DefaultDimension)
	ids := make([]core.ID, n)
	for i := range ids {
		content := fmt.Sprintf("Paragraph %d on contractor records retention and audit access.", i)
		id, err := idx.Store(context.Background(), content, stale, map[string]string{core.MetaChunkIndex: fmt.Sprint(i)}, domain, opts...)
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func fastConfig() *Config {
	return &Config{
		BatchSize:      3,
		ReportInterval: 3,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	}
}

func TestNewReembedder_RequiresDependencies(t *testing.T) {
	_, err := NewReembedder(nil, mock.NewMockEmbedder(), nil, nil)
	assert.ErrorIs(t, err, ErrIndexRequired)
	_, err = NewReembedder(setupIndex(t), nil, nil, nil)
	assert.ErrorIs(t, err, ErrEmbedderRequired)

	r, err := NewReembedder(setupIndex(t), mock.NewMockEmbedder(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), r.config)
}

func TestReembedder_Run(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()
	ids := storeStale(t, idx, core.DomainRegulations, 10)

	var buf bytes.Buffer
	embedder := mock.NewMockEmbedder()
	r, err := NewReembedder(idx, embedder, fastConfig(), &buf)
	require.NoError(t, err)

	summary, err := r.Run(ctx, core.DomainRegulations)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Records)
	assert.Equal(t, 10, summary.Reembedded)
	assert.Equal(t, 4, embedder.CallCount(), "10 records in batches of 3")

	for i, id := range ids {
		record, err := idx.Get(ctx, core.DomainRegulations, id)
		require.NoError(t, err)
		want := mock.Vector(record.Content, core.DefaultDimension)
		assert.InDelta(t, 1.0, core.CosineSimilarity(want, record.Vector), 1e-5)
		assert.Equal(t, fmt.Sprint(i), record.Metadata[core.MetaChunkIndex], "metadata is kept")
	}

	output := buf.String()
	assert.Contains(t, output, "regulations: 10/10")
	assert.Contains(t, output, "Reembedding complete")
}

func TestReembedder_OnlyTouchesDomain(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()
	storeStale(t, idx, core.DomainRegulations, 2)
	owner := core.UserKey("alice")
	historyIDs := storeStale(t, idx, core.DomainUserHistory, 2, index.WithOwner(owner))

	r, err := NewReembedder(idx, mock.NewMockEmbedder(), fastConfig(), nil)
	require.NoError(t, err)
	_, err = r.Run(ctx, core.DomainRegulations)
	require.NoError(t, err)

	stale := mock.Vector("stale model output", core.DefaultDimension)
	for _, id := range historyIDs {
		record, err := idx.Get(ctx, core.DomainUserHistory, id)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, core.CosineSimilarity(stale, record.Vector), 1e-5)
	}

	_, err = r.Run(ctx, core.DomainUserHistory)
	require.NoError(t, err)
	for _, id := range historyIDs {
		record, err := idx.Get(ctx, core.DomainUserHistory, id)
		require.NoError(t, err)
		assert.Equal(t, owner, record.Owner, "ownership is kept")
		assert.InDelta(t, 1.0, core.CosineSimilarity(mock.Vector(record.Content, core.DefaultDimension), record.Vector), 1e-5)
	}
}

func TestReembedder_EmptyDomain(t *testing.T) {
	var buf bytes.Buffer
	r, err := NewReembedder(setupIndex(t), mock.NewMockEmbedder(), nil, &buf)
	require.NoError(t, err)

	summary, err := r.Run(context.Background(), core.DomainUserHistory)
	require.NoError(t, err)
	assert.Zero(t, summary.Records)
	assert.Contains(t, buf.String(), "0 records")
}

func TestReembedder_InvalidDomain(t *testing.T) {
	r, err := NewReembedder(setupIndex(t), mock.NewMockEmbedder(), nil, nil)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), core.Domain(7))
	assert.ErrorIs(t, err, core.ErrInvalidDomain)
}

func TestReembedder_StopsOnPersistentFailure(t *testing.T) {
	idx := setupIndex(t)
	storeStale(t, idx, core.DomainRegulations, 7)

	embedder := mock.NewMockEmbedder()
	calls := 0
	embedder.EmbedTextsFunc = func(_ context.Context, texts []string, _ core.Domain) ([]core.Embedding, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("model unloaded")
		}
		out := make([]core.Embedding, len(texts))
		for i, text := range texts {
			out[i] = mock.Vector(text, core.DefaultDimension)
		}
		return out, nil
	}

	var buf bytes.Buffer
	r, err := NewReembedder(idx, embedder, fastConfig(), &buf)
	require.NoError(t, err)

	summary, err := r.Run(context.Background(), core.DomainRegulations)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unloaded")
	assert.Equal(t, 3, summary.Reembedded, "only the first batch landed")
	assert.Equal(t, 1+3, calls, "second batch tried MaxRetries times")
	assert.NotContains(t, buf.String(), "Reembedding complete")
}

func TestReembedder_ContextCancelled(t *testing.T) {
	idx := setupIndex(t)
	storeStale(t, idx, core.DomainRegulations, 3)
	r, err := NewReembedder(idx, mock.NewMockEmbedder(), fastConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Run(ctx, core.DomainRegulations)
	assert.ErrorIs(t, err, context.Canceled)
}

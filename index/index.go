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

package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/keylock"
	"github.com/poiesic/regsearch/retry"
	"github.com/poiesic/regsearch/storage"
	"github.com/poiesic/regsearch/telemetry"
)

// Index stores and searches embeddings in domain partitions.
type Index struct {
	vectors   storage.VectorRepository
	dimension int
	locks     *keylock.Locker
	metrics   *telemetry.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// New creates an Index over vectors.
func New(vectors storage.VectorRepository, opts ...Option) (*Index, error) {
	if vectors == nil {
		return nil, ErrVectorRepositoryRequired
	}
	x := &Index{
		vectors:   vectors,
		dimension: core.DefaultDimension,
		locks:     keylock.New(),
		metrics:   telemetry.Noop(),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(x); err != nil {
			return nil, err
		}
	}
	x.logger = x.logger.With("component", "semantic-index")
	return x, nil
}

// Dimension is the embedding width the index accepts.
func (x *Index) Dimension() int {
	return x.dimension
}

// RecordID computes the ID Store assigns. It hashes the content, the
// metadata in key order and the owner, so storing the same record twice
// is an upsert.
func RecordID(content string, metadata map[string]string, owner string) core.ID {
	var b strings.Builder
	b.WriteString(content)
	b.WriteByte(0)
	for _, k := range slices.Sorted(maps.Keys(metadata)) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(metadata[k])
		b.WriteByte(0)
	}
	b.WriteString(owner)
	return core.IDFromContent(b.String())
}

// Store writes one record into domain and returns its ID.
//
// The embedding must have exactly Dimension() components. The record is
// written in a single transaction; a failed write is retried once.
func (x *Index) Store(ctx context.Context, content string, embedding core.Embedding, metadata map[string]string, domain core.Domain, opts ...StoreOption) (id core.ID, err error) {
	start := time.Now()
	defer func() {
		x.metrics.RecordIndexOp(ctx, "store", domain.String(), time.Since(start), err)
	}()

	if err := core.ValidateDomain(domain); err != nil {
		return 0, err
	}
	if strings.TrimSpace(content) == "" {
		return 0, core.ErrEmptyContent
	}
	if err := core.ValidateEmbedding(embedding, x.dimension); err != nil {
		return 0, err
	}
	var so storeOptions
	for _, opt := range opts {
		opt(&so)
	}

	id = RecordID(content, metadata, so.owner)
	unlock := x.locks.Lock(lockKey(domain, id))
	defer unlock()

	record := &core.IndexRecord{
		ID:         id,
		Domain:     domain,
		Content:    content,
		Vector:     core.Normalize(embedding),
		Metadata:   maps.Clone(metadata),
		Owner:      so.owner,
		InsertedAt: x.now().UTC(),
	}
	// An upsert keeps the original insertion time so rankings stay stable.
	existing, err := x.vectors.Get(ctx, domain, id)
	switch {
	case err == nil:
		record.InsertedAt = existing.InsertedAt
	case !errors.Is(err, core.ErrNotFound):
		x.logger.Debug("could not read existing record", "id", id, "err", err)
	}

	err = retry.Transient(ctx, func() error {
		return x.vectors.Put(ctx, record)
	})
	if err != nil {
		x.logger.Error("failed to store record", "domain", domain, "id", id, "err", err)
		return 0, err
	}
	return id, nil
}

// Search returns up to limit records of domain whose cosine similarity to
// query is at least threshold, best first. Equal scores are ordered newest
// first.
func (x *Index) Search(ctx context.Context, query core.Embedding, domain core.Domain, limit int, threshold float64, opts ...SearchOption) (results []*core.SearchResult, err error) {
	start := time.Now()
	defer func() {
		x.metrics.RecordIndexOp(ctx, "search", domain.String(), time.Since(start), err)
	}()

	if err := core.ValidateDomain(domain); err != nil {
		return nil, err
	}
	if err := core.ValidateSearch(limit, threshold); err != nil {
		return nil, err
	}
	if len(query) != x.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", core.ErrDimensionMismatch, len(query), x.dimension)
	}
	var so searchOptions
	for _, opt := range opts {
		opt(&so)
	}

	type hit struct {
		record *core.IndexRecord
		score  float64
	}
	var hits []hit
	err = retry.Transient(ctx, func() error {
		hits = hits[:0]
		return x.vectors.Scan(ctx, domain, func(record *core.IndexRecord) error {
			if record.Owner != "" && record.Owner != so.owner {
				return nil
			}
			if so.filter != nil && !so.filter(record.Metadata) {
				return nil
			}
			score := core.CosineSimilarity(query, record.Vector)
			if score < threshold {
				return nil
			}
			hits = append(hits, hit{record: record, score: score})
			return nil
		})
	})
	if err != nil {
		x.logger.Error("search scan failed", "domain", domain, "err", err)
		return nil, err
	}

	slices.SortFunc(hits, func(a, b hit) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		if c := b.record.InsertedAt.Compare(a.record.InsertedAt); c != 0 {
			return c
		}
		if a.record.ID < b.record.ID {
			return -1
		}
		if a.record.ID > b.record.ID {
			return 1
		}
		return 0
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	results = make([]*core.SearchResult, len(hits))
	for i, h := range hits {
		results[i] = toResult(h.record, h.score)
	}
	return results, nil
}

// Get returns one record.
func (x *Index) Get(ctx context.Context, domain core.Domain, id core.ID) (*core.IndexRecord, error) {
	if err := core.ValidateDomain(domain); err != nil {
		return nil, err
	}
	return x.vectors.Get(ctx, domain, id)
}

// ForEach visits every record of domain in key order.
func (x *Index) ForEach(ctx context.Context, domain core.Domain, fn func(*core.IndexRecord) error) error {
	if err := core.ValidateDomain(domain); err != nil {
		return err
	}
	return x.vectors.Scan(ctx, domain, fn)
}

// UpdateVector replaces the embedding of an existing record, keeping
// everything else.
func (x *Index) UpdateVector(ctx context.Context, domain core.Domain, id core.ID, embedding core.Embedding) error {
	if err := core.ValidateDomain(domain); err != nil {
		return err
	}
	if err := core.ValidateEmbedding(embedding, x.dimension); err != nil {
		return err
	}
	unlock := x.locks.Lock(lockKey(domain, id))
	defer unlock()

	record, err := x.vectors.Get(ctx, domain, id)
	if err != nil {
		return err
	}
	record.Vector = core.Normalize(embedding)
	return retry.Transient(ctx, func() error {
		return x.vectors.Put(ctx, record)
	})
}

// ClearDomain irrecoverably removes every record of domain.
func (x *Index) ClearDomain(ctx context.Context, domain core.Domain) error {
	if err := core.ValidateDomain(domain); err != nil {
		return err
	}
	start := time.Now()
	err := retry.Transient(ctx, func() error {
		return x.vectors.DropDomain(ctx, domain)
	})
	x.metrics.RecordIndexOp(ctx, "clear", domain.String(), time.Since(start), err)
	if err != nil {
		return err
	}
	x.logger.Info("cleared domain", "domain", domain)
	return nil
}

// ClearAllData removes every record of every domain.
func (x *Index) ClearAllData(ctx context.Context) error {
	for _, d := range core.AllDomains {
		if err := x.ClearDomain(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the records of domain with the given IDs and returns how
// many existed.
func (x *Index) Remove(ctx context.Context, domain core.Domain, ids ...core.ID) (int, error) {
	if err := core.ValidateDomain(domain); err != nil {
		return 0, err
	}
	start := time.Now()
	var n int
	err := retry.Transient(ctx, func() error {
		var err error
		n, err = x.vectors.Delete(ctx, domain, ids...)
		return err
	})
	x.metrics.RecordIndexOp(ctx, "remove", domain.String(), time.Since(start), err)
	return n, err
}

// RemoveOwned deletes the records of domain owned by owner.
func (x *Index) RemoveOwned(ctx context.Context, domain core.Domain, owner string) (int, error) {
	if err := core.ValidateDomain(domain); err != nil {
		return 0, err
	}
	if owner == "" {
		return 0, ErrOwnerRequired
	}
	var n int
	err := retry.Transient(ctx, func() error {
		var err error
		n, err = x.vectors.DeleteOwned(ctx, domain, owner)
		return err
	})
	return n, err
}

// StorageStats counts the records of each domain and reports the store size.
// It reads only keys, so repeated calls without writes return identical counts.
func (x *Index) StorageStats(ctx context.Context) (*core.StorageStats, error) {
	stats := &core.StorageStats{Records: make(map[core.Domain]int, len(core.AllDomains))}
	for _, d := range core.AllDomains {
		n, err := x.vectors.Count(ctx, d)
		if err != nil {
			return nil, err
		}
		stats.Records[d] = n
		stats.TotalRecords += n
	}
	stats.LSMBytes, stats.VLogBytes = x.vectors.Size()
	return stats, nil
}

func toResult(record *core.IndexRecord, score float64) *core.SearchResult {
	return &core.SearchResult{
		ID:             record.ID,
		Content:        record.Content,
		Embedding:      record.Vector,
		RelevanceScore: core.ClampScore(score),
		Domain:         record.Domain,
		Metadata:       record.Metadata,
		StoredAt:       record.InsertedAt,
	}
}

func lockKey(domain core.Domain, id core.ID) string {
	return domain.String() + "/" + id.String()
}

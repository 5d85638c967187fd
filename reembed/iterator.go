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

	"github.com/poiesic/regsearch/core"
)

const (
	// DefaultBatchSize is the default number of records embedded per call.
	DefaultBatchSize = 100
)

// RecordIterator walks one domain of an index in batches.
type RecordIterator struct {
	index     Index
	domain    core.Domain
	batchSize int
}

// NewRecordIterator creates a new record iterator.
// batchSize: number of records per batch; non-positive values use DefaultBatchSize
func NewRecordIterator(idx Index, domain core.Domain, batchSize int) *RecordIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &RecordIterator{
		index:     idx,
		domain:    domain,
		batchSize: batchSize,
	}
}

// Collect reads every record of the domain from one snapshot.
func (it *RecordIterator) Collect(ctx context.Context) ([]*core.IndexRecord, error) {
	var records []*core.IndexRecord
	err := it.index.ForEach(ctx, it.domain, func(r *core.IndexRecord) error {
		records = append(records, r)
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ForEach calls fn for each batch of records.
// Iteration stops on first error from fn or when all records are processed.
// Context cancellation is checked between batches.
func (it *RecordIterator) ForEach(ctx context.Context, records []*core.IndexRecord, fn func([]*core.IndexRecord) error) error {
	for i := 0; i < len(records); i += it.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(i+it.batchSize, len(records))
		if err := fn(records[i:end]); err != nil {
			return err
		}
	}
	return ctx.Err()
}

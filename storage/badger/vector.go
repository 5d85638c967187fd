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

package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/storage"
)

// VectorRepository implements storage.VectorRepository for BadgerDB.
type VectorRepository struct {
	backend *Backend
}

var _ storage.VectorRepository = (*VectorRepository)(nil)

// NewVectorRepository creates a new VectorRepository.
func NewVectorRepository(backend *Backend) (storage.VectorRepository, error) {
	if backend == nil {
		return nil, storage.ErrBackendRequired
	}
	return &VectorRepository{backend: backend}, nil
}

// Close is a no-op; the backend owns the database handle.
func (r *VectorRepository) Close() error {
	return nil
}

// Put writes a record in its own transaction so readers see all of it or none of it.
func (r *VectorRepository) Put(ctx context.Context, record *core.IndexRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !record.Domain.Valid() {
		return fmt.Errorf("%w: %s", core.ErrInvalidDomain, record.Domain)
	}
	return r.backend.Update(func(tx *badger.Txn) error {
		return tx.Set(makeVectorKey(record.Domain, record.ID), storage.MarshalIndexRecord(record))
	})
}

// Get retrieves one record from a partition.
func (r *VectorRepository) Get(ctx context.Context, domain core.Domain, id core.ID) (*core.IndexRecord, error) {
	var record *core.IndexRecord
	err := r.backend.View(func(tx *badger.Txn) error {
		item, err := tx.Get(makeVectorKey(domain, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var err error
			record, err = storage.UnmarshalIndexRecord(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Scan iterates a partition inside one read transaction.
func (r *VectorRepository) Scan(ctx context.Context, domain core.Domain, fn func(*core.IndexRecord) error) error {
	prefix := makeDomainPrefix(domain)
	return r.backend.View(func(tx *badger.Txn) error {
		return scanPrefix(tx, prefix, true, func(item *badger.Item) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var record *core.IndexRecord
			err := item.Value(func(val []byte) error {
				var err error
				record, err = storage.UnmarshalIndexRecord(val)
				return err
			})
			if err != nil {
				return err
			}
			// The prefix already isolates partitions; this guards against corrupt rows.
			if record.Domain != domain {
				r.backend.logger.Warn("record domain does not match partition",
					"partition", domain, "record", record.Domain, "id", record.ID)
				return nil
			}
			return fn(record)
		})
	})
}

// Count counts a partition with a key-only iteration.
func (r *VectorRepository) Count(ctx context.Context, domain core.Domain) (int, error) {
	count := 0
	err := r.backend.View(func(tx *badger.Txn) error {
		return scanPrefix(tx, makeDomainPrefix(domain), false, func(_ *badger.Item) error {
			count++
			return nil
		})
	})
	return count, err
}

// DropDomain removes a partition.
func (r *VectorRepository) DropDomain(ctx context.Context, domain core.Domain) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.backend.DropPrefix(makeDomainPrefix(domain))
}

// Delete removes records by ID in one transaction.
func (r *VectorRepository) Delete(ctx context.Context, domain core.Domain, ids ...core.ID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n := 0
	err := r.backend.Update(func(tx *badger.Txn) error {
		n = 0
		for _, id := range ids {
			key := makeVectorKey(domain, id)
			if _, err := tx.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
				continue
			} else if err != nil {
				return err
			}
			if err := tx.Delete(key); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteOwned removes a user's records from a partition.
func (r *VectorRepository) DeleteOwned(ctx context.Context, domain core.Domain, owner string) (int, error) {
	if owner == "" {
		return 0, errors.New("owner is required")
	}
	var keys [][]byte
	err := r.Scan(ctx, domain, func(record *core.IndexRecord) error {
		if record.Owner == owner {
			keys = append(keys, makeVectorKey(domain, record.ID))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	err = r.backend.Update(func(tx *badger.Txn) error {
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Size delegates to the backend.
func (r *VectorRepository) Size() (lsm, vlog int64) {
	return r.backend.Size()
}

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
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/storage"
)

// WorkflowRepository implements storage.WorkflowRepository for BadgerDB.
// Keys are built from hashes only; values are sealed envelopes.
type WorkflowRepository struct {
	backend *Backend
}

var _ storage.WorkflowRepository = (*WorkflowRepository)(nil)

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(backend *Backend) (storage.WorkflowRepository, error) {
	if backend == nil {
		return nil, storage.ErrBackendRequired
	}
	return &WorkflowRepository{backend: backend}, nil
}

// Close is a no-op; the backend owns the database handle.
func (r *WorkflowRepository) Close() error {
	return nil
}

func checkUserKey(userKey []byte) error {
	if len(userKey) != userKeySize {
		return fmt.Errorf("%w: user key must be %d bytes", core.ErrValidation, userKeySize)
	}
	return nil
}

// PutRecords writes records in one transaction.
func (r *WorkflowRepository) PutRecords(ctx context.Context, userKey []byte, records ...*core.EncryptedRecord) error {
	if err := checkUserKey(userKey); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.backend.Update(func(tx *badger.Txn) error {
		for _, record := range records {
			if err := tx.Set(makeWorkflowKey(userKey, record.RecordID), storage.MarshalEncryptedRecord(record)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRecords reads a user's envelopes from one snapshot.
func (r *WorkflowRepository) ListRecords(ctx context.Context, userKey []byte) ([]*core.EncryptedRecord, error) {
	if err := checkUserKey(userKey); err != nil {
		return nil, err
	}
	var records []*core.EncryptedRecord
	err := r.backend.View(func(tx *badger.Txn) error {
		return scanPrefix(tx, makeUserPrefix(workflowPrefix, userKey), true, func(item *badger.Item) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				record, err := storage.UnmarshalEncryptedRecord(val)
				if err != nil {
					return err
				}
				records = append(records, record)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteRecordsBefore removes a user's envelopes created before cutoff.
func (r *WorkflowRepository) DeleteRecordsBefore(ctx context.Context, userKey []byte, cutoff time.Time) (int, error) {
	records, err := r.ListRecords(ctx, userKey)
	if err != nil {
		return 0, err
	}
	var expired [][]byte
	for _, record := range records {
		if record.CreatedAt.Before(cutoff) {
			expired = append(expired, makeWorkflowKey(userKey, record.RecordID))
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	err = r.backend.Update(func(tx *badger.Txn) error {
		for _, key := range expired {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}

// ListUsers walks the record keys and collects distinct user hashes.
func (r *WorkflowRepository) ListUsers(ctx context.Context) ([][]byte, error) {
	var users [][]byte
	err := r.backend.View(func(tx *badger.Txn) error {
		return scanPrefix(tx, []byte(workflowPrefix), false, func(item *badger.Item) error {
			userKey, ok := userKeyFromWorkflowKey(item.Key())
			if !ok {
				return nil
			}
			// Keys are sorted, so a user's records are contiguous.
			if n := len(users); n > 0 && bytes.Equal(users[n-1], userKey) {
				return nil
			}
			users = append(users, userKey)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// DeleteUser drops every version of a user's records.
func (r *WorkflowRepository) DeleteUser(ctx context.Context, userKey []byte) error {
	if err := checkUserKey(userKey); err != nil {
		return err
	}
	return r.backend.DropPrefix(makeUserPrefix(workflowPrefix, userKey))
}

// RawEntries returns key and value bytes exactly as persisted.
func (r *WorkflowRepository) RawEntries(ctx context.Context, userKey []byte) ([][]byte, error) {
	if err := checkUserKey(userKey); err != nil {
		return nil, err
	}
	var entries [][]byte
	err := r.backend.View(func(tx *badger.Txn) error {
		return scanPrefix(tx, makeUserPrefix(workflowPrefix, userKey), true, func(item *badger.Item) error {
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, item.KeyCopy(nil), val)
			return nil
		})
	})
	return entries, err
}

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

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/storage"
)

// KeyRepository implements storage.KeyRepository for BadgerDB.
type KeyRepository struct {
	backend *Backend
}

var _ storage.KeyRepository = (*KeyRepository)(nil)

// NewKeyRepository creates a new KeyRepository.
func NewKeyRepository(backend *Backend) (storage.KeyRepository, error) {
	if backend == nil {
		return nil, storage.ErrBackendRequired
	}
	return &KeyRepository{backend: backend}, nil
}

// Close is a no-op; the backend owns the database handle.
func (r *KeyRepository) Close() error {
	return nil
}

// ListKeys returns a user's wrapped keys.
func (r *KeyRepository) ListKeys(ctx context.Context, userKey []byte) ([]*core.WrappedKey, error) {
	if err := checkUserKey(userKey); err != nil {
		return nil, err
	}
	var keys []*core.WrappedKey
	err := r.backend.View(func(tx *badger.Txn) error {
		return scanPrefix(tx, makeUserPrefix(keyringPrefix, userKey), true, func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				key, err := storage.UnmarshalWrappedKey(val)
				if err != nil {
					return err
				}
				keys = append(keys, key)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ApplyKeys writes and removes keys atomically.
func (r *KeyRepository) ApplyKeys(ctx context.Context, userKey []byte, put []*core.WrappedKey, del []string) error {
	if err := checkUserKey(userKey); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.backend.Update(func(tx *badger.Txn) error {
		for _, id := range del {
			if err := tx.Delete(makeKeyringKey(userKey, id)); err != nil {
				return err
			}
		}
		for _, key := range put {
			if err := tx.Set(makeKeyringKey(userKey, key.ID), storage.MarshalWrappedKey(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteUserKeys drops every version of a user's keys.
func (r *KeyRepository) DeleteUserKeys(ctx context.Context, userKey []byte) error {
	if err := checkUserKey(userKey); err != nil {
		return err
	}
	return r.backend.DropPrefix(makeUserPrefix(keyringPrefix, userKey))
}

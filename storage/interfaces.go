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

package storage

import (
	"context"
	"time"

	"github.com/poiesic/regsearch/core"
)

// Repository provides common storage operations shared across all repositories.
// Implementations must be thread-safe and support concurrent access.
type Repository interface {
	// Close releases repository resources. It does not close the backend.
	Close() error
}

// VectorRepository persists index records, one partition per domain.
type VectorRepository interface {
	Repository

	// Put writes a record atomically. An existing record with the same
	// domain and ID is replaced.
	Put(ctx context.Context, record *core.IndexRecord) error

	// Get retrieves one record. Returns ErrNotFound if absent.
	Get(ctx context.Context, domain core.Domain, id core.ID) (*core.IndexRecord, error)

	// Scan calls fn for every record in the domain partition, in key order,
	// against a consistent snapshot. Returning an error from fn stops the scan.
	Scan(ctx context.Context, domain core.Domain, fn func(*core.IndexRecord) error) error

	// Count returns the number of records in a partition.
	Count(ctx context.Context, domain core.Domain) (int, error)

	// DropDomain irrecoverably removes every record of a partition.
	DropDomain(ctx context.Context, domain core.Domain) error

	// Delete removes the given records of a partition and returns how many
	// existed. Missing IDs are ignored.
	Delete(ctx context.Context, domain core.Domain, ids ...core.ID) (int, error)

	// DeleteOwned removes the records of a partition owned by owner and
	// returns how many were removed.
	DeleteOwned(ctx context.Context, domain core.Domain, owner string) (int, error)

	// Size reports the on-disk footprint of the backing store.
	Size() (lsm, vlog int64)
}

// WorkflowRepository persists encrypted workflow records grouped by user.
// userKey is always a hash of the user identifier.
type WorkflowRepository interface {
	Repository

	// PutRecords writes all records in one transaction.
	PutRecords(ctx context.Context, userKey []byte, records ...*core.EncryptedRecord) error

	// ListRecords returns a user's records from a consistent snapshot.
	ListRecords(ctx context.Context, userKey []byte) ([]*core.EncryptedRecord, error)

	// DeleteRecordsBefore removes a user's records created before cutoff.
	DeleteRecordsBefore(ctx context.Context, userKey []byte, cutoff time.Time) (int, error)

	// ListUsers returns the key of every user with at least one record.
	ListUsers(ctx context.Context) ([][]byte, error)

	// DeleteUser irrecoverably removes every record of a user.
	DeleteUser(ctx context.Context, userKey []byte) error

	// RawEntries returns the persisted key and value bytes of a user's records.
	RawEntries(ctx context.Context, userKey []byte) ([][]byte, error)
}

// KeyRepository persists wrapped per-user encryption keys.
type KeyRepository interface {
	Repository

	// ListKeys returns every key stored for a user.
	ListKeys(ctx context.Context, userKey []byte) ([]*core.WrappedKey, error)

	// ApplyKeys writes put and removes the key IDs in del in one transaction.
	ApplyKeys(ctx context.Context, userKey []byte, put []*core.WrappedKey, del []string) error

	// DeleteUserKeys irrecoverably removes every key of a user.
	DeleteUserKeys(ctx context.Context, userKey []byte) error
}

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
	"testing"
	"time"

	"github.com/poiesic/regsearch/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowRepository_Lifecycle(t *testing.T) {
	repos, err := NewMemoryRepositories()
	require.NoError(t, err)
	defer repos.Close()
	ctx := context.Background()

	alice := core.HashKey("user:alice")
	bob := core.HashKey("user:bob")
	old := time.Now().Add(-48 * time.Hour).UTC()
	now := time.Now().UTC()

	require.NoError(t, repos.Workflow.PutRecords(ctx, alice,
		&core.EncryptedRecord{RecordID: 1, KeyID: "k", Nonce: []byte{1}, Ciphertext: []byte{2}, CreatedAt: old},
		&core.EncryptedRecord{RecordID: 2, KeyID: "k", Nonce: []byte{1}, Ciphertext: []byte{3}, CreatedAt: now},
	))
	require.NoError(t, repos.Workflow.PutRecords(ctx, bob,
		&core.EncryptedRecord{RecordID: 1, KeyID: "k", Nonce: []byte{1}, Ciphertext: []byte{4}, CreatedAt: now},
	))

	records, err := repos.Workflow.ListRecords(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	users, err := repos.Workflow.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	removed, err := repos.Workflow.DeleteRecordsBefore(ctx, alice, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, repos.Workflow.DeleteUser(ctx, alice))
	records, err = repos.Workflow.ListRecords(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = repos.Workflow.ListRecords(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestWorkflowRepository_RejectsBadUserKey(t *testing.T) {
	repos, err := NewMemoryRepositories()
	require.NoError(t, err)
	defer repos.Close()

	_, err = repos.Workflow.ListRecords(context.Background(), []byte("alice"))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestKeyRepository_ApplyKeys(t *testing.T) {
	repos, err := NewMemoryRepositories()
	require.NoError(t, err)
	defer repos.Close()
	ctx := context.Background()

	user := core.HashKey("user:carol")
	k1 := &core.WrappedKey{ID: "k1", State: core.KeyStateActive, Nonce: []byte{1}, Ciphertext: []byte{1}}
	k2 := &core.WrappedKey{ID: "k2", State: core.KeyStatePending, Nonce: []byte{2}, Ciphertext: []byte{2}}
	require.NoError(t, repos.Keys.ApplyKeys(ctx, user, []*core.WrappedKey{k1, k2}, nil))

	keys, err := repos.Keys.ListKeys(ctx, user)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	k2.State = core.KeyStateActive
	require.NoError(t, repos.Keys.ApplyKeys(ctx, user, []*core.WrappedKey{k2}, []string{"k1"}))
	keys, err = repos.Keys.ListKeys(ctx, user)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "k2", keys[0].ID)
	assert.Equal(t, core.KeyStateActive, keys[0].State)

	require.NoError(t, repos.Keys.DeleteUserKeys(ctx, user))
	keys, err = repos.Keys.ListKeys(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

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

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/regsearch/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackend_InMemory(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
}

func TestOpenBackend_FileSystem(t *testing.T) {
	tmpDir := t.TempDir()
	backend, err := OpenBackend(tmpDir, false)
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
}

func TestBackendClose(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)

	require.NoError(t, backend.Close())
	assert.True(t, backend.IsClosed())

	err = backend.View(func(_ *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, core.ErrStorageIO)
}

func TestRepositoriesRequireBackend(t *testing.T) {
	_, err := NewVectorRepository(nil)
	assert.Error(t, err)
	_, err = NewWorkflowRepository(nil)
	assert.Error(t, err)
	_, err = NewKeyRepository(nil)
	assert.Error(t, err)
}

func TestRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	backend, err := OpenBackend(dir, false)
	require.NoError(t, err)
	repo, err := NewVectorRepository(backend)
	require.NoError(t, err)
	record := &core.IndexRecord{
		ID:         core.IDFromContent("persisted"),
		Domain:     core.DomainRegulations,
		Content:    "persisted",
		Vector:     core.Normalize([]float32{1, 2, 3}),
		InsertedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Put(ctx, record))
	require.NoError(t, backend.Close())

	backend, err = OpenBackend(dir, false)
	require.NoError(t, err)
	defer backend.Close()
	repo, err = NewVectorRepository(backend)
	require.NoError(t, err)
	got, err := repo.Get(ctx, core.DomainRegulations, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Content)
}

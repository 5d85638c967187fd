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

import "github.com/poiesic/regsearch/storage"

// MemoryRepositories bundles in-memory repositories sharing one backend.
type MemoryRepositories struct {
	Backend  *Backend
	Vectors  storage.VectorRepository
	Workflow storage.WorkflowRepository
	Keys     storage.KeyRepository
}

// Close closes the shared backend.
func (m *MemoryRepositories) Close() error {
	return m.Backend.Close()
}

// NewMemoryRepositories creates in-memory repositories for testing.
// Caller must Close the result when done.
func NewMemoryRepositories() (*MemoryRepositories, error) {
	backend, err := NewMemoryBackend()
	if err != nil {
		return nil, err
	}
	vectors, _ := NewVectorRepository(backend)
	workflow, _ := NewWorkflowRepository(backend)
	keys, _ := NewKeyRepository(backend)
	return &MemoryRepositories{
		Backend:  backend,
		Vectors:  vectors,
		Workflow: workflow,
		Keys:     keys,
	}, nil
}

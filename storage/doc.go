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

// Package storage provides the storage abstraction layer for regsearch.
//
// This package defines repository interfaces that decouple the index, the
// workflow tracker and the key manager from the concrete engine. The badger
// subpackage is the only implementation; it keeps each domain partition and
// each user's encrypted history under its own key prefix.
//
// # Constructor Return Type Pattern
//
// Public constructors return interfaces:
//
//	repo, err := badger.NewVectorRepository(backend)  // returns storage.VectorRepository
//
// Internal constructors may return concrete types since they are only used
// within the implementation package.
//
// # Serialization
//
// Records are encoded with mus-go primitives (see serialization.go). Maps are
// written in sorted key order so equal records always produce equal bytes.
package storage

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

// Package index implements the semantic index: a vector store split into
// one partition per core.Domain.
//
// Each partition is a separate key prefix in the backing store, so a search
// only ever iterates the records of the domain it was asked about. Searches
// are a brute-force cosine scan over the partition inside a read-only
// snapshot; writes are single-record transactions serialized per
// domain and record ID.
//
// # Usage
//
//	idx, err := index.New(vectors, index.WithDimension(768))
//	id, err := idx.Store(ctx, text, vec, map[string]string{"regulationNumber": "FAR 52.227-1"}, core.DomainRegulations)
//	hits, err := idx.Search(ctx, vec, core.DomainRegulations, 10, 0.99)
//
// Entries in the userHistory partition can be owned by a user (WithOwner).
// Owned entries are only visible to searches scoped to that owner
// (WithOwnerScope).
package index

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

// Package search answers queries across the regulations and user history
// partitions.
//
// The Service routes each query with a lexicon classifier, embeds it once and
// searches the chosen domains in parallel. Results are merged with:
//   - near-duplicate removal within a domain
//   - a diversity floor so a relevant minority domain keeps its share
//   - a cap on off-topic domains when routing is confident
//
// PerformOptimizedSearch additionally reranks by the user's recent queries,
// document types, preferences and detected workflow patterns.
package search

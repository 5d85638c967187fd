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

// Package ai provides abstractions for the embedding model used by regsearch.
//
// The model is an external collaborator: it turns text into a fixed-width
// normalized vector, tagged by the domain the text belongs to. Everything in
// this module reaches it through the Embedder interface.
//
// # Implementation Packages
//
//   - ai/openai: Production implementation using OpenAI-compatible APIs
//   - ai/mock: Test doubles for unit testing without external dependencies
//
// # Gateway
//
// Gateway wraps any Embedder with the resource limits the services rely on:
// a bounded worker pool (ants) so at most MaxInFlight calls run at once, a
// per-call timeout, a rate limiter and a circuit breaker. Failures come back
// as core.ErrEmbeddingFailed, core.ErrEmbeddingTimeout or core.ErrProviderOpen.
//
//	gw, err := ai.NewGateway(provider.Embedder(), cfg)
//	defer gw.Release()
//	vec, err := gw.EmbedText(ctx, "text", core.DomainRegulations)
//
// # Constructor Return Type Pattern
//
// Public constructors (openai.NewProvider, openai.NewEmbedder) return
// interface types. Test utility constructors (mock.NewMockEmbedder) return
// concrete types so tests can inject behavior and assert on call counts.
package ai

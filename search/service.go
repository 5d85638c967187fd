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

package search

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/index"
	"github.com/poiesic/regsearch/telemetry"
)

// Index is the vector search the service fans out to. *index.Index implements it.
type Index interface {
	Search(ctx context.Context, query core.Embedding, domain core.Domain, limit int, threshold float64, opts ...index.SearchOption) ([]*core.SearchResult, error)
}

// PatternSource supplies a user's detected workflow patterns.
// *workflow.Tracker implements it.
type PatternSource interface {
	AnalyzeWorkflowPatterns(ctx context.Context, userID string) (*core.PatternAnalysis, error)
}

// Service searches regulations and user history together.
type Service struct {
	index     Index
	embedder  ai.Embedder
	router    *Router
	patterns  PatternSource
	contexts  sync.Map // user key -> *userState
	minScore  float64
	floor     float64
	weight    float64
	diversity float64
	overfetch int
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(idx Index, embedder ai.Embedder, opts ...Option) (*Service, error) {
	if idx == nil {
		return nil, ErrIndexRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	s := &Service{
		index:     idx,
		embedder:  embedder,
		router:    NewRouter(),
		minScore:  DefaultMinScore,
		floor:     DefaultRelevanceFloor,
		weight:    DefaultPersonalizeWeight,
		diversity: DefaultDiversityShare,
		overfetch: DefaultOverfetch,
		metrics:   telemetry.Noop(),
		logger:    slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "search")
	return s, nil
}

func newCall(opts []CallOption) *call {
	c := &call{monitor: &noopMonitor{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AnalyzeQueryRouting classifies query by domain.
func (s *Service) AnalyzeQueryRouting(query string) (core.RoutingDecision, error) {
	return s.router.AnalyzeQueryRouting(query)
}

// PerformUnifiedSearch embeds query once and searches every requested domain
// in parallel. A nil domains slice searches the routed domains. If some
// domains fail the response carries the others' results and is flagged
// Degraded; if all fail the first error is returned.
func (s *Service) PerformUnifiedSearch(ctx context.Context, query string, domains []core.Domain, limit int, opts ...CallOption) (resp *core.SearchResponse, err error) {
	start := time.Now()
	c := newCall(opts)
	defer func() {
		s.metrics.RecordSearch(ctx, "unified", time.Since(start), resp != nil && resp.Degraded)
	}()

	if limit <= 0 {
		return nil, core.ErrInvalidLimit
	}
	c.monitor.Start(query)
	decision, err := s.router.AnalyzeQueryRouting(query)
	if err != nil {
		return nil, err
	}
	c.monitor.AfterRouting(decision)

	targets, err := targetDomains(domains, decision)
	if err != nil {
		return nil, err
	}
	resp, err = s.unified(ctx, query, targets, decision, limit, c)
	if err != nil {
		return nil, err
	}
	c.monitor.Finish(resp)
	return resp, nil
}

func targetDomains(domains []core.Domain, decision core.RoutingDecision) ([]core.Domain, error) {
	if domains == nil {
		return slices.Clone(decision.Domains), nil
	}
	var out []core.Domain
	for _, d := range domains {
		if err := core.ValidateDomain(d); err != nil {
			return nil, err
		}
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no domains requested", core.ErrInvalidDomain)
	}
	return out, nil
}

type domainHits struct {
	domain  core.Domain
	results []*core.SearchResult
	err     error
}

func (s *Service) fanOut(ctx context.Context, query core.Embedding, domains []core.Domain, fetch int, userID string) []domainHits {
	hits := make([]domainHits, len(domains))
	var opts []index.SearchOption
	if userID != "" {
		opts = append(opts, index.WithOwnerScope(core.UserKey(userID)))
	}

	var g errgroup.Group
	for i, d := range domains {
		g.Go(func() error {
			results, err := s.index.Search(ctx, query, d, fetch, s.minScore, opts...)
			hits[i] = domainHits{domain: d, results: results, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return hits
}

func (s *Service) unified(ctx context.Context, query string, domains []core.Domain, decision core.RoutingDecision, limit int, c *call) (*core.SearchResponse, error) {
	emb, err := s.embedder.EmbedText(ctx, query, domains[0])
	if err != nil {
		return nil, err
	}

	hits := s.fanOut(ctx, emb, domains, limit*s.overfetch, c.userID)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp := &core.SearchResponse{Routing: decision}
	lists := make(map[core.Domain][]*core.SearchResult, len(hits))
	var firstErr error
	for _, h := range hits {
		c.monitor.AfterDomainSearch(h.domain, len(h.results), h.err)
		if h.err != nil {
			s.logger.Warn("domain search failed", "domain", h.domain, "error", h.err)
			resp.FailedDomains = append(resp.FailedDomains, h.domain)
			if firstErr == nil {
				firstErr = h.err
			}
			continue
		}
		lists[h.domain] = dedupe(h.results)
	}
	if len(resp.FailedDomains) == len(domains) {
		return nil, fmt.Errorf("search failed in every domain: %w", firstErr)
	}
	resp.Degraded = len(resp.FailedDomains) > 0
	resp.Results = s.balance(lists, decision, limit)
	c.monitor.AfterMerge(resp.Results)
	return resp, nil
}

// dedupe drops results whose text nearly repeats a higher-scored result.
// results must be ordered by score.
func dedupe(results []*core.SearchResult) []*core.SearchResult {
	kept := make([]*core.SearchResult, 0, len(results))
	sets := make([]map[string]bool, 0, len(results))
	for _, r := range results {
		set := tokenSet(r.Content)
		duplicate := slices.ContainsFunc(sets, func(other map[string]bool) bool {
			return jaccard(set, other) >= DefaultDuplicateSimilarity
		})
		if !duplicate {
			kept = append(kept, r)
			sets = append(sets, set)
		}
	}
	return kept
}

func byScore(a, b *core.SearchResult) int {
	if c := cmp.Compare(b.RelevanceScore, a.RelevanceScore); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Domain, b.Domain); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// share returns ceil(p*n) without float noise pushing exact products up.
func share(p float64, n int) int {
	return int(math.Ceil(p*float64(n) - 1e-9))
}

type quota struct{ min, max int }

// balance merges per-domain lists into at most n results. When routing is
// confident about a single domain the others stay under the diversity share;
// otherwise every domain with hits gets at least that share.
func (s *Service) balance(lists map[core.Domain][]*core.SearchResult, decision core.RoutingDecision, n int) []*core.SearchResult {
	var all []*core.SearchResult
	var present []core.Domain
	for _, d := range core.AllDomains {
		if len(lists[d]) > 0 {
			present = append(present, d)
			all = append(all, lists[d]...)
		}
	}
	slices.SortFunc(all, byScore)
	total := min(n, len(all))
	if len(present) < 2 {
		return all[:total]
	}

	quotas := make(map[core.Domain]quota, len(present))
	confident := decision.Confidence > DefaultConfidentRouting && len(decision.Domains) == 1
	for _, d := range present {
		q := quota{max: total}
		switch {
		case confident && d != decision.Domains[0]:
			q.max = max(0, share(s.diversity, total)-1)
		case !confident:
			q.min = min(share(s.diversity, total), len(lists[d]))
		}
		quotas[d] = q
	}

	// Reserve minimums, best domain first, then fill by score within maximums.
	slices.SortFunc(present, func(a, b core.Domain) int {
		return byScore(lists[a][0], lists[b][0])
	})
	picked := make(map[*core.SearchResult]bool, total)
	counts := make(map[core.Domain]int, len(present))
	out := make([]*core.SearchResult, 0, total)
	for _, d := range present {
		for _, r := range lists[d][:min(quotas[d].min, total-len(out))] {
			picked[r] = true
			counts[d]++
			out = append(out, r)
		}
	}
	for _, r := range all {
		if len(out) == total {
			break
		}
		if picked[r] || counts[r.Domain] >= quotas[r.Domain].max {
			continue
		}
		picked[r] = true
		counts[r.Domain]++
		out = append(out, r)
	}
	slices.SortFunc(out, byScore)
	return out
}

package search

import "github.com/poiesic/regsearch/core"

// SearchMonitor provides hooks to observe the search process.
// Implement this interface to trace routing, per-domain hits and reranking.
type SearchMonitor interface {
	Start(query string)
	AfterRouting(decision core.RoutingDecision)
	AfterDomainSearch(domain core.Domain, hits int, err error)
	AfterMerge(results []*core.SearchResult)
	Personalized(result *core.SearchResult, base, affinity float64)
	Finish(response *core.SearchResponse)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string)                                  {}
func (n *noopMonitor) AfterRouting(_ core.RoutingDecision)             {}
func (n *noopMonitor) AfterDomainSearch(_ core.Domain, _ int, _ error) {}
func (n *noopMonitor) AfterMerge(_ []*core.SearchResult)               {}
func (n *noopMonitor) Personalized(_ *core.SearchResult, _, _ float64) {}
func (n *noopMonitor) Finish(_ *core.SearchResponse)                   {}

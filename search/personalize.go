package search

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/poiesic/regsearch/core"
)

// Affinity component weights; they sum to 1.
const (
	weightDocType = 0.35
	weightRecent  = 0.25
	weightPrefs   = 0.15
	weightPattern = 0.25
)

type userState struct {
	mu        sync.Mutex
	recent    []string
	docTypes  []string
	prefs     map[string]string
	prefOrder []string
}

// pushBounded appends v to list, moving an existing copy to the end, and
// keeps at most limit of the newest entries.
func pushBounded(list []string, v string, limit int) []string {
	if i := slices.Index(list, v); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	list = append(list, v)
	if len(list) > limit {
		list = slices.Delete(list, 0, len(list)-limit)
	}
	return list
}

func (st *userState) merge(update *core.UserSearchContext) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, q := range update.RecentQueries {
		if q = normalizeQuery(q); q != "" {
			st.recent = pushBounded(st.recent, q, MaxRecentQueries)
		}
	}
	for _, dt := range update.DocumentTypeHistory {
		if dt = strings.TrimSpace(dt); dt != "" {
			st.docTypes = pushBounded(st.docTypes, dt, MaxDocumentTypes)
		}
	}
	keys := make([]string, 0, len(update.Preferences))
	for k := range update.Preferences {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		st.prefs[k] = update.Preferences[k]
		st.prefOrder = pushBounded(st.prefOrder, k, math.MaxInt)
	}
	for len(st.prefOrder) > MaxPreferences {
		delete(st.prefs, st.prefOrder[0])
		st.prefOrder = st.prefOrder[1:]
	}
}

func (st *userState) snapshot(userID string) *core.UserSearchContext {
	st.mu.Lock()
	defer st.mu.Unlock()
	prefs := make(map[string]string, len(st.prefs))
	for k, v := range st.prefs {
		prefs[k] = v
	}
	return &core.UserSearchContext{
		UserID:              userID,
		RecentQueries:       slices.Clone(st.recent),
		DocumentTypeHistory: slices.Clone(st.docTypes),
		Preferences:         prefs,
	}
}

func (s *Service) state(userID string) *userState {
	v, _ := s.contexts.LoadOrStore(core.UserKey(userID), &userState{prefs: map[string]string{}})
	return v.(*userState)
}

// UpdateUserContext merges update into the stored context of its user and
// returns the result. Recent queries, document types and preferences are each
// bounded; the oldest entries are dropped first.
func (s *Service) UpdateUserContext(_ context.Context, update *core.UserSearchContext) (*core.UserSearchContext, error) {
	if update == nil {
		return nil, fmt.Errorf("%w: user context is nil", core.ErrValidation)
	}
	if strings.TrimSpace(update.UserID) == "" {
		return nil, core.ErrEmptyUserID
	}
	st := s.state(update.UserID)
	st.merge(update)
	return st.snapshot(update.UserID), nil
}

// UserContext returns the stored context of userID, or nil if none exists.
func (s *Service) UserContext(userID string) *core.UserSearchContext {
	v, ok := s.contexts.Load(core.UserKey(userID))
	if !ok {
		return nil
	}
	return v.(*userState).snapshot(userID)
}

// ForgetUser drops the stored context of userID.
func (s *Service) ForgetUser(userID string) {
	s.contexts.Delete(core.UserKey(userID))
}

// affinity scores how closely a result matches what a user works on.
type affinity struct {
	docTypes map[string]float64 // compacted document type -> weight in [0, 1]
	patterns map[string]float64 // compacted document type -> pattern confidence
	recent   []string
	prefs    map[string]string
}

func docTypeKey(docType string) string {
	return strings.Join(compactTokens(docType), "")
}

func raise(m map[string]float64, key string, v float64) {
	if key != "" && v > m[key] {
		m[key] = v
	}
}

func newAffinity(profile *core.UserSearchContext, analysis *core.PatternAnalysis) *affinity {
	a := &affinity{
		docTypes: map[string]float64{},
		patterns: map[string]float64{},
		recent:   profile.RecentQueries,
		prefs:    profile.Preferences,
	}
	// History is deduplicated and ordered oldest first, so weight by recency:
	// the newest type scores 1 and older ones fall off linearly.
	n := len(profile.DocumentTypeHistory)
	for i, dt := range profile.DocumentTypeHistory {
		raise(a.docTypes, docTypeKey(dt), float64(i+1)/float64(n))
	}
	if analysis == nil {
		return a
	}
	var best float64
	for _, v := range analysis.DocumentTypeAffinity {
		best = max(best, v)
	}
	for dt, v := range analysis.DocumentTypeAffinity {
		raise(a.docTypes, docTypeKey(dt), v/best)
	}
	for _, p := range analysis.Patterns {
		for _, dt := range p.DocumentTypes {
			raise(a.patterns, docTypeKey(dt), p.Confidence)
		}
	}
	return a
}

func bestMention(tokens []string, weights map[string]float64) float64 {
	var best float64
	for key, w := range weights {
		if w > best && mentions(tokens, key) {
			best = w
		}
	}
	return best
}

func (a *affinity) score(r *core.SearchResult) float64 {
	text := r.Content + " " + r.Metadata[core.MetaTitle] + " " + r.Metadata[core.MetaDocumentType]
	tokens := compactTokens(text)

	var recent float64
	words := tokenSet(text)
	for _, q := range a.recent {
		recent = max(recent, coverage(words, q))
	}

	var prefs float64
	if len(a.prefs) > 0 {
		matched := 0
		for k, v := range a.prefs {
			if strings.EqualFold(r.Metadata[k], v) {
				matched++
			}
		}
		prefs = float64(matched) / float64(len(a.prefs))
	}

	return weightDocType*bestMention(tokens, a.docTypes) +
		weightRecent*recent +
		weightPrefs*prefs +
		weightPattern*bestMention(tokens, a.patterns)
}

// PerformOptimizedSearch runs a unified search for the user and reranks it by
// personal affinity. Final scores are min(1, base*(1+w*affinity)); results
// below the relevance floor are dropped and the rest are ordered by final
// score. The query is then added to the user's recent queries.
func (s *Service) PerformOptimizedSearch(ctx context.Context, query string, userCtx *core.UserSearchContext, limit int, opts ...CallOption) (resp *core.SearchResponse, err error) {
	start := time.Now()
	c := newCall(opts)
	defer func() {
		s.metrics.RecordSearch(ctx, "optimized", time.Since(start), resp != nil && resp.Degraded)
	}()

	if userCtx == nil || strings.TrimSpace(userCtx.UserID) == "" {
		return nil, core.ErrEmptyUserID
	}
	if limit <= 0 {
		return nil, core.ErrInvalidLimit
	}
	c.userID = userCtx.UserID
	c.monitor.Start(query)

	profile, err := s.UpdateUserContext(ctx, userCtx)
	if err != nil {
		return nil, err
	}
	decision, err := s.router.AnalyzeQueryRouting(query)
	if err != nil {
		return nil, err
	}
	c.monitor.AfterRouting(decision)

	resp, err = s.unified(ctx, query, decision.Domains, decision, limit*s.overfetch, c)
	if err != nil {
		return nil, err
	}

	aff := newAffinity(profile, s.analysis(ctx, userCtx.UserID))
	type scored struct {
		result      *core.SearchResult
		base, final float64
	}
	ranked := make([]scored, 0, len(resp.Results))
	for _, r := range resp.Results {
		a := aff.score(r)
		final := math.Min(1, r.RelevanceScore*(1+s.weight*a))
		c.monitor.Personalized(r, r.RelevanceScore, a)
		if final < s.floor {
			continue
		}
		ranked = append(ranked, scored{result: r, base: r.RelevanceScore, final: final})
	}
	slices.SortFunc(ranked, func(x, y scored) int {
		if d := cmp.Compare(y.final, x.final); d != 0 {
			return d
		}
		if d := cmp.Compare(y.base, x.base); d != 0 {
			return d
		}
		return cmp.Compare(x.result.ID, y.result.ID)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	resp.Results = make([]*core.SearchResult, len(ranked))
	for i, sc := range ranked {
		sc.result.RelevanceScore = sc.final
		resp.Results[i] = sc.result
	}

	s.state(userCtx.UserID).merge(&core.UserSearchContext{RecentQueries: []string{query}})
	c.monitor.Finish(resp)
	return resp, nil
}

// analysis fetches patterns; personalization degrades to context signals on failure.
func (s *Service) analysis(ctx context.Context, userID string) *core.PatternAnalysis {
	if s.patterns == nil {
		return nil
	}
	a, err := s.patterns.AnalyzeWorkflowPatterns(ctx, userID)
	if err != nil {
		s.logger.Warn("workflow patterns unavailable", "error", err)
		return nil
	}
	return a
}

package workflow

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/poiesic/regsearch/core"
)

const (
	minSequenceLength   = 2
	maxSequenceLength   = 4
	minPatternFrequency = 3
	saturationScale     = 5.0
	maxEvidence         = 50
	minAffinityShare    = 0.25
	minTemporalShare    = 0.5

	weightPredictability = 0.6
	weightSaturation     = 0.25
	weightTiming         = 0.15
)

// saturation grows toward 1 as a pattern is seen more often.
func saturation(n int) float64 {
	return 1 - math.Exp(-float64(n)/saturationScale)
}

type gram struct {
	key    string
	sigs   []string
	starts []int
}

func (g *gram) contains(other *gram) bool {
	if len(other.sigs) >= len(g.sigs) {
		return false
	}
	for i := 0; i+len(other.sigs) <= len(g.sigs); i++ {
		if slices.Equal(g.sigs[i:i+len(other.sigs)], other.sigs) {
			return true
		}
	}
	return false
}

func (g *gram) rotationOf(other *gram) bool {
	if len(g.sigs) != len(other.sigs) || g.key == other.key {
		return false
	}
	doubled := append(slices.Clone(other.sigs), other.sigs...)
	for i := range other.sigs {
		if slices.Equal(doubled[i:i+len(g.sigs)], g.sigs) {
			return true
		}
	}
	return false
}

// analyze mines steps, which must be ordered by timestamp.
func analyze(userID string, steps []*core.WorkflowStep, loc *time.Location, now time.Time) *core.PatternAnalysis {
	analysis := &core.PatternAnalysis{
		UserID:               userID,
		StepCount:            len(steps),
		DocumentTypeAffinity: map[string]float64{},
		AnalyzedAt:           now,
	}
	if len(steps) == 0 {
		return analysis
	}

	analysis.Patterns = append(analysis.Patterns, sequencePatterns(steps)...)
	affinity, docPatterns := documentTypePatterns(steps)
	analysis.DocumentTypeAffinity = affinity
	analysis.Patterns = append(analysis.Patterns, docPatterns...)
	analysis.Patterns = append(analysis.Patterns, temporalPatterns(steps, loc)...)

	slices.SortStableFunc(analysis.Patterns, func(a, b *core.DetectedPattern) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Frequency, a.Frequency); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return analysis
}

func sequencePatterns(steps []*core.WorkflowStep) []*core.DetectedPattern {
	sigs := make([]string, len(steps))
	for i, s := range steps {
		sigs[i] = s.Signature()
	}

	var candidates []*gram
	for n := minSequenceLength; n <= maxSequenceLength; n++ {
		grams := map[string]*gram{}
		var order []string
		for i := 0; i+n <= len(sigs); i++ {
			window := sigs[i : i+n]
			// A window that starts and ends on the same signature is a wrap of a shorter cycle.
			if window[0] == window[n-1] {
				continue
			}
			key := strings.Join(window, "\x00")
			g, ok := grams[key]
			if !ok {
				g = &gram{key: key, sigs: window}
				grams[key] = g
				order = append(order, key)
			}
			g.starts = append(g.starts, i)
		}
		for _, key := range order {
			if g := grams[key]; len(g.starts) >= minPatternFrequency {
				candidates = append(candidates, g)
			}
		}
	}

	var maximal []*gram
	for _, g := range candidates {
		subsumed := slices.ContainsFunc(candidates, func(h *gram) bool {
			return h.contains(g) && len(h.starts) >= len(g.starts)
		})
		if !subsumed {
			maximal = append(maximal, g)
		}
	}

	var patterns []*core.DetectedPattern
	for _, g := range maximal {
		dominated := slices.ContainsFunc(maximal, func(h *gram) bool {
			if !g.rotationOf(h) {
				return false
			}
			return len(h.starts) > len(g.starts) || (len(h.starts) == len(g.starts) && h.key < g.key)
		})
		if !dominated {
			patterns = append(patterns, sequencePattern(g, steps, sigs))
		}
	}
	return patterns
}

func sequencePattern(g *gram, steps []*core.WorkflowStep, sigs []string) *core.DetectedPattern {
	n := len(g.sigs)
	opportunities := 0
	for i := 0; i+n <= len(sigs); i++ {
		if sigs[i] == g.sigs[0] {
			opportunities++
		}
	}
	predictability := float64(len(g.starts)) / float64(opportunities)

	var gaps []float64
	seen := map[string]bool{}
	var evidence []string
	for _, start := range g.starts {
		for j := start; j < start+n; j++ {
			if j > start {
				gaps = append(gaps, steps[j].Timestamp.Sub(steps[j-1].Timestamp).Seconds())
			}
			if id := steps[j].StepID; !seen[id] && len(evidence) < maxEvidence {
				seen[id] = true
				evidence = append(evidence, id)
			}
		}
	}

	var docTypes []string
	for j := g.starts[0]; j < g.starts[0]+n; j++ {
		if !slices.Contains(docTypes, steps[j].DocumentType) {
			docTypes = append(docTypes, steps[j].DocumentType)
		}
	}

	confidence := weightPredictability*predictability +
		weightSaturation*saturation(len(g.starts)) +
		weightTiming/(1+variation(gaps))

	names := make([]string, n)
	for j := range names {
		names[j] = steps[g.starts[0]+j].DocumentType
	}
	return &core.DetectedPattern{
		Name:          "sequence: " + strings.Join(names, " > "),
		Description:   fmt.Sprintf("%d-step sequence repeated %d times", n, len(g.starts)),
		Kind:          core.PatternSequence,
		Frequency:     len(g.starts),
		Confidence:    math.Min(1, confidence),
		Evidence:      evidence,
		Sequence:      slices.Clone(g.sigs),
		DocumentTypes: docTypes,
	}
}

// variation is the coefficient of variation of xs, zero when undefined.
func variation(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if mean <= 0 {
		return 0
	}
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return math.Sqrt(sq/float64(len(xs))) / mean
}

func documentTypePatterns(steps []*core.WorkflowStep) (map[string]float64, []*core.DetectedPattern) {
	byType := map[string][]string{}
	for _, s := range steps {
		byType[s.DocumentType] = append(byType[s.DocumentType], s.StepID)
	}
	affinity := make(map[string]float64, len(byType))
	var patterns []*core.DetectedPattern
	for _, docType := range sortedKeys(byType) {
		ids := byType[docType]
		share := float64(len(ids)) / float64(len(steps))
		affinity[docType] = share
		if share < minAffinityShare || len(ids) < minPatternFrequency {
			continue
		}
		patterns = append(patterns, &core.DetectedPattern{
			Name:          "documentType: " + docType,
			Description:   fmt.Sprintf("%.0f%% of steps work on %s", share*100, docType),
			Kind:          core.PatternDocumentType,
			Frequency:     len(ids),
			Confidence:    share * saturation(len(ids)),
			Evidence:      distinct(ids),
			DocumentTypes: []string{docType},
		})
	}
	return affinity, patterns
}

func temporalPatterns(steps []*core.WorkflowStep, loc *time.Location) []*core.DetectedPattern {
	var patterns []*core.DetectedPattern
	if p := temporalPattern("", steps, loc); p != nil {
		patterns = append(patterns, p)
	}
	byType := map[string][]*core.WorkflowStep{}
	for _, s := range steps {
		byType[s.DocumentType] = append(byType[s.DocumentType], s)
	}
	for _, docType := range sortedKeys(byType) {
		if p := temporalPattern(docType, byType[docType], loc); p != nil {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// temporalPattern reports the dominant time-of-day bucket of steps, if any.
func temporalPattern(docType string, steps []*core.WorkflowStep, loc *time.Location) *core.DetectedPattern {
	if len(steps) < minPatternFrequency {
		return nil
	}
	buckets := map[core.TimeBucket][]string{}
	for _, s := range steps {
		b := core.BucketForHour(s.Timestamp.In(loc).Hour())
		buckets[b] = append(buckets[b], s.StepID)
	}
	var best core.TimeBucket
	for _, b := range []core.TimeBucket{core.BucketNight, core.BucketMorning, core.BucketAfternoon, core.BucketEvening} {
		if len(buckets[b]) > len(buckets[best]) {
			best = b
		}
	}
	share := float64(len(buckets[best])) / float64(len(steps))
	if share < minTemporalShare {
		return nil
	}
	p := &core.DetectedPattern{
		Kind:           core.PatternTemporal,
		Frequency:      len(buckets[best]),
		Confidence:     share * saturation(len(buckets[best])),
		Evidence:       distinct(buckets[best]),
		TemporalBucket: best,
	}
	if docType == "" {
		p.Name = "temporal: " + string(best)
		p.Description = fmt.Sprintf("%.0f%% of steps happen in the %s", share*100, best)
	} else {
		p.Name = "temporal: " + docType + " " + string(best)
		p.Description = fmt.Sprintf("%.0f%% of %s steps happen in the %s", share*100, docType, best)
		p.DocumentTypes = []string{docType}
	}
	return p
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] && len(out) < maxEvidence {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// patternCache holds the last analysis per user. A generation counter keeps an
// analysis computed before a write from being cached after it.
type patternCache struct {
	mu      sync.Mutex
	entries map[string]*core.PatternAnalysis
	gens    map[string]uint64
}

func newPatternCache() *patternCache {
	return &patternCache{
		entries: map[string]*core.PatternAnalysis{},
		gens:    map[string]uint64{},
	}
}

func (c *patternCache) get(user string) (*core.PatternAnalysis, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[user], c.gens[user]
}

func (c *patternCache) put(user string, gen uint64, a *core.PatternAnalysis) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[user] == gen {
		c.entries[user] = a
	}
}

func (c *patternCache) invalidate(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, user)
	c.gens[user]++
}
